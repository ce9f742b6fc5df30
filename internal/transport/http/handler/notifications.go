package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-notify-escalation/internal/application/delivery"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/transport/http/middleware"
)

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	svc delivery.Service
}

func NewNotificationHandler(svc delivery.Service) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

// Notify creates notifications for a recipient spec and attempts push delivery.
func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req domain.NotifyRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Notify(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	ns, err := h.svc.ListForUser(r.Context(), claims.UserID, unread)
	if err != nil {
		httpError(w, err)
		return
	}
	if ns == nil {
		ns = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.stats(w, r, claims.UserID)
}

// AdminStats reports totals for ?user_id=, or for every user when it is empty.
func (h *NotificationHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	h.stats(w, r, r.URL.Query().Get("user_id"))
}

func (h *NotificationHandler) stats(w http.ResponseWriter, r *http.Request, userID string) {
	s, err := h.svc.Stats(r.Context(), userID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Delivered is called by the service worker on receipt. It always answers 200
// so unknown or repeated ids reveal nothing to the caller.
func (h *NotificationHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	h.svc.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ok"})
}

func (h *NotificationHandler) Opened(w http.ResponseWriter, r *http.Request) {
	h.svc.MarkOpened(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ok"})
}
