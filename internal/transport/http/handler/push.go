package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-notify-escalation/internal/application/delivery"
	"github.com/go-notify-escalation/internal/application/subscription"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/transport/http/middleware"
)

// PushHandler handles push subscription endpoints.
type PushHandler struct {
	subs      subscription.Service
	delivery  delivery.Service
	publicKey string
}

func NewPushHandler(subs subscription.Service, del delivery.Service, vapidPublicKey string) *PushHandler {
	return &PushHandler{subs: subs, delivery: del, publicKey: vapidPublicKey}
}

func (h *PushHandler) PublicKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VAPIDKeyEnvelope{PublicKey: h.publicKey})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req domain.SubscribeRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	sub, err := h.subs.Subscribe(r.Context(), claims.UserID, req)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req domain.UnsubscribeRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.subs.Unsubscribe(r.Context(), claims.UserID, req.Endpoint); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "unsubscribed"})
}

func (h *PushHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.list(w, r, claims.UserID)
}

func (h *PushHandler) Clean(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.clean(w, r, claims.UserID)
}

func (h *PushHandler) Test(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.test(w, r, claims.UserID)
}

// AdminList lists the subscriptions of the user in the {id} path param.
func (h *PushHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "id"))
}

func (h *PushHandler) AdminClean(w http.ResponseWriter, r *http.Request) {
	h.clean(w, r, chi.URLParam(r, "id"))
}

func (h *PushHandler) AdminTest(w http.ResponseWriter, r *http.Request) {
	h.test(w, r, chi.URLParam(r, "id"))
}

func (h *PushHandler) list(w http.ResponseWriter, r *http.Request, userID string) {
	subs, err := h.subs.List(r.Context(), userID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *PushHandler) clean(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := h.subs.Clean(r.Context(), userID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountEnvelope{Message: "subscriptions removed", Count: n})
}

func (h *PushHandler) test(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := h.delivery.SendTest(r.Context(), userID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
