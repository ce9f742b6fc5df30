package handler

import (
	"net/http"

	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
)

// EscalationHandler exposes scheduler and SMS usage controls to admins.
type EscalationHandler struct {
	scheduler escalation.Scheduler
	sms       sms.Service
}

func NewEscalationHandler(scheduler escalation.Scheduler, smsSvc sms.Service) *EscalationHandler {
	return &EscalationHandler{scheduler: scheduler, sms: smsSvc}
}

func (h *EscalationHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *EscalationHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Stats())
}

// Check runs one escalation pass immediately and returns its report.
func (h *EscalationHandler) Check(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.ForceCheck(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *EscalationHandler) SMSUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.sms.UsageStats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
