package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestCheck_ReturnsReport(t *testing.T) {
	sched := &mockScheduler{}
	sched.On("ForceCheck", mock.Anything).Return(escalation.TickReport{Candidates: 2, Sent: 1, Failed: 1}, nil)
	h := NewEscalationHandler(sched, &mockSMSSvc{})

	rr := httptest.NewRecorder()
	h.Check(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/escalation/check", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"sent":1`)
}

func TestCheck_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrTickInProgress, http.StatusConflict},
		{domain.ErrSMSNotConfigured, http.StatusServiceUnavailable},
		{domain.ErrSchedulerStopped, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			sched := &mockScheduler{}
			sched.On("ForceCheck", mock.Anything).Return(escalation.TickReport{}, tc.err)
			h := NewEscalationHandler(sched, &mockSMSSvc{})

			rr := httptest.NewRecorder()
			h.Check(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/escalation/check", nil))
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestStatus(t *testing.T) {
	sched := &mockScheduler{}
	sched.On("Status").Return(escalation.Status{Running: true, Interval: "10m0s"})
	h := NewEscalationHandler(sched, &mockSMSSvc{})

	rr := httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/escalation/status", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"running":true`)
}

func TestSMSUsage(t *testing.T) {
	smsSvc := &mockSMSSvc{}
	smsSvc.On("UsageStats", mock.Anything).Return(sms.Usage{Period: "2026-10", Sent: 12, Quota: 10, QuotaExceeded: true}, nil)
	h := NewEscalationHandler(&mockScheduler{}, smsSvc)

	rr := httptest.NewRecorder()
	h.SMSUsage(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/sms/usage", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"quota_exceeded":true`)
}
