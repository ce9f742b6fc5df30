package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-notify-escalation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func notifyBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(domain.NotifyRequest{
		Recipients: domain.RecipientSpec{Kind: domain.RecipientCohort, CohortID: "c1"},
		Title:      "Interview tomorrow",
		Body:       "Bring your CV",
		Channel:    "both",
	})
	require.NoError(t, err)
	return body
}

func TestNotify_InvalidBody(t *testing.T) {
	svc := &mockDeliverySvc{}
	h := NewNotificationHandler(svc)
	r := httptest.NewRequest(http.MethodPost, "/v1/admin/notifications", bytes.NewBufferString("not-json"))
	rr := httptest.NewRecorder()
	h.Notify(rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestNotify_ValidationFailure(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("Notify", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("title: %w", domain.ErrBadRequest))
	h := NewNotificationHandler(svc)
	rr := httptest.NewRecorder()
	h.Notify(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/notifications", bytes.NewReader(notifyBody(t))))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestNotify_NoRecipients(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("Notify", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("cohort c1: %w", domain.ErrNoRecipientsFound))
	h := NewNotificationHandler(svc)
	rr := httptest.NewRecorder()
	h.Notify(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/notifications", bytes.NewReader(notifyBody(t))))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNotify_HappyPath(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("Notify", mock.Anything, mock.MatchedBy(func(req domain.NotifyRequest) bool {
		return req.Recipients.CohortID == "c1" && req.Channel == "both"
	})).Return(&domain.NotifyResult{Created: 3, Attempts: 4, Delivered: 2, Failed: 2, Gone: 1}, nil)
	h := NewNotificationHandler(svc)
	rr := httptest.NewRecorder()
	h.Notify(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/notifications", bytes.NewReader(notifyBody(t))))

	assert.Equal(t, http.StatusCreated, rr.Code)
	var res domain.NotifyResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 1, res.Gone)
	svc.AssertExpectations(t)
}

func TestNotify_StoreFailureIsOpaque(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("Notify", mock.Anything, mock.Anything).Return(nil, errors.New("dynamo: throttled"))
	h := NewNotificationHandler(svc)
	rr := httptest.NewRecorder()
	h.Notify(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/notifications", bytes.NewReader(notifyBody(t))))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "dynamo")
}

func TestList_UnreadFlag(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockDeliverySvc{}
	svc.On("ListForUser", mock.Anything, "u1", true).Return(nil, nil)
	h := NewNotificationHandler(svc)

	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.List), rr, bearerReq(t, p, http.MethodGet, "/v1/notifications?unread=1", "u1", "user", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	svc.AssertExpectations(t)
}

func TestMarkRead_OtherUsersNotification(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockDeliverySvc{}
	svc.On("MarkRead", mock.Anything, "n1", "u2").Return(nil, fmt.Errorf("notification n1: %w", domain.ErrForbidden))
	h := NewNotificationHandler(svc)

	r := withChiID(bearerReq(t, p, http.MethodPut, "/v1/notifications/n1/read", "u2", "user", nil), "n1")
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(h.MarkRead), rr, r)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMarkRead_MissingClaims(t *testing.T) {
	h := NewNotificationHandler(&mockDeliverySvc{})
	rr := httptest.NewRecorder()
	h.MarkRead(rr, withChiID(httptest.NewRequest(http.MethodPut, "/v1/notifications/n1/read", nil), "n1"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAcknowledgements_AlwaysOK(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("MarkDelivered", mock.Anything, "unknown").Return()
	svc.On("MarkOpened", mock.Anything, "unknown").Return()
	h := NewNotificationHandler(svc)

	for _, fn := range []http.HandlerFunc{h.Delivered, h.Opened} {
		rr := httptest.NewRecorder()
		fn(rr, withChiID(httptest.NewRequest(http.MethodPost, "/", nil), "unknown"))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	svc.AssertExpectations(t)
}

func TestAdminStats_GlobalWhenNoUser(t *testing.T) {
	svc := &mockDeliverySvc{}
	svc.On("Stats", mock.Anything, "").Return(domain.DeliveryStats{Total: 7, SMSSent: 2}, nil)
	h := NewNotificationHandler(svc)

	rr := httptest.NewRecorder()
	h.AdminStats(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/notifications/stats", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total":7`)
}
