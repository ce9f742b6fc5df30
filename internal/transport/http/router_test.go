package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-notify-escalation/internal/application/delivery"
	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/application/subscription"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/infrastructure/memory"
	"github.com/go-notify-escalation/internal/infrastructure/metrics"
	jwtinfra "github.com/go-notify-escalation/internal/infrastructure/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type acceptAllGateway struct{}

func (acceptAllGateway) Deliver(context.Context, domain.PushSubscription, domain.PushPayload) domain.DeliveryOutcome {
	return domain.DeliveryOutcome{Kind: domain.Delivered, StatusCode: http.StatusCreated}
}

type testServer struct {
	handler http.Handler
	jwt     *jwtinfra.Provider
	store   *memory.NotificationStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)}), 0600))
	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	cfg := &config.Config{
		JWTPrivateKeyPath: privPath,
		JWTPublicKeyPath:  pubPath,
		JWTExpiry:         time.Hour,
		AllowedOrigins:    []string{"*"},
		Escalation:        config.EscalationConfig{Delay: 12 * time.Hour, Interval: time.Hour, MaxAttempts: 3},
	}
	provider, err := jwtinfra.NewProvider(cfg)
	require.NoError(t, err)

	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notifications := memory.NewNotificationStore()
	subs := memory.NewSubscriptionStore()
	users := memory.NewUserDirectory(
		domain.User{UserID: "s1", FirstName: "Ana", Role: domain.RoleStudent, CohortID: "c1", Enable: 1},
		domain.User{UserID: "s2", FirstName: "Ben", Role: domain.RoleStudent, CohortID: "c1", Enable: 1},
	)
	require.NoError(t, subs.Upsert(context.Background(), &domain.PushSubscription{
		UserID: "s1", Endpoint: "https://push.example.com/s1", P256dh: "p", Auth: "a",
	}))

	smsSvc := sms.NewService(nil, nil, config.SMSConfig{Enabled: false}, m, log)
	deliverySvc := delivery.NewService(notifications, subs, users, acceptAllGateway{},
		delivery.Config{EscalationDelay: cfg.Escalation.Delay}, m, log)
	scheduler := escalation.NewScheduler(notifications, users, smsSvc, cfg.Escalation, m, log)

	h := NewRouter(cfg, &Deps{
		Delivery:       deliverySvc,
		Subscriptions:  subscription.NewService(subs),
		SMS:            smsSvc,
		Scheduler:      scheduler,
		JWTProvider:    provider,
		VAPIDPublicKey: "BPublic",
		Metrics:        metrics.Handler(reg),
		Logger:         log,
	})
	return &testServer{handler: h, jwt: provider, store: notifications}
}

func (s *testServer) do(t *testing.T, method, target, userID, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	if userID != "" {
		token, err := s.jwt.Sign(userID, role, "sess")
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, r)
	return rr
}

func cohortRequest() domain.NotifyRequest {
	return domain.NotifyRequest{
		Recipients: domain.RecipientSpec{Kind: domain.RecipientCohort, CohortID: "c1"},
		Title:      "Interview tomorrow",
		Body:       "Bring your CV",
		Channel:    "both",
	}
}

func TestRouter_HealthAndKey(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/health-check/ping", "", "", nil).Code)

	rr := s.do(t, http.MethodGet, "/v1/push/vapid-public-key", "", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "BPublic")
}

func TestRouter_NotifyRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/v1/admin/notifications", "", "", cohortRequest()).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/admin/notifications", "s1", domain.RoleStudent, cohortRequest()).Code)
}

func TestRouter_NotifyThenAcknowledge(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/v1/admin/notifications", "admin1", domain.RoleAdmin, cohortRequest())
	require.Equal(t, http.StatusCreated, rr.Code)
	var res domain.NotifyResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Unreachable)

	for _, id := range res.NotificationIDs {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/notifications/"+id+"/opened", "", "", nil).Code)
	}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/notifications/does-not-exist/delivered", "", "", nil).Code)

	rr = s.do(t, http.MethodGet, "/v1/notifications?unread=1", "s1", domain.RoleStudent, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestRouter_NotifyUnknownCohort(t *testing.T) {
	s := newTestServer(t)
	req := cohortRequest()
	req.Recipients.CohortID = "nobody"
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/v1/admin/notifications", "admin1", domain.RoleAdmin, req).Code)
	assert.Equal(t, 0, s.store.Count())
}

func TestRouter_EscalationCheckWithoutSMS(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/v1/admin/escalation/check", "admin1", domain.RoleAdmin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/admin/notifications", "admin1", domain.RoleAdmin, cohortRequest()).Code)

	rr := s.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `notify_notifications_created_total{channel="both"} 2`)
}
