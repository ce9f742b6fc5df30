package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	jwtinfra "github.com/go-notify-escalation/internal/infrastructure/jwt"
	"github.com/go-notify-escalation/internal/transport/http/middleware"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockDeliverySvc struct{ mock.Mock }

func (m *mockDeliverySvc) Notify(ctx context.Context, req domain.NotifyRequest) (*domain.NotifyResult, error) {
	args := m.Called(ctx, req)
	if res, _ := args.Get(0).(*domain.NotifyResult); res != nil {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeliverySvc) SendTest(ctx context.Context, userID string) (*domain.NotifyResult, error) {
	args := m.Called(ctx, userID)
	if res, _ := args.Get(0).(*domain.NotifyResult); res != nil {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeliverySvc) MarkDelivered(ctx context.Context, notificationID string) {
	m.Called(ctx, notificationID)
}

func (m *mockDeliverySvc) MarkOpened(ctx context.Context, notificationID string) {
	m.Called(ctx, notificationID)
}

func (m *mockDeliverySvc) MarkRead(ctx context.Context, notificationID, userID string) (*domain.Notification, error) {
	args := m.Called(ctx, notificationID, userID)
	if n, _ := args.Get(0).(*domain.Notification); n != nil {
		return n, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeliverySvc) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	args := m.Called(ctx, userID, unreadOnly)
	ns, _ := args.Get(0).([]domain.Notification)
	return ns, args.Error(1)
}

func (m *mockDeliverySvc) Stats(ctx context.Context, userID string) (domain.DeliveryStats, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.DeliveryStats), args.Error(1)
}

type mockSubscriptionSvc struct{ mock.Mock }

func (m *mockSubscriptionSvc) Subscribe(ctx context.Context, userID string, req domain.SubscribeRequest) (*domain.PushSubscription, error) {
	args := m.Called(ctx, userID, req)
	if s, _ := args.Get(0).(*domain.PushSubscription); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionSvc) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return m.Called(ctx, userID, endpoint).Error(0)
}

func (m *mockSubscriptionSvc) Clean(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *mockSubscriptionSvc) List(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	args := m.Called(ctx, userID)
	subs, _ := args.Get(0).([]domain.PushSubscription)
	return subs, args.Error(1)
}

type mockScheduler struct{ mock.Mock }

func (m *mockScheduler) Start(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockScheduler) Stop(ctx context.Context) error  { return m.Called(ctx).Error(0) }

func (m *mockScheduler) ForceCheck(ctx context.Context) (escalation.TickReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(escalation.TickReport), args.Error(1)
}

func (m *mockScheduler) Tick(ctx context.Context) (escalation.TickReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(escalation.TickReport), args.Error(1)
}

func (m *mockScheduler) Status() escalation.Status { return m.Called().Get(0).(escalation.Status) }
func (m *mockScheduler) Stats() escalation.Stats   { return m.Called().Get(0).(escalation.Stats) }

type mockSMSSvc struct{ mock.Mock }

func (m *mockSMSSvc) SendSMS(ctx context.Context, phone, body string) sms.Result {
	return m.Called(ctx, phone, body).Get(0).(sms.Result)
}

func (m *mockSMSSvc) FormatEscalationBody(firstName, title, body string) string {
	return m.Called(firstName, title, body).String(0)
}

func (m *mockSMSSvc) CheckConfiguration(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSMSSvc) UsageStats(ctx context.Context) (sms.Usage, error) {
	args := m.Called(ctx)
	return args.Get(0).(sms.Usage), args.Error(1)
}

// --- helpers ---

// newTestJWTProvider generates a fresh RSA key pair and returns a *jwtinfra.Provider.
func newTestJWTProvider(t *testing.T) *jwtinfra.Provider {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	p, err := jwtinfra.NewProvider(&config.Config{
		JWTPrivateKeyPath: privPath,
		JWTPublicKeyPath:  pubPath,
		JWTExpiry:         24 * time.Hour,
	})
	require.NoError(t, err)
	return p
}

// bearerReq builds a request with a signed Bearer token for the given userID and role.
func bearerReq(t *testing.T, p *jwtinfra.Provider, method, target, userID, role string, body []byte) *http.Request {
	t.Helper()
	token, err := p.Sign(userID, role, "sess1")
	require.NoError(t, err)
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// withChiID injects a chi URL param "id" into the request context.
func withChiID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// serveAuthed wraps the handler with middleware.Auth before serving.
func serveAuthed(p *jwtinfra.Provider, h http.Handler, w http.ResponseWriter, r *http.Request) {
	middleware.Auth(p)(h).ServeHTTP(w, r)
}
