package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	"go.uber.org/zap"
)

// Gateway delivers encrypted Web Push messages signed with the VAPID key pair.
type Gateway struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	timeout    time.Duration
	client     *http.Client
}

// NewGateway builds a gateway from cfg. Without configured VAPID keys an
// ephemeral pair is generated; browsers subscribed against it stop working
// after a restart, so only the public half is logged as a reminder.
func NewGateway(cfg config.PushConfig, log *zap.Logger) (*Gateway, error) {
	pub, priv := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if pub == "" || priv == "" {
		var err error
		priv, pub, err = webpush.GenerateVAPIDKeys()
		if err != nil {
			return nil, fmt.Errorf("generate vapid keys: %w", err)
		}
		log.Warn("VAPID keys not configured, generated an ephemeral pair",
			zap.String("vapid_public_key", pub))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		publicKey:  pub,
		privateKey: priv,
		subscriber: strings.TrimPrefix(cfg.VAPIDSubject, "mailto:"),
		ttl:        cfg.TTL,
		timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// PublicKey is the application server key browsers subscribe with.
func (g *Gateway) PublicKey() string { return g.publicKey }

// Deliver makes exactly one delivery attempt to sub.
func (g *Gateway) Deliver(ctx context.Context, sub domain.PushSubscription, payload domain.PushPayload) domain.DeliveryOutcome {
	msg, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryOutcome{Kind: domain.TransientFailure, Reason: "encode payload: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, msg, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      g.client,
		Subscriber:      g.subscriber,
		VAPIDPublicKey:  g.publicKey,
		VAPIDPrivateKey: g.privateKey,
		TTL:             g.ttl,
		Urgency:         urgency(payload.Priority),
	})
	if err != nil {
		return domain.DeliveryOutcome{Kind: domain.TransientFailure, Reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return Classify(resp.StatusCode)
}

// Classify maps a push relay status code to an outcome.
// 404 and 410 mean the endpoint is gone for good.
func Classify(status int) domain.DeliveryOutcome {
	switch {
	case status >= 200 && status < 300:
		return domain.DeliveryOutcome{Kind: domain.Delivered, StatusCode: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.DeliveryOutcome{Kind: domain.PermanentlyGone, StatusCode: status,
			Reason: fmt.Sprintf("push service returned %d", status)}
	default:
		return domain.DeliveryOutcome{Kind: domain.TransientFailure, StatusCode: status,
			Reason: fmt.Sprintf("push service returned %d", status)}
	}
}

func urgency(p domain.Priority) webpush.Urgency {
	switch p {
	case domain.PriorityLow:
		return webpush.UrgencyLow
	case domain.PriorityHigh:
		return webpush.UrgencyHigh
	case domain.PriorityNormal:
		return webpush.UrgencyNormal
	}
	return webpush.UrgencyNormal
}
