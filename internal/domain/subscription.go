package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PushSubscription is one browser/device registration with a push relay.
type PushSubscription struct {
	SubscriptionID string    `json:"id" dynamodbav:"subscription_id"`
	UserID         string    `json:"user_id" dynamodbav:"user_id"`
	Endpoint       string    `json:"endpoint" dynamodbav:"endpoint"`
	P256dh         string    `json:"p256dh" dynamodbav:"p256dh"`
	Auth           string    `json:"-" dynamodbav:"auth"`
	UserAgent      string    `json:"user_agent,omitempty" dynamodbav:"user_agent,omitempty"`
	Active         bool      `json:"active" dynamodbav:"active"`
	CreatedAt      time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updated" dynamodbav:"updated_at"`
}

// SubscriptionKey derives the stable subscription id from its endpoint.
// Endpoints are long opaque URLs, so they are hashed rather than used as keys.
func SubscriptionKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// SubscriptionKeys are the encryption keys a browser hands out with its endpoint.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required,base64rawurl|base64url|base64"`
	Auth   string `json:"auth" validate:"required,base64rawurl|base64url|base64"`
}

// SubscribeRequest mirrors the browser PushSubscription JSON.
type SubscribeRequest struct {
	Endpoint  string           `json:"endpoint" validate:"required,url,startswith=https://"`
	Keys      SubscriptionKeys `json:"keys"`
	UserAgent string           `json:"user_agent" validate:"max=512"`
}

// UnsubscribeRequest identifies the registration to deactivate.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}
