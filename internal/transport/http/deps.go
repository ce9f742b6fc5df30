package http

import (
	"net/http"

	"github.com/go-notify-escalation/internal/application/delivery"
	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/application/subscription"
	jwtinfra "github.com/go-notify-escalation/internal/infrastructure/jwt"
	appmiddleware "github.com/go-notify-escalation/internal/transport/http/middleware"
	"go.uber.org/zap"
)

// Deps holds the services and infrastructure the router serves.
type Deps struct {
	Delivery      delivery.Service
	Subscriptions subscription.Service
	SMS           sms.Service
	Scheduler     escalation.Scheduler

	JWTProvider    *jwtinfra.Provider
	VAPIDPublicKey string
	Metrics        http.Handler
	Logger         *zap.Logger
	TrustedProxies *appmiddleware.TrustedProxies
}
