package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/go-notify-escalation/internal/transport/http/handler"
	appmiddleware "github.com/go-notify-escalation/internal/transport/http/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.Logger(log, deps.TrustedProxies))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var authMw func(http.Handler) http.Handler
	if deps.JWTProvider != nil {
		authMw = appmiddleware.Auth(deps.JWTProvider)
	} else {
		authMw = func(next http.Handler) http.Handler { return next }
	}

	// Acknowledgements are unauthenticated, so they are throttled per client.
	ackRL := appmiddleware.NewRateLimiter(rate.Limit(20), 40, deps.TrustedProxies)

	healthH := handler.NewHealthHandler()
	pushH := handler.NewPushHandler(deps.Subscriptions, deps.Delivery, deps.VAPIDPublicKey)
	notifH := handler.NewNotificationHandler(deps.Delivery)
	escH := handler.NewEscalationHandler(deps.Scheduler, deps.SMS)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health-check/{action}", healthH.Ping)
		r.Get("/push/vapid-public-key", pushH.PublicKey)
		r.With(ackRL.Limit).Post("/notifications/{id}/delivered", notifH.Delivered)
		r.With(ackRL.Limit).Post("/notifications/{id}/opened", notifH.Opened)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Post("/push/subscriptions", pushH.Subscribe)
			r.Delete("/push/subscriptions", pushH.Unsubscribe)
			r.Get("/push/subscriptions", pushH.List)
			r.Post("/push/subscriptions/clean", pushH.Clean)
			r.Post("/push/test", pushH.Test)

			r.Get("/notifications", notifH.List)
			r.Get("/notifications/stats", notifH.Stats)
			r.Put("/notifications/{id}/read", notifH.MarkRead)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.RequireRole(domain.RoleAdmin))

				r.Post("/admin/notifications", notifH.Notify)
				r.Get("/admin/notifications/stats", notifH.AdminStats)
				r.Post("/admin/users/{id}/push/test", pushH.AdminTest)
				r.Get("/admin/users/{id}/subscriptions", pushH.AdminList)
				r.Post("/admin/users/{id}/subscriptions/clean", pushH.AdminClean)

				r.Get("/admin/escalation/status", escH.Status)
				r.Post("/admin/escalation/check", escH.Check)
				r.Get("/admin/escalation/stats", escH.Stats)
				r.Get("/admin/sms/usage", escH.SMSUsage)
			})
		})
	})

	return r
}
