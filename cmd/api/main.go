package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-notify-escalation/internal/application/delivery"
	"github.com/go-notify-escalation/internal/application/escalation"
	"github.com/go-notify-escalation/internal/application/sms"
	"github.com/go-notify-escalation/internal/application/subscription"
	"github.com/go-notify-escalation/internal/config"
	"github.com/go-notify-escalation/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-notify-escalation/internal/infrastructure/jwt"
	"github.com/go-notify-escalation/internal/infrastructure/memory"
	"github.com/go-notify-escalation/internal/infrastructure/metrics"
	"github.com/go-notify-escalation/internal/infrastructure/postgres"
	redisinfra "github.com/go-notify-escalation/internal/infrastructure/redis"
	"github.com/go-notify-escalation/internal/infrastructure/sns"
	"github.com/go-notify-escalation/internal/infrastructure/webpush"
	"github.com/go-notify-escalation/internal/pkg/logger"
	transporthttp "github.com/go-notify-escalation/internal/transport/http"
	appmiddleware "github.com/go-notify-escalation/internal/transport/http/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type notificationBackend interface {
	delivery.NotificationStore
	escalation.NotificationStore
}

type stores struct {
	notifications notificationBackend
	subscriptions subscription.Store
	directory     delivery.Directory
	close         func()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()

	zlog, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx := context.Background()

	st, err := openStores(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("open store backend", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer st.close()

	// JWT provider (optional - authenticated routes reject everything without it).
	var jwtProvider *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		jwtProvider = p
	} else {
		zlog.Warn("JWT provider not available", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway, err := webpush.NewGateway(cfg.Push, zlog)
	if err != nil {
		zlog.Fatal("web push gateway", zap.Error(err))
	}

	var counter sms.Counter
	if cfg.RedisAddr != "" {
		rdb, err := redisinfra.NewClient(ctx, cfg)
		if err != nil {
			zlog.Warn("redis unavailable, SMS usage kept in memory", zap.Error(err))
		} else {
			defer rdb.Close()
			counter = redisinfra.NewUsageCounter(rdb)
		}
	}

	var publisher sms.Publisher
	if cfg.SMS.Enabled {
		if sender, err := sns.NewSender(ctx, cfg); err == nil {
			publisher = sender
		} else {
			zlog.Warn("SNS sender not available", zap.Error(err))
		}
	}

	smsSvc := sms.NewService(publisher, counter, cfg.SMS, m, zlog.Named("sms"))
	deliverySvc := delivery.NewService(st.notifications, st.subscriptions, st.directory, gateway, delivery.Config{
		Concurrency:     cfg.Push.Concurrency,
		EscalationDelay: cfg.Escalation.Delay,
	}, m, zlog.Named("delivery"))
	scheduler := escalation.NewScheduler(st.notifications, st.directory, smsSvc, cfg.Escalation, m, zlog.Named("escalation"))

	if err := scheduler.Start(ctx); err != nil {
		zlog.Warn("escalation scheduler not started, running push-only", zap.Error(err))
	}

	proxies, err := appmiddleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		zlog.Fatal("parse TRUSTED_PROXIES", zap.Error(err))
	}

	router := transporthttp.NewRouter(cfg, &transporthttp.Deps{
		Delivery:       deliverySvc,
		Subscriptions:  subscription.NewService(st.subscriptions),
		SMS:            smsSvc,
		Scheduler:      scheduler,
		JWTProvider:    jwtProvider,
		VAPIDPublicKey: gateway.PublicKey(),
		Metrics:        metrics.Handler(reg),
		Logger:         zlog.Named("http"),
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("server starting", zap.String("port", cfg.AppPort), zap.String("env", cfg.AppEnv),
			zap.String("backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("forced shutdown", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		zlog.Error("escalation scheduler stop", zap.Error(err))
	}
	zlog.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return postgresStores(db), nil
	case "memory":
		users, err := memory.LoadUserDirectory(cfg.MemoryUsersFile)
		if err != nil {
			return nil, err
		}
		zlog.Warn("using in-memory store; data is lost on restart",
			zap.String("users_file", cfg.MemoryUsersFile))
		return &stores{
			notifications: memory.NewNotificationStore(),
			subscriptions: memory.NewSubscriptionStore(),
			directory:     users,
			close:         func() {},
		}, nil
	case "dynamo", "":
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables, zlog.Named("dynamo"))
		return &stores{
			notifications: dynamo.NewNotificationRepo(client, cfg.DynamoTables.Notifications),
			subscriptions: dynamo.NewSubscriptionRepo(client, cfg.DynamoTables.Subscriptions),
			directory:     dynamo.NewUserRepo(client, cfg.DynamoTables.Users),
			close:         func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func postgresStores(db *sql.DB) *stores {
	return &stores{
		notifications: postgres.NewNotificationRepo(db),
		subscriptions: postgres.NewSubscriptionRepo(db),
		directory:     postgres.NewUserRepo(db),
		close:         func() { _ = db.Close() },
	}
}
