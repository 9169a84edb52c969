// File: cmd/server/serve.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iyunix/go-smilin/internal/config"
	"github.com/iyunix/go-smilin/internal/handlers"
	"github.com/iyunix/go-smilin/internal/ratelimit"
	"github.com/iyunix/go-smilin/internal/repository"
	messagerepo "github.com/iyunix/go-smilin/internal/repository/message"
	unreadrepo "github.com/iyunix/go-smilin/internal/repository/unread"
	userrepo "github.com/iyunix/go-smilin/internal/repository/user"
	"github.com/iyunix/go-smilin/internal/services"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/delivery"
	"github.com/iyunix/go-smilin/internal/services/events"
	"github.com/iyunix/go-smilin/internal/services/identity"
	"github.com/iyunix/go-smilin/internal/services/presence"
	"github.com/iyunix/go-smilin/internal/services/retry"
	"github.com/iyunix/go-smilin/internal/services/session"
	"github.com/iyunix/go-smilin/internal/services/unread"
	"github.com/iyunix/go-smilin/internal/services/view"
)

const shutdownTimeout = 15 * time.Second

func newLogger(cfg *config.Config) (services.Logger, func()) {
	logger := services.NewLogger("smilin", cfg.Environment, cfg.LogLevel)
	if z, ok := logger.(*services.ZapLogger); ok {
		return logger, func() { _ = z.Sync() }
	}
	return logger, func() {}
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, flush := newLogger(cfg)
	defer flush()

	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repository.Close(db)

	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database migrated")
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, flush := newLogger(cfg)
	defer flush()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repository.Close(db)
	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	userRepo := userrepo.NewGormUserRepository(db, logger)
	messageRepo := messagerepo.NewMessageRepository(db, logger)
	unreadRepo := unreadrepo.NewUnreadRepository(db)

	secret := cfg.JWTSecretKey
	if secret == "" {
		secret = randomSecret()
		logger.Warn("JWT_SECRET_KEY not set, using a random key; tokens will not survive a restart")
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 && !cfg.IsProduction() {
		origins = []string{"*"}
	}

	// --- Presence and channels ---
	ids := identity.NewService(userRepo, secret, cfg.TokenTTL, logger)
	tracker := presence.NewTracker(logger,
		presence.WithGracePeriod(cfg.PresenceGracePeriod),
		presence.WithNode(cfg.NodeName),
	)
	defer tracker.Close()

	var (
		registry  presence.Registry
		transport channel.Transport
		relay     *presence.RedisRelay
		shared    *presence.RedisRegistry
	)
	if cfg.Distributed() {
		rdb, err := repository.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		shared = presence.NewRedisRegistry(rdb, cfg.RedisChannelPrefix, cfg.NodeName, tracker, logger,
			presence.WithNodeTTL(cfg.PresenceNodeTTL),
		)
		registry = shared
		transport = channel.NewRedisTransport(rdb, cfg.RedisChannelPrefix, logger)
		relay = presence.NewRedisRelay(rdb, tracker, cfg.RedisChannelPrefix, logger)
	} else {
		registry = presence.NewMemoryRegistry(tracker)
		transport = channel.NewMemoryTransport(logger)
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, map[string]string{events.EventMessageSent: cfg.KafkaTopicMessages})
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = kp
	} else {
		publisher = events.NewLoggingPublisher(logger)
	}
	defer publisher.Close()

	// --- Delivery ---
	counter := unread.NewCounter(unreadRepo, tracker, transport, logger)
	backoff := func(attempts int) retry.Config {
		return retry.Config{MaxAttempts: attempts, InitialDelay: cfg.RetryInitialDelay, MaxDelay: cfg.RetryMaxDelay, Multiplier: 2}
	}
	pipeline := delivery.NewPipeline(delivery.Config{
		MaxTextLength:  cfg.MaxTextLength,
		Publish:        backoff(cfg.PublishMaxAttempts),
		Persist:        backoff(cfg.PersistMaxAttempts),
		PersistTimeout: cfg.PersistTimeout,
	}, ids, messageRepo, transport, counter, publisher, logger)
	views := view.NewService(view.Config{TypingTTL: cfg.TypingTTL}, messageRepo, ids, tracker, counter, logger)

	sendLimiter := ratelimit.NewMemoryRateLimiter(&ratelimit.Config{
		WindowSize:    cfg.SendRateWindow,
		MaxAttempts:   cfg.SendRateMax,
		CleanupPeriod: time.Minute,
		BanDuration:   cfg.SendRateWindow,
	})
	defer sendLimiter.Close()
	typingLimiter := ratelimit.NewMemoryRateLimiter(ratelimit.DefaultTypingConfig())
	defer typingLimiter.Close()
	loginLimiter := ratelimit.NewMemoryRateLimiter(ratelimit.DefaultAuthConfig())
	defer loginLimiter.Close()

	hub := session.NewHub(session.Deps{
		Registry:  registry,
		Presence:  tracker,
		Transport: transport,
		Views:     views,
		Sender:    pipeline,
		Unread:    counter,
		SendLimit: sendLimiter,
		TypeLimit: typingLimiter,
		Logger:    logger,
	})

	// --- HTTP ---
	router := handlers.NewRouter(handlers.Routes{
		Auth:           handlers.NewAuthHandler(ids, cfg.TokenTTL, logger),
		Users:          handlers.NewUserHandler(ids, tracker, logger),
		Chat:           handlers.NewChatHandler(ids, messageRepo, pipeline, counter, sendLimiter, logger),
		Log:            handlers.NewLogHandler(logger),
		WS:             handlers.NewWSHandler(hub, origins, logger),
		Tokens:         ids,
		LoginLimiter:   loginLimiter,
		AllowedOrigins: origins,
		Node:           cfg.NodeName,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			"addr", srv.Addr,
			"node", cfg.NodeName,
			"distributed", cfg.Distributed(),
			"kafka", len(cfg.KafkaBrokers) > 0,
			"grace_period", tracker.GracePeriod().String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if shared != nil {
		g.Go(func() error { return shared.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not close in time", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
