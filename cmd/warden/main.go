package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/prompt"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	httptransport "github.com/layer-3/warden/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	m := metrics.New()
	wmLogger := watermill.NewStdLogger(cfg.Logging.Development, false)

	var redisClient *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Events.Source == "redis" {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var st ports.Store
	switch cfg.Store.Backend {
	case "redis":
		st = store.NewRedisStore(redisClient, clk, logger)
	default:
		st = store.NewMemoryStore(clk)
	}

	// Message bus: Redis streams when Redis is configured, in-process otherwise
	var (
		bus message.Publisher
		sub message.Subscriber
	)
	if redisClient != nil {
		bus, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		sub, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: cfg.Events.ConsumerGroup,
		}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis subscriber: %w", err)
		}
	} else {
		ps := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		bus, sub = ps, ps
	}
	defer bus.Close()
	defer sub.Close()
	publisher := events.NewWatermillPublisher(bus)

	// Challenge tokens only have to survive one process lifetime
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	broker := prompt.NewBroker(tokenizer.NewJWTTokenizer(signKey), publisher, clk, cfg.Gate.PromptTimeout, logger)

	var fallback ports.Prompter
	if cfg.Gate.CredentialFallback {
		fallback = broker.Prompter(core.KindCredential, true)
	}
	gate := service.NewGate(st, broker.Prompter(core.KindBiometric, cfg.Gate.BiometricAvailable), fallback, cfg.Gate.MaxAttempts, m, logger)

	g, ctx := errgroup.WithContext(ctx)

	var (
		source ports.EventSource
		sink   httptransport.FocusSink
	)
	switch cfg.Events.Source {
	case "redis":
		ws := events.NewWatermillSource(sub, publisher, logger)
		g.Go(func() error { return ws.Run(ctx) })
		source = ws
	default:
		ms := events.NewMemorySource(64)
		source, sink = ms, ms
	}

	locks := service.NewLockSet(st, clk, logger)
	guard := service.NewGuard(service.GuardConfig{
		ReleaseGrace: cfg.Guard.ReleaseGrace,
		AuthGrace:    cfg.Guard.AuthGrace,
		Policy:       service.ChallengePolicy(cfg.Guard.ChallengePolicy),
		SelfPackage:  cfg.Guard.SelfPackage,
	}, service.GuardDeps{
		Store:     st,
		Source:    source,
		Locks:     locks,
		Gate:      gate,
		Publisher: publisher,
		Surfaces:  service.NewSurfaces(cfg.Guard.Surfaces...),
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
	})
	g.Go(func() error { return locks.Run(ctx) })
	g.Go(func() error { return guard.Run(ctx) })

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httptransport.SetupRouter(httptransport.RouterConfig{
		Handlers: httptransport.NewHandlers(service.NewAppService(st, logger), guard, broker, sink),
		Metrics:  m,
		Token:    cfg.Server.Token,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Backend),
			zap.String("events", cfg.Events.Source))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}
