package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/weighprint/internal/api"
	"github.com/orrn/weighprint/internal/api/handlers"
	"github.com/orrn/weighprint/internal/api/middleware"
	"github.com/orrn/weighprint/internal/bus"
	"github.com/orrn/weighprint/internal/config"
	"github.com/orrn/weighprint/internal/core"
	"github.com/orrn/weighprint/internal/db"
	"github.com/orrn/weighprint/internal/logging"
	"github.com/orrn/weighprint/internal/pdfcache"
	"github.com/orrn/weighprint/internal/render"
	"github.com/orrn/weighprint/internal/webhook"
	"github.com/orrn/weighprint/internal/wire"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	issueToken := flag.String("issue-token", "", "print an API bearer token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret).GenerateToken(*issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v (set auth.jwt_secret)\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("orchestrator stopped with error")
	}
	logger.Info("orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	checks := make(map[string]handlers.Check)

	store, closeStore, err := openStore(ctx, cfg.Database, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	var renderer core.Renderer = render.NewGotenberg(cfg.Renderer.URL, cfg.Renderer.Timeout)
	if cfg.Renderer.Validate {
		renderer = render.NewValidated(renderer)
	}

	memory := pdfcache.NewMemory(cfg.Cache.PDFTTL)
	var cache pdfcache.Store = memory
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		cache = pdfcache.NewTiered(memory, pdfcache.NewRedis(rdb, cfg.Cache.RedisPrefix, cfg.Cache.PDFTTL))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "weighprint-orchestrator"
	}
	conn := bus.New(bus.Options{
		Broker:         cfg.MQTT.Broker(),
		ClientID:       clientID + "-" + uuid.NewString()[:8],
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            cfg.MQTT.QoS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		MaxInFlight:    cfg.MQTT.MaxInFlight,
	}, logger)
	checks["mqtt"] = func(context.Context) error {
		if !conn.IsConnected() {
			return bus.ErrNotConnected
		}
		return nil
	}

	manager := core.NewJobManager(store, renderer, cache, conn, core.JobManagerConfig{
		BaseTopic:     cfg.MQTT.BaseTopic,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, logger)

	var sender *webhook.WebhookSender
	if len(cfg.Webhooks.Targets) > 0 {
		sender = webhook.NewWebhookSender(cfg.Webhooks.Targets, webhook.ConfigFrom(cfg.Webhooks), logger)
		sender.Start()
		defer sender.Stop()
		manager.SetNotifier(sender)
	}

	if err := conn.Subscribe(wire.AllAcks(cfg.MQTT.BaseTopic), manager.HandleAck); err != nil {
		return err
	}
	if err := conn.Subscribe(wire.AllStatus(cfg.MQTT.BaseTopic), manager.HandleStatus); err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close("", nil)

	auth := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	if !auth.Enabled() {
		logger.Warn("auth.jwt_secret is empty, the job API is unauthenticated")
	}

	router := api.NewRouter(api.Deps{
		Jobs:     manager,
		Machines: manager.Machines(),
		Webhooks: sender,
		Auth:     auth,
		Checks:   checks,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, checks map[string]handlers.Check) (core.JobStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("pg: %w", err)
		}
		store := db.NewPGJobStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pg schema: %w", err)
		}
		checks["database"] = pool.Ping
		return store, pool.Close, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		sqlDB, err := db.Open(cfg.Path, db.OrchestratorMigrations)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		checks["database"] = sqlDB.PingContext
		return db.NewJobOperations(sqlDB), func() { sqlDB.Close() }, nil
	}
}
