package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Kerhoff/wishpool/internal/api"
	"github.com/Kerhoff/wishpool/internal/config"
	"github.com/Kerhoff/wishpool/internal/fanout"
	"github.com/Kerhoff/wishpool/internal/fanout/bus"
	"github.com/Kerhoff/wishpool/internal/handlers"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/lock"
	"github.com/Kerhoff/wishpool/internal/metrics"
	"github.com/Kerhoff/wishpool/internal/repository"
	"github.com/Kerhoff/wishpool/internal/repository/memory"
	"github.com/Kerhoff/wishpool/internal/repository/postgres"
	"github.com/Kerhoff/wishpool/internal/service"
	"github.com/Kerhoff/wishpool/internal/telegram"
	"github.com/Kerhoff/wishpool/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l := logger.New(cfg.LogLevel, cfg.LogFormat)
	l.Info("Starting Wishpool...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorf("Wishpool stopped with error: %v", err)
		os.Exit(1)
	}
	l.Info("Wishpool stopped")
}

func run(ctx context.Context, cfg *config.Config, l *logrus.Logger) error {
	// Storage
	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis, shared by the lock and the bus
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DialTimeout: 5 * time.Second})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Ledger.Lock == "redis" {
		locker = lock.NewRedisLocker(rdb, "wishpool:lock:", cfg.Ledger.LockTTL, l)
	}

	// Fanout
	hub := fanout.NewHub(cfg.Fanout.SendTimeout, l)
	var publisher fanout.Publisher = hub
	var relay *bus.Relay
	switch cfg.FanoutBus {
	case "redis":
		relay = bus.NewRelay(bus.NewRedisBus(rdb, cfg.FanoutChannel, l), hub, l)
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("wishpool"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		relay = bus.NewRelay(bus.NewNATSBus(nc, cfg.FanoutChannel, cfg.Fanout.BusBuffer, l), hub, l)
	}
	if relay != nil {
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start fanout relay: %w", err)
		}
		publisher = relay
		defer func() {
			if err := relay.Close(); err != nil {
				l.WithError(err).Warn("Failed to close fanout relay")
			}
		}()
	} else {
		defer hub.Close()
	}

	m := metrics.New(hub)

	// Telegram bot (optional)
	var bot *telegram.Bot
	if cfg.TelegramToken != "" {
		bot, err = telegram.NewBot(cfg.TelegramToken, l)
		if err != nil {
			return fmt.Errorf("failed to create Telegram bot: %w", err)
		}
	}

	// Service layer
	opts := service.Options{
		Ledger: ledger.Options{
			MaxAttempts:    cfg.Ledger.MaxAttempts,
			AttemptTimeout: cfg.Ledger.AttemptTimeout,
			Hooks:          m,
		},
	}
	if bot != nil {
		opts.Notifier = bot
	}
	svc := service.New(store, locker, publisher, l, opts)
	defer svc.Close()

	if bot != nil {
		bot.RegisterCommand("start", handlers.NewStartHandler(l))
		bot.RegisterCommand("help", handlers.NewHelpHandler())
		bot.RegisterCommand("status", handlers.NewStatusHandler(svc, l))
	}

	apiServer := api.NewServer(svc, hub, l, api.Options{
		SubscriberBuffer: cfg.Fanout.Buffer,
		Observer:         m,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infof("HTTP server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("Shutting down HTTP server...")
		// Streams only end when their subscribers close.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return m.Serve(gctx, ":"+cfg.PrometheusPort, l)
	})
	if bot != nil {
		g.Go(func() error {
			return bot.Start(gctx)
		})
	}

	l.Info("Wishpool started successfully")
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, l *logrus.Logger) (repository.Store, func(), error) {
	if cfg.Store == "memory" {
		l.Warn("Using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}

	db, err := config.NewDatabase(ctx, cfg.DatabaseURL, l)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(cfg.MigrationsPath); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return postgres.NewStore(db.DB, cfg.Ledger.Isolation), func() { db.Close() }, nil
}
