package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"hashview/internal/config"
	"hashview/internal/domain"
	"hashview/internal/httpserver"
	"hashview/internal/jobqueue"
	"hashview/internal/metrics"
	"hashview/internal/presence"
	"hashview/internal/push"
	"hashview/internal/security"
	"hashview/internal/service"
	"hashview/internal/store/postgres"
	"hashview/internal/store/sqlite"
	"hashview/internal/ws"
)

const version = "1.0.0"

// @title           hashview API
// @version         1.0
// @description     Realtime messaging backend for the hashview mobile app.

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	_ = godotenv.Load(".env")

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Load configuration from `FILE`",
		EnvVars: []string{config.EnvPrefix + "CONFIG"},
	}
	app := &cli.App{
		Name:    "hashview",
		Usage:   "Realtime messaging backend",
		Version: version,
		Flags:   []cli.Flag{configFlag},
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and realtime gateway",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

type store struct {
	db            *sql.DB
	users         domain.UserRepository
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	pushTokens    domain.PushTokenRepository
}

func openStore(cfg *config.Config) (*store, error) {
	if cfg.DatabaseDriver == config.DriverPostgres {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return &store{
			db:            db,
			users:         postgres.NewUserRepo(db),
			conversations: postgres.NewConversationRepo(db),
			messages:      postgres.NewMessageRepo(db),
			pushTokens:    postgres.NewPushTokenRepo(db),
		}, nil
	}

	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &store{
		db:            db,
		users:         sqlite.NewUserRepo(db),
		conversations: sqlite.NewConversationRepo(db),
		messages:      sqlite.NewMessageRepo(db),
		pushTokens:    sqlite.NewPushTokenRepo(db),
	}, nil
}

// newRevoker prefers Redis so logouts are shared across instances and
// falls back to process memory when Redis is not configured or down.
func newRevoker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (security.Revoker, func()) {
	if cfg.RedisAddr == "" {
		return security.NewMemoryRevoker(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-memory token blacklist", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return security.NewMemoryRevoker(), func() {}
	}
	return security.NewRedisRevoker(client), func() { client.Close() }
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func migrate(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()
	if cfg.DatabaseDriver == config.DriverPostgres {
		if err := jobqueue.Migrate(c.Context, cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}
	logger.Info("migrations applied", "driver", cfg.DatabaseDriver)
	return nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	passwordHasher := security.NewPasswordHasher(0)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	revoker, closeRevoker := newRevoker(ctx, cfg, logger)
	defer closeRevoker()

	registry := presence.NewRegistry()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, registry.OnlineUsers)

	hub := ws.NewHub(logger, m)

	var notifier service.Notifier
	var dispatcher *push.Dispatcher
	if cfg.PushEnabled {
		expo := push.NewExpoClient(cfg.ExpoURL, cfg.ExpoAccessToken, logger,
			push.WithRateLimit(cfg.ExpoRateLimit, int(math.Max(1, math.Ceil(cfg.ExpoRateLimit)))))
		direct := push.NewDirectDeliverer(st.pushTokens, expo, logger)

		var deliverer push.Deliverer = direct
		// Expo calls are slow; keep them off the sender's request.
		dispatchOpts := []push.DispatcherOption{push.WithBackgroundDelivery()}
		if cfg.PushQueue == config.PushQueueRiver {
			if err := jobqueue.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
				return err
			}
			queue, err := jobqueue.New(ctx, cfg.DatabaseURL, direct, jobqueue.Config{MaxWorkers: cfg.PushWorkers}, logger)
			if err != nil {
				return err
			}
			if err := queue.Start(ctx); err != nil {
				return fmt.Errorf("failed to start push queue: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := queue.Stop(stopCtx); err != nil {
					logger.Error("push queue shutdown", "error", err)
				}
			}()
			deliverer = queue
			dispatchOpts = nil
		}
		dispatcher = push.NewDispatcher(registry, deliverer, logger, m, dispatchOpts...)
		notifier = dispatcher
	}

	// Services
	authSvc := service.NewAuthService(st.users, tokenSvc, passwordHasher, revoker)
	userSvc := service.NewUserService(st.users, st.pushTokens)
	convSvc := service.NewConversationService(st.conversations, st.messages, st.users, encryptor, hub, logger)
	msgSvc := service.NewMessageService(st.conversations, st.messages, st.users, encryptor, hub, notifier, m, logger)
	msgSvc.MaxTextLength = cfg.MessageMaxLength

	realtime := ws.NewHandler(hub, authSvc, convSvc, msgSvc, userSvc, registry, m, logger, ws.Config{
		AllowedOrigins: cfg.CORSOrigins,
		RateLimit:      cfg.WSRateLimit,
		RateBurst:      cfg.WSRateBurst,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		AppName:       cfg.AppName,
		Version:       version,
		CORSOrigins:   cfg.CORSOrigins,
		Auth:          authSvc,
		Users:         userSvc,
		Conversations: convSvc,
		Messages:      msgSvc,
		Realtime:      realtime,
		Metrics:       m,
		DB:            st.db,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting hashview server", "addr", cfg.HTTPAddr(), "driver", cfg.DatabaseDriver, "push_queue", cfg.PushQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return nil
}
