package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"edgegate/internal/audit"
	"edgegate/internal/config"
	"edgegate/internal/csrf"
	"edgegate/internal/handler"
	"edgegate/internal/observability"
	"edgegate/internal/ratelimit"
	"edgegate/internal/router"
	"edgegate/internal/service"
	"edgegate/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			slog.Error("gateway failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting edgegate", slog.String("environment", cfg.Environment))

	report := cfg.Validate()
	for _, finding := range report.Warnings {
		slog.Warn("configuration warning", slog.String("finding", finding))
	}
	if !report.Valid {
		for _, finding := range report.Errors {
			slog.Error("configuration error", slog.String("finding", finding))
		}
		return errors.New("refusing to start with invalid configuration")
	}

	users, err := cfg.ParseAdminUsers()
	if err != nil {
		slog.Warn("skipped malformed ADMIN_USERS entries", slog.String("error", err.Error()))
	}
	if len(users) == 0 {
		slog.Warn("no admin accounts configured, the admin surface cannot be entered")
	}

	// Background context for the sweep and stats goroutines; canceled on
	// shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	var (
		db    *sql.DB
		rdb   *redis.Client
		store ratelimit.Store
	)

	switch cfg.RateStore {
	case config.StorePostgres:
		db, err = config.NewPostgresConnection(connCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("connected to postgresql")

		pgStore, err := ratelimit.NewPostgresStore(connCtx, db, cfg.RateFailClosed)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore

		go sweepRateWindows(ctx, pgStore)
		go publishDBStats(ctx, db)

	case config.StoreRedis:
		rdb, err = config.NewRedisClient(connCtx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		slog.Info("connected to redis")
		store = ratelimit.NewRedisStore(rdb, cfg.RateFailClosed)

	default:
		store = ratelimit.NewMemoryStore()
	}

	var (
		broker  *audit.Publisher
		auditor *audit.Dispatcher
	)
	if cfg.AMQPURL != "" {
		broker, err = audit.NewPublisher(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer broker.Close()
		slog.Info("connected to audit broker")

		auditor = audit.NewDispatcher(broker, 256)
		defer auditor.Close()
	}

	signer := session.NewSigner(cfg.SessionSecret, cfg.SessionTTL)
	tokens := csrf.NewManager(csrf.DefaultTTL)
	authService := service.NewAuthService(users, signer, tokens)

	limiter := ratelimit.New(store)
	uploadBurst := ratelimit.NewBurstGuard(1, 3)
	defer uploadBurst.Stop()

	upstream, err := router.NewUpstream(cfg.UpstreamURL)
	if err != nil {
		return err
	}
	if cfg.UpstreamURL == "" {
		slog.Warn("UPSTREAM_URL not set, forwarded requests will answer 502")
	}

	gateway := router.New(cfg, router.Deps{
		Limiter:     limiter,
		UploadBurst: uploadBurst,
		Tokens:      tokens,
		Signer:      signer,
		Auth:        handler.NewAuthHandler(authService, secureCookies(cfg.BaseURL), auditor),
		CSRFToken:   handler.NewCSRFHandler(tokens),
		Ready:       handler.Ready(db, rdb, broker),
		Upstream:    upstream,
		Auditor:     auditor,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gateway,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("gateway listening",
			slog.String("port", cfg.Port),
			slog.String("rate_store", cfg.RateStore))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("gateway stopped gracefully")
	return nil
}

// secureCookies follows the base URL scheme so local http setups still get
// a session cookie.
func secureCookies(baseURL string) bool {
	u, err := url.Parse(baseURL)
	return err == nil && u.Scheme == "https"
}

// sweepRateWindows periodically deletes expired windows from the shared
// table so it does not grow unbounded.
func sweepRateWindows(ctx context.Context, store *ratelimit.PostgresStore) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping rate window sweep")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			count, err := store.Sweep(sweepCtx)
			if err != nil {
				slog.Error("rate window sweep failed", slog.String("error", err.Error()))
			} else if count > 0 {
				slog.Info("rate window sweep completed", slog.Int64("windows_deleted", count))
			}
			cancel()
		}
	}
}

// publishDBStats exports the connection pool gauges.
func publishDBStats(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			observability.DBConnectionsOpen.Set(float64(stats.OpenConnections))
			observability.DBConnectionsInUse.Set(float64(stats.InUse))
			observability.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}
}
