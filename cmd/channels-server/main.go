package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	channels "github.com/goliatone/go-channels"
	"github.com/goliatone/go-channels/adapters/gocommand"
	"github.com/goliatone/go-channels/adapters/gojob"
	"github.com/goliatone/go-channels/adapters/gologger"
	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/httpapi"
	channelmigrations "github.com/goliatone/go-channels/migrations"
	"github.com/goliatone/go-channels/providers/cloud"
	"github.com/goliatone/go-channels/ratelimit"
	redisstore "github.com/goliatone/go-channels/store/redis"
	sqlstore "github.com/goliatone/go-channels/store/sql"
	"github.com/goliatone/go-channels/webhooks"
	gocmd "github.com/goliatone/go-command"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "channels-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig("")
	if err != nil {
		return err
	}

	root := gologger.NewJSONLogger(os.Stdout, parseLevel(cfg.LogLevel))
	provider := gologger.NewSlogProvider(root)
	loggers := gologger.Components(provider, nil, "server", "jobs")
	logger := loggers["server"].WithContext(ctx)
	logger.Info("channels starting", "env", cfg.Env, "addr", cfg.Addr, "driver", cfg.Database.Driver)

	client, err := openPersistence(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("database connected", "migrated", cfg.Database.Migrate)

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return err
	}

	vault, err := channels.NewCredentialVault(cfg.VaultKey)
	if err != nil {
		return err
	}

	opts := []channels.Option{
		channels.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: cfg.Channels})),
		channels.WithLoggerProvider(provider),
		channels.WithRepository(factory.ConnectionStore()),
		channels.WithEventLog(factory.EventLogStore()),
		channels.WithCredentialVault(vault),
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if strings.TrimSpace(cfg.Bridge.BaseURL) != "" {
		bridgeClient, err := channels.BridgeClient(cfg.Bridge, httpClient)
		if err != nil {
			return err
		}
		opts = append(opts, channels.WithBridgeClient(bridgeClient))
	}
	if strings.TrimSpace(cfg.Cloud.AppID) != "" {
		throttle := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
		cloudClient, err := channels.CloudClient(cfg.Cloud, httpClient, cloud.WithRateLimit(throttle))
		if err != nil {
			return err
		}
		opts = append(opts, channels.WithCloudClient(cloudClient))
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeRedis(redisClient)
		leaser, err := redisstore.NewRefreshLeaser(redisClient, "")
		if err != nil {
			return err
		}
		opts = append(opts, channels.WithConnectionLocker(leaser))
		logger.Info("redis refresh lease enabled")
	} else {
		opts = append(opts, channels.WithConnectionLocker(factory.RefreshLeaseLocker()))
	}

	svc, err := channels.NewService(channels.DefaultConfig(), opts...)
	if err != nil {
		return err
	}

	facade, err := channels.NewFacade(svc)
	if err != nil {
		return err
	}
	adapter := gocommand.NewRegistryAdapter(gocmd.NewRegistry())
	subs, err := gocommand.RegisterFacade(adapter, facade)
	if err != nil {
		return err
	}
	defer gocommand.Unsubscribe(subs)
	if err := adapter.Initialize(); err != nil {
		return err
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = cfg.LookupCacheTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return err
	}
	lookup, err := sqlstore.NewCachedConnectionLookup(factory.ConnectionStore(), cacheService)
	if err != nil {
		return err
	}
	processor, err := channels.WebhookProcessor(svc, factory.MessageLedgerStore(), cfg.Bridge.APIKey, webhooks.WithResolver(lookup))
	if err != nil {
		return err
	}

	handler, err := httpapi.NewHandler(facade, processor,
		httpapi.WithIdentity(httpapi.HeaderIdentity(cfg.UserHeader)),
		httpapi.WithLoggerProvider(provider),
	)
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{ServiceName: cfg.OTelServiceName})

	queue := gojob.NewIntervalQueue(cfg.Jobs.Interval, cfg.Jobs.RefreshLimit, cfg.Jobs.SweepLimit)
	worker := gojob.NewWorker(queue,
		gojob.NewHandler(svc.OAuth2(), svc, loggers["jobs"]),
		gojob.RetryPolicy{MaxAttempts: cfg.Jobs.MaxAttempts, MaxDelay: cfg.Jobs.MaxDelay, DeadLetterOnMax: true},
		gojob.NewLoggingHook(loggers["jobs"]),
	)
	go queue.Run(ctx)
	go func() {
		if err := worker.Run(ctx); err != nil {
			logger.Error("job worker stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if dead := queue.DeadLetters(); len(dead) > 0 {
		logger.Warn("jobs dead-lettered during run", "count", len(dead))
	}
	logger.Info("shutdown complete")
	return nil
}

type persistenceConfig struct {
	db DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool                { return c.db.Debug }
func (c persistenceConfig) GetDriver() string             { return c.db.Driver }
func (c persistenceConfig) GetServer() string             { return c.db.DSN }
func (c persistenceConfig) GetPingTimeout() time.Duration { return c.db.PingTimeout }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-channels" }

// openPersistence opens the pool for the configured driver and applies the
// matching migration tree when enabled.
func openPersistence(ctx context.Context, cfg DatabaseConfig) (*persistence.Client, error) {
	dialect, err := channelmigrations.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var bunDialect schema.Dialect = pgdialect.New()
	if dialect == channelmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
		bunDialect = sqlitedialect.New()
	}

	client, err := persistence.New(persistenceConfig{db: cfg}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	if !cfg.Migrate {
		return client, nil
	}

	_, err = channelmigrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, channelmigrations.WithValidationTargets(dialect))
	if err == nil {
		err = client.Migrate(ctx)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}

func closeRedis(client *redis.Client) {
	_ = client.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return gologger.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
