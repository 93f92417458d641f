// Package setup wires configuration, logging and storage into an App.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zionsgate/gatekeeper/internal/dedupe"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/csvstore"
	"github.com/zionsgate/gatekeeper/internal/ledger/redisstore"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore"
	"github.com/zionsgate/gatekeeper/internal/redis"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"github.com/zionsgate/gatekeeper/internal/setup/telemetry"
	"go.uber.org/zap"
)

// App bundles the dependencies shared by every command.
type App struct {
	Config       *config.Config     // Application configuration
	ConfigPath   string             // File the configuration was read from, empty for defaults
	Logger       *zap.Logger        // Main application logger
	DBLogger     *zap.Logger        // Ledger backend logger
	Ledger       ledger.Store       // Ledger of communities and users
	Dedupe       dedupe.Window      // Suppresses repeated notifications
	RedisManager *redis.Manager     // Redis connections, nil unless a component uses Redis
	LogManager   *telemetry.Manager // Session log files

	stopTracing telemetry.ShutdownFunc
}

// tracingShutdownTimeout bounds the final span export.
const tracingShutdownTimeout = 10 * time.Second

// InitializeApp loads the configuration, starts logging and opens the ledger.
func InitializeApp(ctx context.Context, serviceType telemetry.ServiceType, configPath, logDir string) (*App, error) {
	cfg, usedPath, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logManager := telemetry.NewManager(serviceType, logDir, &cfg.Debug, &cfg.Loki, cfg.Telemetry.TracingEnabled())
	stopTracing := telemetry.StartTracing(&cfg.Telemetry, serviceType, logManager.InstanceID())

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		logManager.Close()
		stopTracing(ctx) //nolint:errcheck

		return nil, err
	}

	if usedPath != "" {
		logger.Info("Loaded configuration", zap.String("path", usedPath))
	} else {
		logger.Info("No configuration file found, using defaults")
	}

	var redisManager *redis.Manager
	if cfg.Ledger.Backend == config.BackendRedis {
		redisManager = redis.NewManager(&cfg.Redis, logger)
	}

	store, err := OpenLedger(ctx, cfg, cfg.Ledger.Backend, dbLogger, redisManager)
	if err != nil {
		closeRedis(redisManager)
		logManager.Close()
		stopTracing(ctx) //nolint:errcheck

		return nil, err
	}

	window, err := newDedupe(redisManager)
	if err != nil {
		store.Close()
		closeRedis(redisManager)
		logManager.Close()
		stopTracing(ctx) //nolint:errcheck

		return nil, err
	}

	if cfg.Telemetry.TracingEnabled() {
		logger.Info("Tracing enabled", zap.String("environment", cfg.Telemetry.Environment))
	}

	if cfg.Loki.Enabled {
		logger.Info("Shipping logs to Loki", zap.String("url", cfg.Loki.URL))
	}

	logger.Info("Ledger ready", zap.String("backend", cfg.Ledger.Backend))

	return &App{
		Config:       cfg,
		ConfigPath:   usedPath,
		Logger:       logger,
		DBLogger:     dbLogger,
		Ledger:       store,
		Dedupe:       window,
		RedisManager: redisManager,
		LogManager:   logManager,
		stopTracing:  stopTracing,
	}, nil
}

// OpenLedger opens the ledger for the given backend. The Redis backend needs redisManager.
func OpenLedger(
	ctx context.Context, cfg *config.Config, backend string, logger *zap.Logger, redisManager *redis.Manager,
) (ledger.Store, error) {
	switch backend {
	case config.BackendPostgres:
		return sqlstore.OpenPostgres(ctx, &cfg.PostgreSQL, logger, cfg.Ledger.AutoMigrate)
	case config.BackendSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.SQLite.Path, logger, cfg.Ledger.AutoMigrate)
	case config.BackendCSV:
		return csvstore.Open(cfg.CSV.Dir, logger)
	case config.BackendRedis:
		if redisManager == nil {
			return nil, fmt.Errorf("%w: redis backend without a redis manager", config.ErrUnknownBackend)
		}

		client, err := redisManager.LedgerClient()
		if err != nil {
			return nil, err
		}

		return redisstore.New(client, redisManager.Prefix(), logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, backend)
	}
}

func newDedupe(redisManager *redis.Manager) (dedupe.Window, error) {
	if redisManager == nil {
		return dedupe.NewMemory(), nil
	}

	client, err := redisManager.DedupeClient()
	if err != nil {
		return nil, err
	}

	return dedupe.NewRedis(client, redisManager.Prefix()), nil
}

func closeRedis(m *redis.Manager) {
	if m != nil {
		m.Close()
	}
}

// Cleanup shuts everything down in reverse order. Errors are logged, never returned.
func (a *App) Cleanup() {
	if err := a.Ledger.Close(); err != nil {
		a.Logger.Error("Failed to close ledger", zap.Error(err))
	}

	closeRedis(a.RedisManager)

	if err := errors.Join(a.Logger.Sync(), a.DBLogger.Sync()); err != nil {
		log.Printf("Failed to sync loggers: %v", err)
	}

	if err := a.LogManager.Close(); err != nil {
		log.Printf("Failed to close log files: %v", err)
	}

	if a.stopTracing == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()

	if err := a.stopTracing(ctx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}
}
