package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v3"
	"github.com/zionsgate/gatekeeper/internal/export"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore/migrations"
	"github.com/zionsgate/gatekeeper/internal/redis"
	"github.com/zionsgate/gatekeeper/internal/setup"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"github.com/zionsgate/gatekeeper/internal/setup/telemetry"
	"go.uber.org/zap"
)

const (
	// LedgerLogDir specifies where ledger tool log files are stored.
	LedgerLogDir = "logs/ledger_logs"
)

var (
	ErrNameRequired   = errors.New("NAME argument required")
	ErrNotSQLBackend  = errors.New("migrations need the postgres or sqlite backend")
	ErrSameBackend    = errors.New("source and destination backends are the same")
	ErrSaltRequired   = errors.New("--salt is required for the banlist format")
	ErrUnknownHashAlg = errors.New("hash type must be argon2id or sha256")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the config file (searched for when empty)",
	}

	app := &cli.Command{
		Name:  "ledger",
		Usage: "Ledger maintenance tool",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			migrateCommand(),
			exportCommand(),
			copyCommand(),
		},
	}

	return app.Run(context.Background(), os.Args)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the SQL ledger schema",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize migration tables",
				Action: withMigrator(func(ctx context.Context, migrator *migrate.Migrator, _ *zap.Logger, _ *cli.Command) error {
					return migrator.Init(ctx)
				}),
			},
			{
				Name:  "up",
				Usage: "Run pending migrations",
				Action: withMigrator(func(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, _ *cli.Command) error {
					if err := migrator.Lock(ctx); err != nil {
						return err
					}
					defer migrator.Unlock(ctx) //nolint:errcheck

					group, err := migrator.Migrate(ctx)
					if err != nil {
						return err
					}

					if group.IsZero() {
						logger.Info("No new migrations to run (database is up to date)")
						return nil
					}

					logger.Info("Successfully migrated", zap.String("group", group.String()))
					return nil
				}),
			},
			{
				Name:  "rollback",
				Usage: "Rollback the last migration group",
				Action: withMigrator(func(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, _ *cli.Command) error {
					if err := migrator.Lock(ctx); err != nil {
						return err
					}
					defer migrator.Unlock(ctx) //nolint:errcheck

					group, err := migrator.Rollback(ctx)
					if err != nil {
						return err
					}

					if group.IsZero() {
						logger.Info("No groups to roll back")
						return nil
					}

					logger.Info("Successfully rolled back", zap.String("group", group.String()))
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Action: withMigrator(func(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, _ *cli.Command) error {
					ms, err := migrator.MigrationsWithStatus(ctx)
					if err != nil {
						return err
					}

					logger.Info("Migration status",
						zap.String("migrations", ms.String()),
						zap.String("unapplied", ms.Unapplied().String()),
						zap.String("last_group", ms.LastGroup().String()),
					)
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "Create a new Go migration file",
				ArgsUsage: "NAME",
				Action: withMigrator(func(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return ErrNameRequired
					}

					mf, err := migrator.CreateGoMigration(ctx, c.Args().First())
					if err != nil {
						return err
					}

					logger.Info("Created Go migration",
						zap.String("name", mf.Name),
						zap.String("path", mf.Path),
					)
					return nil
				}),
			},
		},
	}
}

type migratorAction func(ctx context.Context, migrator *migrate.Migrator, logger *zap.Logger, c *cli.Command) error

// withMigrator opens the configured SQL ledger without auto-migration and runs fn.
func withMigrator(fn migratorAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, _, err := config.LoadConfig(c.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		var store *sqlstore.Store
		switch cfg.Ledger.Backend {
		case config.BackendPostgres:
			store, err = sqlstore.OpenPostgres(ctx, &cfg.PostgreSQL, logger, false)
		case config.BackendSQLite:
			store, err = sqlstore.OpenSQLite(ctx, cfg.SQLite.Path, logger, false)
		default:
			return fmt.Errorf("%w: %s", ErrNotSQLBackend, cfg.Ledger.Backend)
		}
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		return fn(ctx, migrate.NewMigrator(store.DB(), migrations.Migrations), logger, c)
	}
}

func exportCommand() *cli.Command {
	formats := make([]string, len(export.Formats))
	for i, f := range export.Formats {
		formats[i] = string(f)
	}

	return &cli.Command{
		Name:  "export",
		Usage: "Export the ledger to files",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   formats,
				Usage:   "Formats to write (csv, sqlite, json, banlist)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "exports",
				Usage:   "Base output directory for export files",
			},
			&cli.StringFlag{
				Name:    "salt",
				Aliases: []string{"s"},
				Usage:   "Salt for hashing IDs in the ban list",
			},
			&cli.StringFlag{
				Name:    "hash-type",
				Aliases: []string{"t"},
				Value:   string(export.HashTypeArgon2id),
				Usage:   "Hash algorithm to use (argon2id or sha256)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Value: 4,
				Usage: "Number of concurrent hash operations",
			},
			&cli.UintFlag{
				Name:    "iterations",
				Aliases: []string{"i"},
				Value:   3,
				Usage:   "Number of hash iterations",
			},
			&cli.UintFlag{
				Name:    "memory",
				Aliases: []string{"m"},
				Value:   64,
				Usage:   "Memory to use for Argon2id in MB",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			selected := make([]export.Format, 0, len(c.StringSlice("format")))
			for _, f := range c.StringSlice("format") {
				selected = append(selected, export.Format(f))
			}

			hash, err := hashConfig(c, selected)
			if err != nil {
				return err
			}

			app, err := setup.InitializeApp(ctx, telemetry.ServiceLedger, c.String("config"), LedgerLogDir)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Cleanup()

			outDir := filepath.Join(c.String("output"), time.Now().UTC().Format("2006-01-02_150405"))

			if err := export.New(app.Ledger, outDir, hash, app.Logger).Export(ctx, selected...); err != nil {
				return fmt.Errorf("failed to export ledger: %w", err)
			}

			app.Logger.Info("Export complete", zap.String("dir", outDir))
			return nil
		},
	}
}

// hashConfig reads the ban list hashing flags.
func hashConfig(c *cli.Command, formats []export.Format) (export.HashConfig, error) {
	hash := export.HashConfig{
		Type:        export.HashType(c.String("hash-type")),
		Salt:        c.String("salt"),
		Iterations:  uint32(c.Uint("iterations")), //nolint:gosec // -
		Memory:      uint32(c.Uint("memory")),     //nolint:gosec // -
		Concurrency: int(c.Int("concurrency")),
	}

	switch hash.Type {
	case export.HashTypeArgon2id, export.HashTypeSHA256:
	default:
		return hash, fmt.Errorf("%w: %q", ErrUnknownHashAlg, hash.Type)
	}

	for _, f := range formats {
		if f == export.FormatBanList && hash.Salt == "" {
			return hash, ErrSaltRequired
		}
	}

	return hash, nil
}

func copyCommand() *cli.Command {
	return &cli.Command{
		Name:  "copy",
		Usage: "Copy every record from another backend into the configured ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Usage:    "Source backend (postgres, sqlite, csv, redis)",
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			app, err := setup.InitializeApp(ctx, telemetry.ServiceLedger, c.String("config"), LedgerLogDir)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Cleanup()

			from := c.String("from")
			if from == app.Config.Ledger.Backend {
				return fmt.Errorf("%w: %s", ErrSameBackend, from)
			}

			redisManager := app.RedisManager
			if redisManager == nil && from == config.BackendRedis {
				redisManager = redis.NewManager(&app.Config.Redis, app.Logger)
				defer redisManager.Close()
			}

			source, err := setup.OpenLedger(ctx, app.Config, from, app.DBLogger, redisManager)
			if err != nil {
				return fmt.Errorf("failed to open source ledger: %w", err)
			}
			defer source.Close()

			snap, err := ledger.TakeSnapshot(ctx, source)
			if err != nil {
				return fmt.Errorf("failed to read source ledger: %w", err)
			}

			if err := ledger.Restore(ctx, app.Ledger, snap); err != nil {
				return fmt.Errorf("failed to write ledger: %w", err)
			}

			app.Logger.Info("Ledger copied",
				zap.String("from", from),
				zap.String("to", app.Config.Ledger.Backend),
				zap.Int("communities", len(snap.Communities)),
				zap.Int("users", len(snap.Users)))

			return nil
		},
	}
}
