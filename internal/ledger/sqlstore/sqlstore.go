// Package sqlstore implements the ledger on a relational database through bun.
// PostgreSQL is used in production and SQLite for single-host deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bunotel"
	"github.com/uptrace/bun/migrate"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore/dbretry"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore/migrations"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"go.uber.org/zap"
)

// candidateFactor bounds how many prefiltered rows are read per requested search result.
const candidateFactor = 5

// importBatchSize is the number of rows per INSERT during Import.
const importBatchSize = 500

// Store is the bun-backed ledger.
type Store struct {
	db     *bun.DB
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// OpenPostgres connects to PostgreSQL and returns a ledger store.
func OpenPostgres(ctx context.Context, cfg *config.PostgreSQL, logger *zap.Logger, autoMigrate bool) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		pgdriver.WithUser(cfg.User),
		pgdriver.WithPassword(cfg.Password),
		pgdriver.WithDatabase(cfg.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("gatekeeper"),
	))

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(cfg.MaxIdleTime) * time.Minute)

	return New(ctx, bun.NewDB(sqldb, pgdialect.New()), cfg.DBName, logger, autoMigrate)
}

// OpenSQLite opens (creating if needed) a SQLite database file and returns a ledger store.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger, autoMigrate bool) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection serializes writers and keeps the pragmas below in effect.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return New(ctx, bun.NewDB(sqldb, sqlitedialect.New()), filepath.Base(path), logger, autoMigrate)
}

// New wraps an open bun database, optionally applying pending migrations.
func New(ctx context.Context, db *bun.DB, dbName string, logger *zap.Logger, autoMigrate bool) (*Store, error) {
	logger = logger.Named("db_ledger")

	db.AddQueryHook(NewHook(logger))
	db.AddQueryHook(bunotel.NewQueryHook(bunotel.WithDBName(dbName)))

	if autoMigrate {
		if err := Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("Ledger database connection established",
		zap.String("dialect", db.Dialect().Name().String()))

	return &Store{db: db, logger: logger}, nil
}

// Migrate applies every pending ledger migration.
func Migrate(ctx context.Context, db *bun.DB, logger *zap.Logger) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if !group.IsZero() {
		logger.Info("Automatically ran migrations", zap.String("group", group.String()))
	}

	return nil
}

// DB returns the underlying bun.DB instance.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database connection", zap.Error(err))
		return err
	}

	s.logger.Info("Ledger database connection closed")

	return nil
}

// GetCommunity retrieves a community by its guild ID.
func (s *Store) GetCommunity(ctx context.Context, communityID uint64) (*types.Community, error) {
	community, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.Community, error) {
		var community types.Community

		err := s.db.NewSelect().
			Model(&community).
			Where("community_id = ?", communityID).
			Scan(ctx)

		return &community, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrCommunityNotFound
	}

	if err != nil {
		return nil, ledger.Unavailable("get community", err)
	}

	return community, nil
}

// UpsertCommunity inserts an unconfigured community if it does not exist yet.
func (s *Store) UpsertCommunity(ctx context.Context, communityID uint64, displayName string) error {
	community := types.NewCommunity(communityID, displayName)

	err := s.insertIfAbsent(ctx, community, "community_id")
	if err != nil {
		return ledger.Unavailable("upsert community", err)
	}

	return nil
}

// SetCommunityConfig overwrites a community's configuration and marks setup complete.
func (s *Store) SetCommunityConfig(ctx context.Context, communityID uint64, cfg types.CommunityConfig) error {
	community := types.NewCommunity(communityID, cfg.DisplayName)
	community.Apply(cfg)

	result, err := dbretry.Operation(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.NewUpdate().
			Model(community).
			Column(
				"display_name", "owner_principal_id", "setup_complete",
				"local_role_id1", "local_role_id2", "local_role_id3",
				"global_role_id1", "global_role_id2", "global_role_id3",
			).
			Where("community_id = ?", communityID).
			Exec(ctx)
	})
	if err != nil {
		return ledger.Unavailable("set community config", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotRegistered
	}

	s.logger.Debug("Updated community config",
		zap.Uint64("communityID", communityID),
		zap.Uint64("ownerID", cfg.OwnerID),
		zap.Int("local_roles", len(community.LocalRoles())),
		zap.Int("global_roles", len(community.GlobalRoles())))

	return nil
}

// ListCommunities returns every community ordered by row ID.
func (s *Store) ListCommunities(ctx context.Context) ([]*types.Community, error) {
	communities, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Community, error) {
		var communities []*types.Community
		err := s.db.NewSelect().Model(&communities).Order("id ASC").Scan(ctx)

		return communities, err
	})
	if err != nil {
		return nil, ledger.Unavailable("list communities", err)
	}

	return communities, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID uint64) (*types.User, error) {
	user, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.User, error) {
		var user types.User

		err := s.db.NewSelect().
			Model(&user).
			Where("user_id = ?", userID).
			Scan(ctx)

		return &user, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrUserNotFound
	}

	if err != nil {
		return nil, ledger.Unavailable("get user", err)
	}

	return user, nil
}

// UpsertUser inserts a user if it does not exist yet.
func (s *Store) UpsertUser(ctx context.Context, userID uint64, displayName string, createdAt time.Time) error {
	user := types.NewUser(userID, displayName, createdAt)

	if err := s.insertIfAbsent(ctx, user, "user_id"); err != nil {
		return ledger.Unavailable("upsert user", err)
	}

	return nil
}

// SetGlobalBanned updates the global ban flag of an existing user.
func (s *Store) SetGlobalBanned(ctx context.Context, userID uint64, banned bool) error {
	result, err := dbretry.Operation(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.NewUpdate().
			Model((*types.User)(nil)).
			Set("global_banned = ?", banned).
			Where("user_id = ?", userID).
			Exec(ctx)
	})
	if err != nil {
		return ledger.Unavailable("set global banned", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrUserNotFound
	}

	s.logger.Debug("Updated global ban flag",
		zap.Uint64("userID", userID),
		zap.Bool("banned", banned))

	return nil
}

// FindUsers searches users by exact ID or by name.
func (s *Store) FindUsers(ctx context.Context, query string, limit int) ([]*types.User, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.User, error) {
		var users []*types.User

		q := s.db.NewSelect().Model(&users).Order("id ASC")

		if id, ok := ledger.ParseIDQuery(query); ok {
			q = q.Where("user_id = ?", id).Limit(1)
		} else {
			name := strings.ToLower(strings.TrimSpace(query))
			if name == "" {
				return nil, nil
			}

			// Narrow with lower() and let ledger.MatchUser apply full case folding.
			pattern, wild := namePattern(name)
			if strings.Contains(name, "#") {
				q = q.Where("lower(display_name) LIKE ? ESCAPE '!'", pattern)
			} else {
				q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("lower(display_name) LIKE ? ESCAPE '!'", pattern).
						WhereOr("lower(display_name) LIKE ? ESCAPE '!'", pattern+"#%")
				})
			}

			// A wildcard pattern can admit many non-matches ahead of the real ones.
			if !wild {
				q = q.Limit(limit * candidateFactor)
			}
		}

		err := q.Scan(ctx)

		return users, err
	})
	if err != nil {
		return nil, ledger.Unavailable("find users", err)
	}

	return ledger.FilterUsers(candidates, query, limit), nil
}

// ListUsers returns every user ordered by row ID.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	users, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.User, error) {
		var users []*types.User
		err := s.db.NewSelect().Model(&users).Order("id ASC").Scan(ctx)

		return users, err
	})
	if err != nil {
		return nil, ledger.Unavailable("list users", err)
	}

	return users, nil
}

// Import bulk-inserts the snapshot in one transaction, skipping records that
// already exist. Row IDs are reassigned in snapshot order.
func (s *Store) Import(ctx context.Context, snap *ledger.Snapshot) error {
	communities := make([]*types.Community, len(snap.Communities))
	for i, c := range snap.Communities {
		clone := *c
		clone.ID = 0
		communities[i] = &clone
	}

	users := make([]*types.User, len(snap.Users))
	for i, u := range snap.Users {
		clone := *u
		clone.ID = 0
		clone.CreatedAt = types.TruncateDate(u.CreatedAt)
		users[i] = &clone
	}

	err := dbretry.Transaction(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		for chunk := range slices.Chunk(communities, importBatchSize) {
			_, err := tx.NewInsert().
				Model(&chunk).
				On("CONFLICT (community_id) DO NOTHING").
				Returning("NULL").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to insert communities: %w", err)
			}
		}

		for chunk := range slices.Chunk(users, importBatchSize) {
			_, err := tx.NewInsert().
				Model(&chunk).
				On("CONFLICT (user_id) DO NOTHING").
				Returning("NULL").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to insert users: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return ledger.Unavailable("import", err)
	}

	s.logger.Info("Imported ledger snapshot",
		zap.Int("communities", len(communities)),
		zap.Int("users", len(users)))

	return nil
}

// insertIfAbsent inserts the model, treating a conflict on the unique column as success.
func (s *Store) insertIfAbsent(ctx context.Context, model any, uniqueColumn string) error {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := s.db.NewInsert().
			Model(model).
			On(fmt.Sprintf("CONFLICT (%s) DO NOTHING", uniqueColumn)).
			Returning("NULL").
			Exec(ctx)

		return err
	})
	if dbretry.IsUniqueViolation(err) {
		return nil
	}

	return err
}

// escapeLike escapes LIKE wildcards so names are matched literally.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// namePattern turns a lowered name into a LIKE pattern. SQLite's lower() only
// folds ASCII, so every run of non-ASCII runes becomes a single '%'. Reports
// whether any wildcard was added.
func namePattern(name string) (string, bool) {
	var (
		b       strings.Builder
		inRun   bool
		anyWild bool
	)

	for _, r := range name {
		if r > unicode.MaxASCII {
			if !inRun {
				b.WriteByte('%')
			}

			inRun, anyWild = true, true

			continue
		}

		inRun = false
		b.WriteString(escapeLike(string(r)))
	}

	return b.String(), anyWild
}
