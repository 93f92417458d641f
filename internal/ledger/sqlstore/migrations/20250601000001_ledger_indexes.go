package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		statements := []string{
			// Name lookups for searchuser compare lowercased names
			`CREATE INDEX IF NOT EXISTS idx_users_display_name_lower ON users (lower(display_name))`,
			`CREATE INDEX IF NOT EXISTS idx_users_global_banned ON users (global_banned) WHERE global_banned`,
			`CREATE INDEX IF NOT EXISTS idx_communities_setup_complete ON communities (setup_complete)`,
		}

		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, name := range []string{
			"idx_communities_setup_complete",
			"idx_users_global_banned",
			"idx_users_display_name_lower",
		} {
			if _, err := db.ExecContext(ctx, "DROP INDEX IF EXISTS "+name); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", name, err)
			}
		}

		return nil
	})
}
