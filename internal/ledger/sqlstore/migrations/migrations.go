package migrations

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations holds the ledger schema migrations.
var Migrations = migrate.NewMigrations() //nolint:gochecknoglobals // -
