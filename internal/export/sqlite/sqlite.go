// Package sqlite writes ledger snapshots to a standalone SQLite file.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zionsgate/gatekeeper/internal/ledger"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the database written by the exporter.
const FileName = "ledger.db"

const schema = `
CREATE TABLE communities (
	id INTEGER PRIMARY KEY,
	community_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	setup_complete INTEGER NOT NULL,
	local_role_id1 TEXT,
	local_role_id2 TEXT,
	local_role_id3 TEXT,
	global_role_id1 TEXT,
	global_role_id2 TEXT,
	global_role_id3 TEXT
);
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	global_banned INTEGER NOT NULL
);
CREATE INDEX users_global_banned ON users (global_banned);
`

// Exporter writes snapshots to SQLite.
type Exporter struct {
	outDir string
}

// New creates a new SQLite exporter instance.
func New(outDir string) *Exporter {
	return &Exporter{outDir: outDir}
}

// Export writes the snapshot to a fresh database file. IDs are stored as text
// because snowflakes exceed SQLite's signed 64-bit integers.
func (e *Exporter) Export(snap *ledger.Snapshot) (err error) {
	path := filepath.Join(e.outDir, FileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing file %s: %w", FileName, err)
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}
	defer conn.Close()

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	defer sqlitex.Save(conn)(&err)

	for _, c := range snap.Communities {
		err := sqlitex.Execute(conn, `
			INSERT INTO communities (
				id, community_id, display_name, owner_id, setup_complete,
				local_role_id1, local_role_id2, local_role_id3,
				global_role_id1, global_role_id2, global_role_id3
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				c.ID, id(c.CommunityID), c.DisplayName, id(c.OwnerID), c.SetupComplete,
				optional(c.LocalRoleID1), optional(c.LocalRoleID2), optional(c.LocalRoleID3),
				optional(c.GlobalRoleID1), optional(c.GlobalRoleID2), optional(c.GlobalRoleID3),
			}})
		if err != nil {
			return fmt.Errorf("failed to insert community %d: %w", c.CommunityID, err)
		}
	}

	for _, u := range snap.Users {
		err := sqlitex.Execute(conn,
			"INSERT INTO users (id, user_id, display_name, created_at, global_banned) VALUES (?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{
				u.ID, id(u.UserID), u.DisplayName, u.CreatedAt.UTC().Format(time.DateOnly), u.GlobalBanned,
			}})
		if err != nil {
			return fmt.Errorf("failed to insert user %d: %w", u.UserID, err)
		}
	}

	return nil
}

func id(v uint64) string {
	return fmt.Sprintf("%d", v)
}

func optional(v uint64) any {
	if v == 0 {
		return nil
	}

	return id(v)
}
