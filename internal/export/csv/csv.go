// Package csv writes ledger snapshots as CSV files.
package csv

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

// File names written by the exporter.
const (
	CommunitiesFile = "communities.csv"
	UsersFile       = "users.csv"
)

var (
	communityHeader = []string{
		"id", "community_id", "display_name", "owner_id", "setup_complete", "local_roles", "global_roles",
	}
	userHeader = []string{"id", "user_id", "display_name", "created_at", "global_banned"}
)

// Exporter writes snapshots to CSV files.
type Exporter struct {
	outDir string
}

// New creates a new csv exporter instance.
func New(outDir string) *Exporter {
	return &Exporter{outDir: outDir}
}

// Export writes communities and users to separate csv files, replacing existing ones.
func (e *Exporter) Export(snap *ledger.Snapshot) error {
	communities := make([][]string, len(snap.Communities))
	for i, c := range snap.Communities {
		communities[i] = []string{
			strconv.FormatInt(c.ID, 10),
			strconv.FormatUint(c.CommunityID, 10),
			c.DisplayName,
			strconv.FormatUint(c.OwnerID, 10),
			strconv.FormatBool(c.SetupComplete),
			joinRoles(c.LocalRoles()),
			joinRoles(c.GlobalRoles()),
		}
	}

	users := make([][]string, len(snap.Users))
	for i, u := range snap.Users {
		users[i] = []string{
			strconv.FormatInt(u.ID, 10),
			strconv.FormatUint(u.UserID, 10),
			u.DisplayName,
			u.CreatedAt.UTC().Format(time.DateOnly),
			strconv.FormatBool(u.GlobalBanned),
		}
	}

	if err := e.writeFile(CommunitiesFile, communityHeader, communities); err != nil {
		return fmt.Errorf("failed to export communities: %w", err)
	}

	if err := e.writeFile(UsersFile, userHeader, users); err != nil {
		return fmt.Errorf("failed to export users: %w", err)
	}

	return nil
}

func (e *Exporter) writeFile(filename string, header []string, rows [][]string) error {
	file, err := os.Create(filepath.Join(e.outDir, filename))
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	return file.Sync()
}

func joinRoles(set types.RoleSet) string {
	ids := make([]string, len(set))
	for i, id := range set {
		ids[i] = strconv.FormatUint(id, 10)
	}

	return strings.Join(ids, ";")
}
