// Package json writes ledger snapshots as a single JSON document.
package json

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zionsgate/gatekeeper/internal/ledger"
)

// FileName is the document written by the exporter.
const FileName = "ledger.json"

// Document is the exported layout. Snowflakes are strings so JavaScript
// readers do not lose precision.
type Document struct {
	ExportedAt  time.Time   `json:"exportedAt"`
	Communities []Community `json:"communities"`
	Users       []User      `json:"users"`
}

// Community is one exported community.
type Community struct {
	CommunityID   string   `json:"communityId"`
	DisplayName   string   `json:"displayName"`
	OwnerID       string   `json:"ownerId,omitempty"`
	SetupComplete bool     `json:"setupComplete"`
	LocalRoles    []string `json:"localRoles"`
	GlobalRoles   []string `json:"globalRoles"`
}

// User is one exported user.
type User struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	CreatedAt    string `json:"createdAt"`
	GlobalBanned bool   `json:"globalBanned"`
}

// Exporter writes snapshots to JSON.
type Exporter struct {
	outDir string
	now    func() time.Time
}

// New creates a new JSON exporter instance.
func New(outDir string) *Exporter {
	return &Exporter{outDir: outDir, now: time.Now}
}

// Export writes the snapshot document, replacing an existing one.
func (e *Exporter) Export(snap *ledger.Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(Convert(snap, e.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.WriteFile(filepath.Join(e.outDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}

	return nil
}

// Convert builds the document for a snapshot.
func Convert(snap *ledger.Snapshot, exportedAt time.Time) *Document {
	doc := &Document{
		ExportedAt:  exportedAt.UTC(),
		Communities: make([]Community, len(snap.Communities)),
		Users:       make([]User, len(snap.Users)),
	}

	for i, c := range snap.Communities {
		doc.Communities[i] = Community{
			CommunityID:   strconv.FormatUint(c.CommunityID, 10),
			DisplayName:   c.DisplayName,
			SetupComplete: c.SetupComplete,
			LocalRoles:    ids(c.LocalRoles()),
			GlobalRoles:   ids(c.GlobalRoles()),
		}

		if c.HasOwner() {
			doc.Communities[i].OwnerID = strconv.FormatUint(c.OwnerID, 10)
		}
	}

	for i, u := range snap.Users {
		doc.Users[i] = User{
			UserID:       strconv.FormatUint(u.UserID, 10),
			DisplayName:  u.DisplayName,
			CreatedAt:    u.CreatedAt.UTC().Format(time.DateOnly),
			GlobalBanned: u.GlobalBanned,
		}
	}

	return doc
}

func ids(set []uint64) []string {
	out := make([]string, len(set))
	for i, id := range set {
		out[i] = strconv.FormatUint(id, 10)
	}

	return out
}
