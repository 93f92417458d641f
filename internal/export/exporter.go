// Package export writes ledger snapshots to files for backup and sharing.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zionsgate/gatekeeper/internal/export/csv"
	"github.com/zionsgate/gatekeeper/internal/export/json"
	"github.com/zionsgate/gatekeeper/internal/export/sqlite"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"go.uber.org/zap"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format represents a supported export format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatSQLite  Format = "sqlite"
	FormatJSON    Format = "json"
	FormatBanList Format = "banlist"
)

// Formats lists every supported format in export order.
var Formats = []Format{FormatCSV, FormatSQLite, FormatJSON, FormatBanList}

// BanListFile is the shareable list of hashed globally banned user IDs.
const BanListFile = "banlist.json"

// EngineVersion changes whenever an export layout changes incompatibly.
const EngineVersion = "1.0.0"

// BanList is the document written for FormatBanList. Partners hash their own
// member IDs with the same parameters and look them up in Hashes.
type BanList struct {
	EngineVersion string     `json:"engineVersion"`
	GeneratedAt   time.Time  `json:"generatedAt"`
	Hash          HashConfig `json:"hash"`
	Hashes        []string   `json:"hashes"`
}

// Exporter writes ledger snapshots.
type Exporter struct {
	store  ledger.Store
	outDir string
	hash   HashConfig
	logger *zap.Logger
}

// New creates a new exporter instance.
func New(store ledger.Store, outDir string, hash HashConfig, logger *zap.Logger) *Exporter {
	return &Exporter{
		store:  store,
		outDir: outDir,
		hash:   hash,
		logger: logger.Named("export"),
	}
}

// Export writes the ledger in each requested format.
func (e *Exporter) Export(ctx context.Context, formats ...Format) error {
	for _, format := range formats {
		if !isSupported(format) {
			return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
		}
	}

	if err := os.MkdirAll(e.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	snap, err := ledger.TakeSnapshot(ctx, e.store)
	if err != nil {
		return err
	}

	e.logger.Info("Read ledger snapshot",
		zap.Int("communities", len(snap.Communities)),
		zap.Int("users", len(snap.Users)))

	for _, format := range formats {
		start := time.Now()

		if err := e.export(format, snap); err != nil {
			return fmt.Errorf("failed to export %s format: %w", format, err)
		}

		e.logger.Info("Exported ledger",
			zap.String("format", string(format)),
			zap.String("dir", e.outDir),
			zap.Duration("duration", time.Since(start)))
	}

	return nil
}

func (e *Exporter) export(format Format, snap *ledger.Snapshot) error {
	switch format {
	case FormatCSV:
		return csv.New(e.outDir).Export(snap)
	case FormatSQLite:
		return sqlite.New(e.outDir).Export(snap)
	case FormatJSON:
		return json.New(e.outDir).Export(snap)
	case FormatBanList:
		return e.writeBanList(snap)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func (e *Exporter) writeBanList(snap *ledger.Snapshot) error {
	var ids []uint64
	for _, u := range snap.Users {
		if u.GlobalBanned {
			ids = append(ids, u.UserID)
		}
	}

	list := BanList{
		EngineVersion: EngineVersion,
		GeneratedAt:   time.Now().UTC(),
		Hash:          e.hash,
		Hashes:        HashIDs(ids, e.hash),
	}

	data, err := sonic.MarshalIndent(list, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal ban list: %w", err)
	}

	return os.WriteFile(filepath.Join(e.outDir, BanListFile), data, 0o600)
}

func isSupported(format Format) bool {
	return slices.Contains(Formats, format)
}
