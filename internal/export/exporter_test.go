package export_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/export"
	"github.com/zionsgate/gatekeeper/internal/export/csv"
	"github.com/zionsgate/gatekeeper/internal/export/json"
	"github.com/zionsgate/gatekeeper/internal/export/sqlite"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"go.uber.org/zap/zaptest"
)

func TestExportAllFormats(t *testing.T) {
	t.Parallel()

	store := ledgertest.NewStore(t)
	require.NoError(t, store.UpsertUser(t.Context(), 1, "one#0001", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(t.Context(), 2, "two#0002", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(t.Context(), 3, "three#0003", time.Unix(0, 0)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 2, true))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 3, true))

	outDir := filepath.Join(t.TempDir(), "out")
	hash := export.HashConfig{Type: export.HashTypeSHA256, Salt: "s", Iterations: 2, Concurrency: 2}

	exporter := export.New(store, outDir, hash, zaptest.NewLogger(t))
	require.NoError(t, exporter.Export(t.Context(), export.Formats...))

	for _, name := range []string{csv.CommunitiesFile, csv.UsersFile, sqlite.FileName, json.FileName, export.BanListFile} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}

	data, err := os.ReadFile(filepath.Join(outDir, export.BanListFile))
	require.NoError(t, err)

	var list export.BanList
	require.NoError(t, sonic.Unmarshal(data, &list))
	assert.Equal(t, export.EngineVersion, list.EngineVersion)
	assert.Equal(t, export.HashTypeSHA256, list.Hash.Type)
	assert.Equal(t, []string{export.HashID(2, hash), export.HashID(3, hash)}, list.Hashes)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "out")
	exporter := export.New(ledgertest.NewStore(t), outDir, export.HashConfig{}, zaptest.NewLogger(t))

	err := exporter.Export(t.Context(), export.FormatCSV, "xml")
	require.ErrorIs(t, err, export.ErrUnsupportedFormat)
	assert.NoDirExists(t, outDir, "nothing is written when a format is unknown")
}
