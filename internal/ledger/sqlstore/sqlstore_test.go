package sqlstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore"
	"go.uber.org/zap/zaptest"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()

	store, err := sqlstore.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "ledger.db"), zaptest.NewLogger(t), true)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		t.Helper()
		return openSQLite(t)
	})
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	logger := zaptest.NewLogger(t)

	store, err := sqlstore.OpenSQLite(t.Context(), path, logger, true)
	require.NoError(t, err)

	require.NoError(t, store.UpsertCommunity(t.Context(), 1, "one"))
	require.NoError(t, store.UpsertUser(t.Context(), 2, "two#0002", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 2, true))
	require.NoError(t, store.Close())

	// Migrations are idempotent on an existing database.
	reopened, err := sqlstore.OpenSQLite(t.Context(), path, logger, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	community, err := reopened.GetCommunity(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "one", community.DisplayName)

	user, err := reopened.GetUser(t.Context(), 2)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)
}
