package csv_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	exportCSV "github.com/zionsgate/gatekeeper/internal/export/csv"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	return rows
}

func TestExporter_Export(t *testing.T) {
	t.Parallel()

	configured := types.NewCommunity(500, `Zion, "the" Gate`)
	configured.ID = 1
	configured.Apply(types.CommunityConfig{
		DisplayName: `Zion, "the" Gate`,
		OwnerID:     7,
		LocalRoles:  types.NewRoleSet(11, 12),
		GlobalRoles: types.NewRoleSet(21),
	})

	fresh := types.NewCommunity(600, "Fresh")
	fresh.ID = 2

	banned := types.NewUser(42, "alice#0420", time.Date(2019, 4, 5, 13, 0, 0, 0, time.UTC))
	banned.ID = 1
	banned.GlobalBanned = true

	snap := &ledger.Snapshot{
		Communities: []*types.Community{configured, fresh},
		Users:       []*types.User{banned},
	}

	tests := []struct {
		name string
		snap *ledger.Snapshot
		want map[string][][]string
	}{
		{
			name: "full snapshot",
			snap: snap,
			want: map[string][][]string{
				exportCSV.CommunitiesFile: {
					{"id", "community_id", "display_name", "owner_id", "setup_complete", "local_roles", "global_roles"},
					{"1", "500", `Zion, "the" Gate`, "7", "true", "11;12", "21"},
					{"2", "600", "Fresh", "0", "false", "", ""},
				},
				exportCSV.UsersFile: {
					{"id", "user_id", "display_name", "created_at", "global_banned"},
					{"1", "42", "alice#0420", "2019-04-05", "true"},
				},
			},
		},
		{
			name: "empty ledger",
			snap: &ledger.Snapshot{},
			want: map[string][][]string{
				exportCSV.CommunitiesFile: {
					{"id", "community_id", "display_name", "owner_id", "setup_complete", "local_roles", "global_roles"},
				},
				exportCSV.UsersFile: {
					{"id", "user_id", "display_name", "created_at", "global_banned"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			require.NoError(t, exportCSV.New(dir).Export(tt.snap))

			for file, want := range tt.want {
				assert.Equal(t, want, readCSV(t, filepath.Join(dir, file)), file)
			}
		})
	}
}

func TestExporter_Overwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	user := types.NewUser(1, "one#0001", time.Unix(0, 0))

	require.NoError(t, exportCSV.New(dir).Export(&ledger.Snapshot{Users: []*types.User{user, user}}))
	require.NoError(t, exportCSV.New(dir).Export(&ledger.Snapshot{Users: []*types.User{user}}))

	assert.Len(t, readCSV(t, filepath.Join(dir, exportCSV.UsersFile)), 2)
}

func TestExporter_MissingDir(t *testing.T) {
	t.Parallel()

	err := exportCSV.New(filepath.Join(t.TempDir(), "missing")).Export(&ledger.Snapshot{})
	require.Error(t, err)
}
