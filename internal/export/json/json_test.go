package json_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/export/json"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

func testSnapshot() *ledger.Snapshot {
	configured := types.NewCommunity(500, "Zion")
	configured.Apply(types.CommunityConfig{
		DisplayName: "Zion",
		OwnerID:     7,
		LocalRoles:  types.NewRoleSet(11),
		GlobalRoles: types.NewRoleSet(21, 22),
	})

	user := types.NewUser(18446744073709551615, "max#9999", time.Date(2020, 2, 29, 23, 0, 0, 0, time.UTC))
	user.GlobalBanned = true

	return &ledger.Snapshot{
		Communities: []*types.Community{configured, types.NewCommunity(600, "Fresh")},
		Users:       []*types.User{user},
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()

	exportedAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	doc := json.Convert(testSnapshot(), exportedAt)

	assert.Equal(t, exportedAt.UTC(), doc.ExportedAt)
	assert.Equal(t, []json.Community{
		{
			CommunityID:   "500",
			DisplayName:   "Zion",
			OwnerID:       "7",
			SetupComplete: true,
			LocalRoles:    []string{"11"},
			GlobalRoles:   []string{"21", "22"},
		},
		{
			CommunityID: "600",
			DisplayName: "Fresh",
			LocalRoles:  []string{},
			GlobalRoles: []string{},
		},
	}, doc.Communities)
	assert.Equal(t, []json.User{
		{UserID: "18446744073709551615", DisplayName: "max#9999", CreatedAt: "2020-02-29", GlobalBanned: true},
	}, doc.Users)
}

func TestExporter_Export(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, json.New(dir).Export(testSnapshot()))

	data, err := os.ReadFile(filepath.Join(dir, json.FileName))
	require.NoError(t, err)

	var doc json.Document
	require.NoError(t, sonic.Unmarshal(data, &doc))
	assert.Len(t, doc.Communities, 2)
	assert.Equal(t, "18446744073709551615", doc.Users[0].UserID)
	assert.Contains(t, string(data), `"globalBanned": true`)
}
