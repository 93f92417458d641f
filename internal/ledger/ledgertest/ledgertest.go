// Package ledgertest holds the behaviour every ledger backend must share.
package ledgertest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// Run exercises the ledger contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CommunityLifecycle", func(t *testing.T) { testCommunityLifecycle(t, newStore(t)) })
	t.Run("SetCommunityConfigRequiresRegistration", func(t *testing.T) {
		testSetCommunityConfigRequiresRegistration(t, newStore(t))
	})
	t.Run("UserFirstSeenSnapshot", func(t *testing.T) { testUserFirstSeenSnapshot(t, newStore(t)) })
	t.Run("GlobalBanFlag", func(t *testing.T) { testGlobalBanFlag(t, newStore(t)) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, newStore(t)) })
	t.Run("FindUsers", func(t *testing.T) { testFindUsers(t, newStore(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("Restore", func(t *testing.T) { testRestore(t, newStore(t)) })
}

func testCommunityLifecycle(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	_, err := store.GetCommunity(ctx, 100)
	require.ErrorIs(t, err, ledger.ErrCommunityNotFound)

	require.NoError(t, store.UpsertCommunity(ctx, 100, "Zion"))

	community, err := store.GetCommunity(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), community.CommunityID)
	assert.Equal(t, "Zion", community.DisplayName)
	assert.False(t, community.SetupComplete)
	assert.False(t, community.HasOwner())
	assert.Empty(t, community.LocalRoles())
	assert.Empty(t, community.GlobalRoles())

	// Passive registration never renames.
	require.NoError(t, store.UpsertCommunity(ctx, 100, "Renamed"))
	community, err = store.GetCommunity(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "Zion", community.DisplayName)

	require.NoError(t, store.SetCommunityConfig(ctx, 100, types.CommunityConfig{
		DisplayName: "Zion Gate",
		OwnerID:     7,
		LocalRoles:  types.NewRoleSet(11, 12),
		GlobalRoles: types.NewRoleSet(21),
	}))

	community, err = store.GetCommunity(ctx, 100)
	require.NoError(t, err)
	assert.True(t, community.SetupComplete)
	assert.Equal(t, "Zion Gate", community.DisplayName)
	assert.Equal(t, uint64(7), community.OwnerID)
	assert.Equal(t, types.RoleSet{11, 12}, community.LocalRoles())
	assert.Equal(t, types.RoleSet{21}, community.GlobalRoles())

	// A second setup fully overwrites the previous role assignment.
	require.NoError(t, store.SetCommunityConfig(ctx, 100, types.CommunityConfig{
		DisplayName: "Zion Gate",
		OwnerID:     7,
		LocalRoles:  types.NewRoleSet(13),
		GlobalRoles: types.NewRoleSet(22, 23, 24),
	}))

	community, err = store.GetCommunity(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, types.RoleSet{13}, community.LocalRoles())
	assert.Equal(t, types.RoleSet{22, 23, 24}, community.GlobalRoles())
	assert.Zero(t, community.LocalRoleID2)
}

func testSetCommunityConfigRequiresRegistration(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	err := store.SetCommunityConfig(ctx, 404, types.CommunityConfig{
		DisplayName: "Unknown",
		OwnerID:     1,
		GlobalRoles: types.NewRoleSet(2),
	})
	require.ErrorIs(t, err, ledger.ErrNotRegistered)

	_, err = store.GetCommunity(ctx, 404)
	require.ErrorIs(t, err, ledger.ErrCommunityNotFound)
}

func testUserFirstSeenSnapshot(t *testing.T, store ledger.Store) {
	ctx := t.Context()
	created := time.Date(2019, 3, 14, 15, 9, 26, 0, time.UTC)

	_, err := store.GetUser(ctx, 500)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)

	require.NoError(t, store.UpsertUser(ctx, 500, "first#0001", created))
	require.NoError(t, store.UpsertUser(ctx, 500, "second#0002", created.AddDate(1, 0, 0)))

	user, err := store.GetUser(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), user.UserID)
	assert.Equal(t, "first#0001", user.DisplayName)
	assert.True(t, user.CreatedAt.Equal(time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC)),
		"created_at keeps only the date, got %s", user.CreatedAt)
	assert.False(t, user.GlobalBanned)
}

func testGlobalBanFlag(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	require.ErrorIs(t, store.SetGlobalBanned(ctx, 600, true), ledger.ErrUserNotFound)

	require.NoError(t, store.UpsertUser(ctx, 600, "target#0000", time.Unix(0, 0)))

	for _, banned := range []bool{true, true, false, false, true} {
		require.NoError(t, store.SetGlobalBanned(ctx, 600, banned))

		user, err := store.GetUser(ctx, 600)
		require.NoError(t, err)
		assert.Equal(t, banned, user.GlobalBanned)
	}

	// Re-registering a banned user keeps the flag.
	require.NoError(t, store.UpsertUser(ctx, 600, "target#0000", time.Unix(0, 0)))
	user, err := store.GetUser(ctx, 600)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)
}

func testConcurrentUpserts(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers*2)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.UpsertCommunity(ctx, 700, fmt.Sprintf("guild-%d", i))
			errs <- store.UpsertUser(ctx, 701, fmt.Sprintf("user-%d", i), time.Unix(0, 0))
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	communities, err := store.ListCommunities(ctx)
	require.NoError(t, err)
	assert.Len(t, communities, 1)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testFindUsers(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	require.NoError(t, store.UpsertUser(ctx, 801, "Alice#1234", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(ctx, 802, "alice#9999", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(ctx, 803, "Bob#0001", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(ctx, 804, "al_ce#0001", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(ctx, 805, "Éric#0001", time.Unix(0, 0)))
	require.NoError(t, store.UpsertUser(ctx, 806, "STRASSE#0002", time.Unix(0, 0)))

	for i := range 12 {
		require.NoError(t, store.UpsertUser(ctx, uint64(900+i), "crowd#0000", time.Unix(0, 0)))
	}

	tests := []struct {
		name  string
		query string
		want  []uint64
	}{
		{name: "exact id", query: "803", want: []uint64{803}},
		{name: "unknown id", query: "12345", want: nil},
		{name: "base name any case", query: "ALICE", want: []uint64{801, 802}},
		{name: "full name", query: "alice#1234", want: []uint64{801}},
		{name: "like wildcard is literal", query: "al_ce", want: []uint64{804}},
		{name: "no partial match", query: "ali", want: nil},
		{name: "non-ascii base name", query: "éric", want: []uint64{805}},
		{name: "non-ascii full name", query: "ÉRIC#0001", want: []uint64{805}},
		{name: "full case folding", query: "straße", want: []uint64{806}},
		{name: "non-ascii no match", query: "ümlaut", want: nil},
		{name: "capped at limit", query: "crowd", want: []uint64{900, 901, 902, 903, 904, 905, 906, 907, 908, 909}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := store.FindUsers(ctx, tt.query, ledger.SearchLimit)
			require.NoError(t, err)

			var got []uint64
			for _, u := range users {
				got = append(got, u.UserID)
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func testListOrder(t *testing.T, store ledger.Store) {
	ctx := t.Context()

	for _, id := range []uint64{30, 10, 20} {
		require.NoError(t, store.UpsertCommunity(ctx, id, fmt.Sprintf("guild-%d", id)))
		require.NoError(t, store.UpsertUser(ctx, id, fmt.Sprintf("user-%d", id), time.Unix(0, 0)))
	}

	communities, err := store.ListCommunities(ctx)
	require.NoError(t, err)
	require.Len(t, communities, 3)
	assert.Equal(t, []uint64{30, 10, 20}, []uint64{
		communities[0].CommunityID, communities[1].CommunityID, communities[2].CommunityID,
	})
	assert.Less(t, communities[0].ID, communities[1].ID)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, uint64(30), users[0].UserID)
}

func testRestore(t *testing.T, store ledger.Store) {
	ctx := t.Context()
	created := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	source := NewStore(t)
	require.NoError(t, source.UpsertCommunity(ctx, 1, "configured"))
	require.NoError(t, source.SetCommunityConfig(ctx, 1, types.CommunityConfig{
		DisplayName: "configured",
		OwnerID:     9,
		LocalRoles:  types.NewRoleSet(11),
		GlobalRoles: types.NewRoleSet(21, 22),
	}))
	require.NoError(t, source.UpsertCommunity(ctx, 2, "fresh"))
	require.NoError(t, source.UpsertCommunity(ctx, 3, "source copy"))
	require.NoError(t, source.UpsertUser(ctx, 10, "banned#0001", created))
	require.NoError(t, source.SetGlobalBanned(ctx, 10, true))
	require.NoError(t, source.UpsertUser(ctx, 11, "clean#0001", created))

	// Records already in the destination win.
	require.NoError(t, store.UpsertCommunity(ctx, 3, "destination copy"))

	snap, err := ledger.TakeSnapshot(ctx, source)
	require.NoError(t, err)
	require.NoError(t, ledger.Restore(ctx, store, snap))

	// Restoring twice changes nothing.
	require.NoError(t, ledger.Restore(ctx, store, snap))

	communities, err := store.ListCommunities(ctx)
	require.NoError(t, err)
	require.Len(t, communities, 3)

	configured, err := store.GetCommunity(ctx, 1)
	require.NoError(t, err)
	assert.True(t, configured.SetupComplete)
	assert.Equal(t, uint64(9), configured.OwnerID)
	assert.Equal(t, types.RoleSet{11}, configured.LocalRoles())
	assert.Equal(t, types.RoleSet{21, 22}, configured.GlobalRoles())

	fresh, err := store.GetCommunity(ctx, 2)
	require.NoError(t, err)
	assert.False(t, fresh.SetupComplete)

	kept, err := store.GetCommunity(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "destination copy", kept.DisplayName)

	banned, err := store.GetUser(ctx, 10)
	require.NoError(t, err)
	assert.True(t, banned.GlobalBanned)
	assert.True(t, banned.CreatedAt.Equal(created))

	clean, err := store.GetUser(ctx, 11)
	require.NoError(t, err)
	assert.False(t, clean.GlobalBanned)
}
