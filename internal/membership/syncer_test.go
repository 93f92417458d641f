package membership_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"github.com/zionsgate/gatekeeper/internal/platform/platformtest"
	"go.uber.org/zap/zaptest"
)

var (
	setUp   = platform.Guild{ID: 10, Name: "Set Up"}
	pending = platform.Guild{ID: 20, Name: "Pending"}
)

func newSyncer(t *testing.T) (*membership.Syncer, ledger.Store, *platformtest.Fake) {
	t.Helper()

	store := ledgertest.NewStore(t)
	fake := platformtest.New()

	ledgertest.SetUpCommunity(t, store, setUp.ID, types.CommunityConfig{
		DisplayName: setUp.Name,
		OwnerID:     1,
		GlobalRoles: types.NewRoleSet(5),
	})
	require.NoError(t, store.UpsertCommunity(t.Context(), pending.ID, pending.Name))

	return membership.New(store, fake, zaptest.NewLogger(t)), store, fake
}

func TestOnJoinRegistersMember(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	require.NoError(t, syncer.OnJoin(t.Context(), setUp, platformtest.Member(7, "newcomer")))

	user, err := store.GetUser(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, "newcomer#0001", user.DisplayName)
	assert.False(t, user.GlobalBanned)
	assert.Empty(t, fake.CallsFor("ban"))
}

func TestOnJoinEnforcesGlobalBan(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	require.NoError(t, store.UpsertUser(t.Context(), 7, "raider#0001", time.Unix(0, 0)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 7, true))
	fake.AddGuild(setUp)

	require.NoError(t, syncer.OnJoin(t.Context(), setUp, platformtest.Member(7, "raider")))

	bans := fake.CallsFor("ban")
	require.Len(t, bans, 1)
	assert.Equal(t, setUp.ID, bans[0].GuildID)
	assert.Equal(t, membership.BanReason, bans[0].Reason)
}

func TestOnJoinEnforcementFailure(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	require.NoError(t, store.UpsertUser(t.Context(), 7, "raider#0001", time.Unix(0, 0)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 7, true))
	fake.AddGuild(setUp)
	fake.FailGuild(setUp.ID, platform.ErrForbidden)

	err := syncer.OnJoin(t.Context(), setUp, platformtest.Member(7, "raider"))
	require.ErrorIs(t, err, membership.ErrEnforcementFailed)
	require.ErrorIs(t, err, platform.ErrForbidden)
}

func TestOnJoinSkipsCommunitiesWithoutSetup(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	require.NoError(t, store.UpsertUser(t.Context(), 7, "raider#0001", time.Unix(0, 0)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 7, true))

	require.NoError(t, syncer.OnJoin(t.Context(), pending, platformtest.Member(8, "visitor")))
	require.NoError(t, syncer.OnJoin(t.Context(), pending, platformtest.Member(7, "raider")))

	_, err := store.GetUser(t.Context(), 8)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
	assert.Empty(t, fake.Calls())

	// An unseen community is registered passively and otherwise skipped.
	unseen := platform.Guild{ID: 30, Name: "Unseen"}
	require.NoError(t, syncer.OnJoin(t.Context(), unseen, platformtest.Member(9, "someone")))

	community, err := store.GetCommunity(t.Context(), unseen.ID)
	require.NoError(t, err)
	assert.False(t, community.SetupComplete)

	_, err = store.GetUser(t.Context(), 9)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestOnJoinIgnoresBots(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newSyncer(t)

	require.NoError(t, syncer.OnJoin(t.Context(), setUp, platformtest.BotMember(50, "helper")))

	_, err := store.GetUser(t.Context(), 50)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestOnJoinStoreFailure(t *testing.T) {
	t.Parallel()

	store := ledgertest.NewFaultyStore(ledgertest.NewStore(t))
	store.FailOn(ledgertest.OpGetCommunity, errors.New("connection refused"))

	syncer := membership.New(store, platformtest.New(), zaptest.NewLogger(t))

	err := syncer.OnJoin(t.Context(), setUp, platformtest.Member(7, "x"))
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}

func TestRegisterMembers(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	members := []platform.Member{platformtest.BotMember(99, "bot")}
	for i := range 40 {
		members = append(members, platformtest.Member(uint64(1000+i), "member"))
	}

	fake.AddGuild(setUp, members...)
	fake.AddGuild(pending, platformtest.Member(2000, "pending-member"))

	n, err := syncer.RegisterMembers(t.Context(), setUp)
	require.NoError(t, err)
	assert.Equal(t, 40, n)

	users, err := store.ListUsers(t.Context())
	require.NoError(t, err)
	assert.Len(t, users, 40)

	n, err = syncer.RegisterMembers(t.Context(), pending)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartupScan(t *testing.T) {
	t.Parallel()

	syncer, store, fake := newSyncer(t)

	require.NoError(t, store.UpsertUser(t.Context(), 1000, "banned#0001", time.Unix(0, 0)))
	require.NoError(t, store.SetGlobalBanned(t.Context(), 1000, true))

	fresh := platform.Guild{ID: 40, Name: "Fresh"}
	broken := platform.Guild{ID: 50, Name: "Broken"}

	fake.AddGuild(setUp, platformtest.Member(1000, "banned"), platformtest.Member(1001, "member"))
	fake.AddGuild(fresh, platformtest.Member(1002, "other"))
	fake.AddGuild(broken)
	ledgertest.SetUpCommunity(t, store, broken.ID, types.CommunityConfig{
		DisplayName: broken.Name,
		OwnerID:     1,
		GlobalRoles: types.NewRoleSet(5),
	})
	fake.FailGuild(broken.ID, errors.New("missing access"))

	require.NoError(t, syncer.StartupScan(t.Context()))

	community, err := store.GetCommunity(t.Context(), fresh.ID)
	require.NoError(t, err)
	assert.False(t, community.SetupComplete)

	_, err = store.GetUser(t.Context(), 1001)
	require.NoError(t, err)

	_, err = store.GetUser(t.Context(), 1002)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)

	// The scan registers but never enforces.
	assert.Empty(t, fake.CallsFor("ban"))
}
