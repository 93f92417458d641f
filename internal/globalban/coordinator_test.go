package globalban_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/globalban"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/notify/notifytest"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"github.com/zionsgate/gatekeeper/internal/platform/platformtest"
	"go.uber.org/zap/zaptest"
)

const (
	target  = 1001
	invoker = 2002
)

type fixture struct {
	coordinator *globalban.Coordinator
	store       *ledgertest.FaultyStore
	platform    *platformtest.Fake
	notifier    *notifytest.Recorder
}

func newFixture(t *testing.T, guilds ...platform.Guild) *fixture {
	t.Helper()

	f := &fixture{
		store:    ledgertest.NewFaultyStore(ledgertest.NewStore(t)),
		platform: platformtest.New(),
		notifier: &notifytest.Recorder{},
	}

	for _, g := range guilds {
		f.platform.AddGuild(g)
	}

	f.coordinator = globalban.New(f.store, f.platform, f.notifier, 2, zaptest.NewLogger(t))

	return f
}

func guilds(n int) []platform.Guild {
	out := make([]platform.Guild, n)
	for i := range out {
		out[i] = platform.Guild{ID: uint64(100 + i), Name: string(rune('A' + i))}
	}

	return out
}

func banRequest() globalban.Request {
	return globalban.Request{
		UserID:    target,
		Action:    globalban.Ban,
		Reason:    "raid",
		InvokerID: invoker,
		Location:  "Zion - #general",
	}
}

func TestBanUnknownUserCreatesRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, guilds(3)...)

	report, err := f.coordinator.Apply(t.Context(), banRequest())
	require.NoError(t, err)

	user, err := f.store.GetUser(t.Context(), target)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)
	assert.Equal(t, "Deleted User#0000", user.DisplayName)
	assert.True(t, user.CreatedAt.Equal(time.Unix(0, 0)))

	require.Len(t, report.Results, 3)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, report.Succeeded())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", report.OperationID.String())

	for _, g := range guilds(3) {
		assert.True(t, f.platform.IsBanned(g.ID, target))
	}

	for _, call := range f.platform.CallsFor("ban") {
		assert.Equal(t, "raid", call.Reason)
	}
}

func TestBanUsesResolvedProfile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, guilds(1)...)

	name, disc := "raider", "6666"
	f.platform.AddProfile(platform.Profile{
		ID:            target,
		Username:      &name,
		Discriminator: &disc,
		CreatedAt:     time.Date(2022, 2, 2, 22, 0, 0, 0, time.UTC),
	})

	_, err := f.coordinator.Apply(t.Context(), banRequest())
	require.NoError(t, err)

	user, err := f.store.GetUser(t.Context(), target)
	require.NoError(t, err)
	assert.Equal(t, "raider#6666", user.DisplayName)
	assert.Equal(t, "2022-02-02", user.CreatedAt.Format("2006-01-02"))
}

func TestBanIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, guilds(2)...)

	for range 2 {
		report, err := f.coordinator.Apply(t.Context(), banRequest())
		require.NoError(t, err)
		assert.Len(t, report.Succeeded(), 2)
	}

	user, err := f.store.GetUser(t.Context(), target)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)
}

func TestBanPartialFailureAttemptsEveryCommunity(t *testing.T) {
	t.Parallel()

	all := guilds(5)
	f := newFixture(t, all...)
	f.platform.FailGuild(all[1].ID, platform.ErrForbidden)
	f.platform.FailGuild(all[3].ID, errors.New("502 bad gateway"))

	report, err := f.coordinator.Apply(t.Context(), banRequest())
	require.NoError(t, err)

	require.Len(t, report.Results, len(all))
	assert.Equal(t, 3, report.Count(globalban.Succeeded))
	assert.Equal(t, 2, report.Count(globalban.Failed))

	attempted := map[uint64]int{}
	for _, call := range f.platform.CallsFor("ban") {
		attempted[call.GuildID]++
	}

	for _, g := range all {
		assert.Equal(t, 1, attempted[g.ID], "guild %d attempted exactly once", g.ID)
	}

	for _, result := range report.Results {
		if result.Guild.ID == all[1].ID {
			assert.Equal(t, globalban.Failed, result.Outcome)
			require.ErrorIs(t, result.Err, platform.ErrForbidden)
		}
	}
}

func TestBanFlagFailureAbortsBeforeFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, guilds(2)...)
	f.store.FailOn(ledgertest.OpSetGlobalBanned, errors.New("disk full"))

	report, err := f.coordinator.Apply(t.Context(), banRequest())
	require.ErrorIs(t, err, globalban.ErrFlagUpdate)
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.Nil(t, report)

	assert.Empty(t, f.platform.Calls())
	assert.Empty(t, f.notifier.Sent())
}

func TestBanGuildListFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.GuildsErr = errors.New("gateway not ready")

	_, err := f.coordinator.Apply(t.Context(), banRequest())
	require.ErrorIs(t, err, globalban.ErrGuildList)

	// The flag is authoritative and stays set.
	user, err := f.store.GetUser(t.Context(), target)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)
}

func TestUnbanNeverSeenUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, guilds(2)...)

	req := banRequest()
	req.Action = globalban.Unban

	report, err := f.coordinator.Apply(t.Context(), req)
	require.NoError(t, err)

	_, err = f.store.GetUser(t.Context(), target)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)

	assert.Equal(t, 2, report.Count(globalban.AlreadyAbsent))
	assert.Empty(t, report.Succeeded())

	sent := f.notifier.On(notify.ChannelBan)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "**Guilds affected:** None.")
}

func TestBanThenUnban(t *testing.T) {
	t.Parallel()

	all := guilds(3)
	f := newFixture(t, all...)

	_, err := f.coordinator.Apply(t.Context(), banRequest())
	require.NoError(t, err)

	// A ban lifted by hand in one community is not an error on unban.
	require.NoError(t, f.platform.Unban(t.Context(), all[0].ID, target, "manual"))

	req := banRequest()
	req.Action = globalban.Unban

	report, err := f.coordinator.Apply(t.Context(), req)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"B", "C"}, report.Succeeded())
	assert.Equal(t, 1, report.Count(globalban.AlreadyAbsent))
	assert.Zero(t, report.Count(globalban.Failed))

	user, err := f.store.GetUser(t.Context(), target)
	require.NoError(t, err)
	assert.False(t, user.GlobalBanned)

	for _, call := range f.platform.CallsFor("unban")[1:] {
		assert.Equal(t, globalban.UnbanReason, call.Reason)
	}
}

func TestAuditMessage(t *testing.T) {
	t.Parallel()

	report := &globalban.Report{
		Request: banRequest(),
		Results: []globalban.Result{
			{Guild: platform.Guild{Name: "Zion"}, Outcome: globalban.Succeeded},
			{Guild: platform.Guild{Name: "Gate"}, Outcome: globalban.Failed},
			{Guild: platform.Guild{Name: "Hub"}, Outcome: globalban.Succeeded},
		},
	}

	assert.Equal(t,
		"**Global Ban executed for <@1001> (ID: 1001).**\n"+
			"**Reason:** raid\n"+
			"**Banned by:** <@2002> (ID: 2002)\n"+
			"**Location:** Zion - #general\n"+
			"**Servers affected:** Zion, Hub\n\n"+
			"Please reply with screenshots of evidence supporting this ban.",
		report.AuditMessage())

	report.Request.Action = globalban.Unban
	assert.Equal(t,
		"**Global Unban executed for <@1001> (ID: 1001).**\n"+
			"**Executed by:** <@2002> (ID: 2002)\n"+
			"**Location:** Zion - #general\n"+
			"**Guilds affected:** Zion, Hub.",
		report.AuditMessage())
}
