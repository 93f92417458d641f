package moderation_test

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/globalban"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/moderation"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/notify/notifytest"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"github.com/zionsgate/gatekeeper/internal/platform/platformtest"
	"go.uber.org/zap/zaptest"
)

const (
	guildID    = 500
	ownerID    = 1
	strangerID = 2
	modID      = 3
	channelID  = 700

	localRole  = 11
	globalRole = 21
)

var guild = platform.Guild{ID: guildID, Name: "Zion", OwnerID: ownerID}

type fixture struct {
	service  *moderation.Service
	store    *ledgertest.FaultyStore
	platform *platformtest.Fake
	notifier *notifytest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := ledgertest.NewFaultyStore(ledgertest.NewStore(t))
	fake := platformtest.New()
	recorder := &notifytest.Recorder{}

	fake.AddGuild(guild,
		platformtest.Member(ownerID, "owner"),
		platformtest.Member(modID, "mod", globalRole),
		platformtest.Member(strangerID, "stranger"),
		platformtest.BotMember(9, "bot"),
	)

	engine := access.NewEngine(store, logger)

	return &fixture{
		service: moderation.New(moderation.Dependencies{
			Store:       store,
			Platform:    fake,
			Access:      engine,
			Coordinator: globalban.New(store, fake, recorder, 4, logger),
			Syncer:      membership.New(store, fake, logger),
			Notifier:    recorder,
		}, logger),
		store:    store,
		platform: fake,
		notifier: recorder,
	}
}

func caller(userID uint64, roles ...uint64) moderation.Caller {
	return moderation.Caller{
		GuildID:   guildID,
		GuildName: guild.Name,
		ChannelID: channelID,
		UserID:    userID,
		RoleIDs:   roles,
	}
}

func setupParams() moderation.SetupParams {
	return moderation.SetupParams{
		LocalRoles:  types.NewRoleSet(localRole),
		GlobalRoles: types.NewRoleSet(globalRole),
	}
}

func TestSetupByOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply, err := f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgSetupComplete, reply.Content)

	community, err := f.store.GetCommunity(t.Context(), guildID)
	require.NoError(t, err)
	assert.True(t, community.SetupComplete)
	assert.Equal(t, uint64(ownerID), community.OwnerID)
	assert.Equal(t, types.RoleSet{localRole}, community.LocalRoles())
	assert.Equal(t, types.RoleSet{globalRole}, community.GlobalRoles())

	users, err := f.store.ListUsers(t.Context())
	require.NoError(t, err)
	assert.Len(t, users, 3, "human members are registered")
}

func TestSetupWithoutGuildName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		recorded string
		want     string
	}{
		{name: "keeps recorded name", recorded: "Zion Prime", want: "Zion Prime"},
		{name: "falls back to platform name", recorded: "", want: guild.Name},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			require.NoError(t, f.store.UpsertCommunity(t.Context(), guildID, tt.recorded))

			c := caller(ownerID)
			c.GuildName = ""

			reply, err := f.service.Setup(t.Context(), c, setupParams())
			require.NoError(t, err)
			assert.Equal(t, moderation.MsgSetupComplete, reply.Content)

			community, err := f.store.GetCommunity(t.Context(), guildID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, community.DisplayName)
		})
	}
}

func TestSetupRejectsNonOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply, err := f.service.Setup(t.Context(), caller(strangerID), setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgNotOwner, reply.Content)

	community, err := f.store.GetCommunity(t.Context(), guildID)
	require.NoError(t, err, "the community is registered even when setup is rejected")
	assert.False(t, community.SetupComplete)

	// After the owner's setup, a second attempt by someone else is still rejected.
	_, err = f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)

	reply, err = f.service.Setup(t.Context(), caller(modID, globalRole), setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgNotOwner, reply.Content)
}

func TestSetupRerunOverwritesRoles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)

	reply, err := f.service.Setup(t.Context(), caller(ownerID), moderation.SetupParams{
		LocalRoles:  types.NewRoleSet(12, 13),
		GlobalRoles: types.NewRoleSet(22),
	})
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgSetupComplete, reply.Content)

	community, err := f.store.GetCommunity(t.Context(), guildID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleSet{12, 13}, community.LocalRoles())
	assert.Equal(t, types.RoleSet{22}, community.GlobalRoles())
}

func TestSetupEdgeCases(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply, err := f.service.Setup(t.Context(), moderation.Caller{UserID: ownerID}, setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgGuildOnly, reply.Content)

	reply, err = f.service.Setup(t.Context(), caller(ownerID), moderation.SetupParams{LocalRoles: types.NewRoleSet(1)})
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgGlobalRoleMissing, reply.Content)

	f.store.FailOn(ledgertest.OpSetCommunityConfig, errors.New("disk full"))
	reply, err = f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgSetupFailed, reply.Content)

	f.store.FailOn(ledgertest.OpGetCommunity, errors.New("connection refused"))
	reply, err = f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgOwnerCheckFailed, reply.Content)
}

func TestGlobalBanAndUnban(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.AddGuild(platform.Guild{ID: 600, Name: "Gate"})

	reply, err := f.service.GlobalBan(t.Context(), caller(modID, globalRole), strangerID, "raid")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Content, "Globally banned <@2> from: "))
	assert.Contains(t, reply.Content, "Zion")
	assert.Contains(t, reply.Content, "Gate")

	user, err := f.store.GetUser(t.Context(), strangerID)
	require.NoError(t, err)
	assert.True(t, user.GlobalBanned)

	sent := f.notifier.On(notify.ChannelBan)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "**Location:** Zion - <#700>")

	reply, err = f.service.GlobalUnban(t.Context(), caller(modID, globalRole), strangerID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Content, "Global unban executed for <@2> from: "))

	user, err = f.store.GetUser(t.Context(), strangerID)
	require.NoError(t, err)
	assert.False(t, user.GlobalBanned)
}

func TestGlobalBanLedgerFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.FailOn(ledgertest.OpSetGlobalBanned, errors.New("disk full"))

	reply, err := f.service.GlobalBan(t.Context(), caller(modID, globalRole), strangerID, "raid")
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgGlobalFlagFailed, reply.Content)
	assert.Empty(t, f.platform.CallsFor("ban"))
}

func TestLocalActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply, err := f.service.LocalKick(t.Context(), caller(modID, globalRole), strangerID, "spam")
	require.NoError(t, err)
	assert.Equal(t, "Locally kicked <@2> from Zion.", reply.Content)

	kicks := f.notifier.On(notify.ChannelLocalKick)
	require.Len(t, kicks, 1)
	assert.Contains(t, kicks[0].Content, "**Local Kick executed for <@2> (ID: 2) in Zion.**")
	assert.Contains(t, kicks[0].Content, "**Reason:** spam")

	// The member is gone now, so a second kick fails.
	reply, err = f.service.LocalKick(t.Context(), caller(modID, globalRole), strangerID, "spam")
	require.NoError(t, err)
	assert.Equal(t, "Error: <@2> is not a member of this server.", reply.Content)

	reply, err = f.service.LocalBan(t.Context(), caller(modID, globalRole), strangerID, "spam")
	require.NoError(t, err)
	assert.Equal(t, "Locally banned <@2> from Zion.", reply.Content)
	assert.True(t, f.platform.IsBanned(guildID, strangerID))
	assert.Len(t, f.notifier.On(notify.ChannelLocalBan), 1)

	// Local bans never touch the global flag.
	_, err = f.store.GetUser(t.Context(), strangerID)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)

	f.platform.FailGuild(guildID, platform.ErrForbidden)
	reply, err = f.service.LocalBan(t.Context(), caller(modID, globalRole), ownerID, "nope")
	require.NoError(t, err)
	assert.Equal(t, "Error: missing permission to ban <@1>.", reply.Content)
	assert.Len(t, f.notifier.On(notify.ChannelLocalBan), 1)
}

func TestReportUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply, err := f.service.ReportUser(t.Context(), caller(strangerID), modID, "harassment", "#general")
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgReportSubmitted, reply.Content)

	reports := f.notifier.On(notify.ChannelReport)
	require.Len(t, reports, 1)
	assert.Equal(t,
		"**User Report Received**\n\n"+
			"**Reported User:** <@3> (ID: 3)\n"+
			"**Reported By:** <@2> (ID: 2)\n"+
			"**Location:** #general\n"+
			"**Reason:** harassment",
		reports[0].Content)
}

func TestSearchUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Setup(t.Context(), caller(ownerID), setupParams())
	require.NoError(t, err)
	require.NoError(t, f.store.SetGlobalBanned(t.Context(), strangerID, true))

	reply, err := f.service.SearchUser(t.Context(), caller(modID, localRole), "stranger")
	require.NoError(t, err)
	assert.Equal(t, "Access Denied: You do not have permission to use this command.", reply.Content)

	reply, err = f.service.SearchUser(t.Context(), caller(modID, globalRole), "STRANGER")
	require.NoError(t, err)

	user, err := f.store.GetUser(t.Context(), strangerID)
	require.NoError(t, err)
	assert.Equal(t, moderation.FormatUserLine(user), reply.Content)
	assert.Contains(t, reply.Content, "User_ID: 2 | User_Name: stranger#0001 | Account_Age: ")
	assert.True(t, strings.HasSuffix(reply.Content, "| Global_Banned: True"))

	reply, err = f.service.SearchUser(t.Context(), caller(modID, globalRole), "nobody")
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgNoMatches, reply.Content)

	f.store.FailOn(ledgertest.OpFindUsers, errors.New("timeout"))
	reply, err = f.service.SearchUser(t.Context(), caller(modID, globalRole), "stranger")
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgSearchFailed, reply.Content)
}

func TestFormatUserLine(t *testing.T) {
	t.Parallel()

	line := moderation.FormatUserLine(&types.User{
		UserID:      42,
		DisplayName: "alice#0420",
		CreatedAt:   time.Date(2019, 4, 5, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "User_ID: 42 | User_Name: alice#0420 | Account_Age: 2019-04-05 | Global_Banned: False", line)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := range 5 {
		f.platform.AddMessages(channelID, platform.Message{
			ID:        uint64(900 + i),
			AuthorID:  strangerID,
			Author:    "stranger#0001",
			Content:   "line one\nline two",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	c := caller(modID)

	reply, err := f.service.Purge(t.Context(), c, channelID, 3)
	require.NoError(t, err)
	assert.Equal(t, moderation.MsgPurgePermission, reply.Content)

	c.Permissions.ManageMessages = true

	for _, limit := range []int{0, 1001} {
		reply, err = f.service.Purge(t.Context(), c, channelID, limit)
		require.NoError(t, err)
		assert.Equal(t, moderation.MsgPurgeLimit, reply.Content)
	}

	reply, err = f.service.Purge(t.Context(), c, channelID, 3)
	require.NoError(t, err)
	assert.Equal(t, "Purged 3 messages from <#700>.", reply.Content)
	assert.Len(t, f.platform.ChannelMessages(channelID), 2)

	sent := f.notifier.On(notify.ChannelPurge)
	require.Len(t, sent, 1)
	assert.Equal(t, "Purged 3 messages from <#700>. Log file attached:", sent[0].Content)
	require.Len(t, sent[0].Files, 1)
	assert.Regexp(t, `^purged_messages_\d{8}_\d{6}\.csv$`, sent[0].Files[0].Name)

	rows, err := csv.NewReader(bytes.NewReader(sent[0].Files[0].Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Timestamp", "Author", "Author ID", "Content"}, rows[0])
	assert.Equal(t, []string{"2025-01-02 03:08:05", "stranger#0001", "2", `line one\nline two`}, rows[1])
}

func TestPurgeDeleteFailure(t *testing.T) {
	t.Parallel()

	errBulk := errors.New("bulk delete rejected")

	tests := []struct {
		name       string
		deleteOK   int
		wantReply  string
		wantLeft   int
		wantLogged []string
	}{
		{
			name:       "second batch fails",
			deleteOK:   2,
			wantReply:  "Purged 2 of 5 messages from <#700> before an error stopped the purge.",
			wantLeft:   3,
			wantLogged: []string{"2025-01-02 03:08:05", "2025-01-02 03:07:05"},
		},
		{
			name:      "nothing deleted",
			deleteOK:  0,
			wantReply: moderation.MsgPurgeFailed,
			wantLeft:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := range 5 {
				f.platform.AddMessages(channelID, platform.Message{
					ID:        uint64(900 + i),
					AuthorID:  strangerID,
					Author:    "stranger#0001",
					Content:   "spam",
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
			}

			f.platform.FailDeleteAfter(tt.deleteOK, errBulk)

			c := caller(modID)
			c.Permissions.ManageMessages = true

			reply, err := f.service.Purge(t.Context(), c, channelID, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReply, reply.Content)
			assert.Len(t, f.platform.ChannelMessages(channelID), tt.wantLeft)

			sent := f.notifier.On(notify.ChannelPurge)
			if len(tt.wantLogged) == 0 {
				assert.Empty(t, sent)
				return
			}

			require.Len(t, sent, 1)
			assert.Equal(t, tt.wantReply+" Log file attached:", sent[0].Content)

			rows, err := csv.NewReader(bytes.NewReader(sent[0].Files[0].Data)).ReadAll()
			require.NoError(t, err)
			require.Len(t, rows, len(tt.wantLogged)+1)

			for i, ts := range tt.wantLogged {
				assert.Equal(t, ts, rows[i+1][0])
			}
		})
	}
}

func TestAvatarChanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.service.AvatarChanged(5, "https://cdn.example/avatar.png")

	sent := f.notifier.On(notify.ChannelAvatar)
	require.Len(t, sent, 1)
	assert.Equal(t, "<@5> changed their profile picture.\nhttps://cdn.example/avatar.png", sent[0].Content)
}
