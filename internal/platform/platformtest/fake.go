// Package platformtest provides an in-memory platform for tests.
package platformtest

import (
	"context"
	"slices"
	"sync"

	"github.com/zionsgate/gatekeeper/internal/platform"
)

// Call records one action performed against the fake.
type Call struct {
	Op      string
	GuildID uint64
	UserID  uint64
	Reason  string
}

// Fake is an in-memory platform.Platform. Bans are tracked per guild so
// Unban reports platform.ErrNotFound like the real platform.
type Fake struct {
	mu       sync.Mutex
	guilds   []platform.Guild
	members  map[uint64][]platform.Member
	profiles map[uint64]platform.Profile
	bans     map[uint64]map[uint64]bool
	messages map[uint64][]platform.Message
	failures map[uint64]error
	calls    []Call

	deleteLimit int
	deleteErr   error

	// GuildsErr is returned by Guilds when set.
	GuildsErr error
	// LookupErr is returned by LookupUser when set.
	LookupErr error
}

var _ platform.Platform = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		members:  make(map[uint64][]platform.Member),
		profiles: make(map[uint64]platform.Profile),
		bans:     make(map[uint64]map[uint64]bool),
		messages: make(map[uint64][]platform.Message),
		failures: make(map[uint64]error),
	}
}

// AddGuild makes a guild visible.
func (f *Fake) AddGuild(guild platform.Guild, members ...platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.guilds = append(f.guilds, guild)
	f.members[guild.ID] = members
	f.bans[guild.ID] = make(map[uint64]bool)
}

// AddProfile makes a user resolvable through LookupUser.
func (f *Fake) AddProfile(profile platform.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.profiles[profile.ID] = profile
}

// AddMessages appends messages to a channel, oldest first.
func (f *Fake) AddMessages(channelID uint64, messages ...platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages[channelID] = append(f.messages[channelID], messages...)
}

// FailGuild makes every action in the guild return err.
func (f *Fake) FailGuild(guildID uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[guildID] = err
}

// FailDeleteAfter makes DeleteMessages remove at most n messages per call and
// then return err, like a bulk delete failing part way through.
func (f *Fake) FailDeleteAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteLimit = n
	f.deleteErr = err
}

// SetBanned records an existing ban.
func (f *Fake) SetBanned(guildID, userID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ban(guildID, userID)
}

// IsBanned reports whether the user is banned in the guild.
func (f *Fake) IsBanned(guildID, userID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.bans[guildID][userID]
}

// Calls returns the recorded actions.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls)
}

// CallsFor returns the recorded actions with the given op.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}

	return out
}

// ChannelMessages returns the messages still present in a channel.
func (f *Fake) ChannelMessages(channelID uint64) []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.messages[channelID])
}

func (f *Fake) Guilds(_ context.Context) ([]platform.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GuildsErr != nil {
		return nil, f.GuildsErr
	}

	return slices.Clone(f.guilds), nil
}

func (f *Fake) Guild(_ context.Context, guildID uint64) (platform.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, g := range f.guilds {
		if g.ID == guildID {
			return g, nil
		}
	}

	return platform.Guild{}, platform.ErrNotFound
}

func (f *Fake) Members(_ context.Context, guildID uint64) ([]platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failures[guildID]; err != nil {
		return nil, err
	}

	return slices.Clone(f.members[guildID]), nil
}

func (f *Fake) LookupUser(_ context.Context, userID uint64) (platform.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LookupErr != nil {
		return platform.Profile{}, f.LookupErr
	}

	profile, ok := f.profiles[userID]
	if !ok {
		return platform.Profile{}, platform.ErrNotFound
	}

	return profile, nil
}

func (f *Fake) Ban(_ context.Context, guildID, userID uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "ban", GuildID: guildID, UserID: userID, Reason: reason})
	if err := f.failures[guildID]; err != nil {
		return err
	}

	f.ban(guildID, userID)
	f.removeMember(guildID, userID)

	return nil
}

func (f *Fake) Unban(_ context.Context, guildID, userID uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "unban", GuildID: guildID, UserID: userID, Reason: reason})
	if err := f.failures[guildID]; err != nil {
		return err
	}

	if !f.bans[guildID][userID] {
		return platform.ErrNotFound
	}

	delete(f.bans[guildID], userID)

	return nil
}

func (f *Fake) Kick(_ context.Context, guildID, userID uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "kick", GuildID: guildID, UserID: userID, Reason: reason})
	if err := f.failures[guildID]; err != nil {
		return err
	}

	if !f.removeMember(guildID, userID) {
		return platform.ErrNotFound
	}

	return nil
}

func (f *Fake) Messages(_ context.Context, channelID uint64, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := f.messages[channelID]
	out := make([]platform.Message, 0, min(limit, len(stored)))

	for i := len(stored) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, stored[i])
	}

	return out, nil
}

func (f *Fake) DeleteMessages(_ context.Context, channelID uint64, messageIDs []uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := messageIDs
	if f.deleteErr != nil && len(ids) > f.deleteLimit {
		ids = ids[:f.deleteLimit]
	}

	deleted := make([]uint64, 0, len(ids))
	f.messages[channelID] = slices.DeleteFunc(f.messages[channelID], func(m platform.Message) bool {
		if slices.Contains(ids, m.ID) {
			deleted = append(deleted, m.ID)
			return true
		}

		return false
	})

	if len(ids) < len(messageIDs) {
		return deleted, f.deleteErr
	}

	return deleted, nil
}

func (f *Fake) ban(guildID, userID uint64) {
	if f.bans[guildID] == nil {
		f.bans[guildID] = make(map[uint64]bool)
	}

	f.bans[guildID][userID] = true
}

func (f *Fake) removeMember(guildID, userID uint64) bool {
	before := len(f.members[guildID])
	f.members[guildID] = slices.DeleteFunc(f.members[guildID], func(m platform.Member) bool {
		return m.ID == userID
	})

	return len(f.members[guildID]) < before
}

// Member builds a human member with the given name.
func Member(id uint64, username string, roleIDs ...uint64) platform.Member {
	discriminator := "0001"

	return platform.Member{
		Profile: platform.Profile{
			ID:            id,
			Username:      &username,
			Discriminator: &discriminator,
		},
		RoleIDs: roleIDs,
	}
}

// BotMember builds an automated member.
func BotMember(id uint64, username string) platform.Member {
	m := Member(id, username)
	m.Bot = true

	return m
}
