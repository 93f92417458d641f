package bot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/bot"
	"github.com/zionsgate/gatekeeper/internal/dedupe"
	"github.com/zionsgate/gatekeeper/internal/globalban"
	"github.com/zionsgate/gatekeeper/internal/ledger/ledgertest"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/moderation"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/notify/notifytest"
	"github.com/zionsgate/gatekeeper/internal/platform/platformtest"
	"go.uber.org/zap/zaptest"
)

type failingWindow struct{}

func (failingWindow) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func newWatcher(t *testing.T, window dedupe.Window) (*bot.AvatarWatcher, *notifytest.Recorder) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := ledgertest.NewStore(t)
	fake := platformtest.New()
	recorder := &notifytest.Recorder{}

	service := moderation.New(moderation.Dependencies{
		Store:       store,
		Platform:    fake,
		Access:      access.NewEngine(store, logger),
		Coordinator: globalban.New(store, fake, recorder, 1, logger),
		Syncer:      membership.New(store, fake, logger),
		Notifier:    recorder,
	}, logger)

	return bot.NewAvatarWatcher(window, 10*time.Minute, service, logger), recorder
}

func hash(s string) *string {
	return &s
}

func TestAvatarChangeChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		before, after *string
		want          bool
	}{
		{name: "both default", want: false},
		{name: "same hash", before: hash("a"), after: hash("a"), want: false},
		{name: "new hash", before: hash("a"), after: hash("b"), want: true},
		{name: "first custom avatar", after: hash("b"), want: true},
		{name: "reset to default", before: hash("a"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			change := bot.AvatarChange{UserID: 1, Old: tt.before, New: tt.after}
			assert.Equal(t, tt.want, change.Changed())
		})
	}
}

func TestAvatarWatcherDeduplicates(t *testing.T) {
	t.Parallel()

	watcher, recorder := newWatcher(t, dedupe.NewMemory())
	change := bot.AvatarChange{
		UserID: 42,
		Old:    hash("old"),
		New:    hash("new"),
		URL:    "https://cdn.discordapp.com/avatars/42/new.png",
	}

	// The same change arrives once per shared guild.
	assert.True(t, watcher.Observe(t.Context(), change))
	assert.False(t, watcher.Observe(t.Context(), change))

	// A different user with the same hash is announced.
	other := change
	other.UserID = 43
	assert.True(t, watcher.Observe(t.Context(), other))

	// Unchanged avatars are ignored.
	assert.False(t, watcher.Observe(t.Context(), bot.AvatarChange{UserID: 44, Old: hash("x"), New: hash("x")}))

	sent := recorder.On(notify.ChannelAvatar)
	require.Len(t, sent, 2)
	assert.Equal(t, "<@42> changed their profile picture.\nhttps://cdn.discordapp.com/avatars/42/new.png", sent[0].Content)
	assert.Equal(t, "<@43> changed their profile picture.\nhttps://cdn.discordapp.com/avatars/42/new.png", sent[1].Content)
}

func TestAvatarWatcherFailsOpen(t *testing.T) {
	t.Parallel()

	watcher, recorder := newWatcher(t, failingWindow{})
	change := bot.AvatarChange{UserID: 42, Old: hash("old"), New: hash("new")}

	assert.True(t, watcher.Observe(t.Context(), change))
	assert.True(t, watcher.Observe(t.Context(), change))
	assert.Len(t, recorder.On(notify.ChannelAvatar), 2)
}
