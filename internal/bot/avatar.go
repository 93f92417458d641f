package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/zionsgate/gatekeeper/internal/dedupe"
	"github.com/zionsgate/gatekeeper/internal/moderation"
	"go.uber.org/zap"
)

// AvatarChange is a profile picture update seen on the gateway.
type AvatarChange struct {
	UserID uint64
	// Old and New are avatar hashes; nil means the default avatar.
	Old *string
	New *string
	// URL is the effective avatar URL after the change.
	URL string
}

// Changed reports whether the avatar hash differs.
func (c AvatarChange) Changed() bool {
	switch {
	case c.Old == nil && c.New == nil:
		return false
	case c.Old == nil || c.New == nil:
		return true
	default:
		return *c.Old != *c.New
	}
}

func (c AvatarChange) key() string {
	hash := "default"
	if c.New != nil {
		hash = *c.New
	}

	return fmt.Sprintf("avatar:%d:%s", c.UserID, hash)
}

// AvatarWatcher announces avatar changes once per user and hash. The same
// change arrives once for every guild the user shares with the bot.
type AvatarWatcher struct {
	window  dedupe.Window
	ttl     time.Duration
	service *moderation.Service
	logger  *zap.Logger
}

// NewAvatarWatcher creates an AvatarWatcher.
func NewAvatarWatcher(window dedupe.Window, ttl time.Duration, service *moderation.Service, logger *zap.Logger) *AvatarWatcher {
	return &AvatarWatcher{
		window:  window,
		ttl:     ttl,
		service: service,
		logger:  logger.Named("avatar"),
	}
}

// Observe handles a change and reports whether a notification was sent.
func (w *AvatarWatcher) Observe(ctx context.Context, change AvatarChange) bool {
	if !change.Changed() {
		return false
	}

	claimed, err := w.window.Claim(ctx, change.key(), w.ttl)
	if err != nil {
		// Fail open on store errors.
		w.logger.Warn("Failed to claim avatar change", zap.Uint64("userID", change.UserID), zap.Error(err))
		claimed = true
	}

	if !claimed {
		return false
	}

	w.service.AvatarChanged(change.UserID, change.URL)
	return true
}
