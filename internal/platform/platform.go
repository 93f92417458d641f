// Package platform describes the chat-platform primitives the moderation core depends on.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the target of an action does not exist,
	// such as unbanning a user with no active ban.
	ErrNotFound = errors.New("not found on platform")
	// ErrForbidden is returned when the bot lacks permission for an action.
	ErrForbidden = errors.New("forbidden by platform")
)

// Guild is a community visible to the bot.
type Guild struct {
	ID      uint64
	Name    string
	OwnerID uint64
}

// Member is a guild member as reported by the platform.
type Member struct {
	Profile
	RoleIDs []uint64
}

// Profile carries the optional user fields a platform may report.
// Nil fields were not available.
type Profile struct {
	ID            uint64
	Username      *string
	Discriminator *string
	Bot           bool
	CreatedAt     time.Time
	AvatarURL     *string
}

// Message is a channel message considered for purging.
type Message struct {
	ID        uint64
	AuthorID  uint64
	Author    string
	Content   string
	CreatedAt time.Time
}

// Platform is the set of remote actions the bot performs. Implementations
// translate platform errors into ErrNotFound and ErrForbidden where they apply.
type Platform interface {
	// Guilds lists every community the bot can currently see.
	Guilds(ctx context.Context) ([]Guild, error)
	// Guild returns a single community, including its owner.
	Guild(ctx context.Context, guildID uint64) (Guild, error)
	// Members lists every member of a community.
	Members(ctx context.Context, guildID uint64) ([]Member, error)
	// LookupUser resolves a user profile by ID.
	LookupUser(ctx context.Context, userID uint64) (Profile, error)

	// Ban bans a user by ID; membership is not required.
	Ban(ctx context.Context, guildID, userID uint64, reason string) error
	// Unban lifts a ban. Returns ErrNotFound if no ban exists.
	Unban(ctx context.Context, guildID, userID uint64, reason string) error
	// Kick removes a member from a community.
	Kick(ctx context.Context, guildID, userID uint64, reason string) error

	// Messages returns up to limit of the most recent messages in a channel, newest first.
	Messages(ctx context.Context, channelID uint64, limit int) ([]Message, error)
	// DeleteMessages deletes the given messages from a channel and returns the
	// IDs that were removed. On error the returned IDs are those removed before
	// the failure.
	DeleteMessages(ctx context.Context, channelID uint64, messageIDs []uint64) ([]uint64, error)
}
