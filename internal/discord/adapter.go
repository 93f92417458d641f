// Package discord implements the platform primitives on top of disgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// membersPageSize is the maximum page size of the list members endpoint.
	membersPageSize = 1000
	// messagesPageSize is the maximum page size of the channel messages endpoint.
	messagesPageSize = 100
	// bulkDeleteMaxAge is the oldest message the bulk delete endpoint accepts.
	bulkDeleteMaxAge = 14 * 24 * time.Hour
)

// JSON error codes returned by the Discord API.
const (
	codeUnknownMember = 10007
	codeUnknownUser   = 10013
	codeUnknownBan    = 10026
	codeMissingAccess = 50001
	codeMissingPerms  = 50013
)

// Adapter is a platform.Platform backed by a disgo client.
type Adapter struct {
	client  bot.Client
	lookups singleflight.Group
	logger  *zap.Logger
}

var _ platform.Platform = (*Adapter)(nil)

// NewAdapter creates an Adapter for the given client.
func NewAdapter(client bot.Client, logger *zap.Logger) *Adapter {
	return &Adapter{
		client: client,
		logger: logger.Named("discord_platform"),
	}
}

// Guilds lists the guilds in the gateway cache.
func (a *Adapter) Guilds(_ context.Context) ([]platform.Guild, error) {
	var guilds []platform.Guild

	a.client.Caches().GuildsForEach(func(guild discord.Guild) {
		guilds = append(guilds, platform.Guild{
			ID:      uint64(guild.ID),
			Name:    guild.Name,
			OwnerID: uint64(guild.OwnerID),
		})
	})

	return guilds, nil
}

// Guild returns a guild from the cache, falling back to the REST API.
func (a *Adapter) Guild(ctx context.Context, guildID uint64) (platform.Guild, error) {
	if guild, ok := a.client.Caches().Guild(snowflake.ID(guildID)); ok {
		return platform.Guild{ID: guildID, Name: guild.Name, OwnerID: uint64(guild.OwnerID)}, nil
	}

	guild, err := a.client.Rest().GetGuild(snowflake.ID(guildID), false, rest.WithCtx(ctx))
	if err != nil {
		return platform.Guild{}, fmt.Errorf("failed to get guild: %w", mapError(err))
	}

	return platform.Guild{ID: guildID, Name: guild.Name, OwnerID: uint64(guild.OwnerID)}, nil
}

// Members pages through every member of a guild.
func (a *Adapter) Members(ctx context.Context, guildID uint64) ([]platform.Member, error) {
	var (
		members []platform.Member
		after   snowflake.ID
	)

	for {
		chunk, err := a.client.Rest().GetMembers(snowflake.ID(guildID), membersPageSize, after, rest.WithCtx(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to get guild members: %w", mapError(err))
		}

		for _, member := range chunk {
			members = append(members, toMember(member))
		}

		// Fewer than a full page means this was the last one
		if len(chunk) < membersPageSize {
			break
		}

		after = chunk[len(chunk)-1].User.ID
	}

	a.logger.Debug("Fetched guild members",
		zap.Uint64("guildID", guildID),
		zap.Int("count", len(members)))

	return members, nil
}

// LookupUser resolves a user profile. Concurrent lookups of the same user share one request.
func (a *Adapter) LookupUser(ctx context.Context, userID uint64) (platform.Profile, error) {
	v, err, _ := a.lookups.Do(strconv.FormatUint(userID, 10), func() (any, error) {
		user, err := a.client.Rest().GetUser(snowflake.ID(userID), rest.WithCtx(ctx))
		if err != nil {
			return nil, err
		}

		return ToProfile(*user), nil
	})
	if err != nil {
		return platform.Profile{}, fmt.Errorf("failed to get user: %w", mapError(err))
	}

	return v.(platform.Profile), nil
}

// Ban bans a user from a guild without deleting their messages.
func (a *Adapter) Ban(ctx context.Context, guildID, userID uint64, reason string) error {
	err := a.client.Rest().AddBan(snowflake.ID(guildID), snowflake.ID(userID), 0,
		rest.WithCtx(ctx), rest.WithReason(reason))
	if err != nil {
		return fmt.Errorf("failed to ban user: %w", mapError(err))
	}

	return nil
}

// Unban lifts a ban.
func (a *Adapter) Unban(ctx context.Context, guildID, userID uint64, reason string) error {
	err := a.client.Rest().DeleteBan(snowflake.ID(guildID), snowflake.ID(userID),
		rest.WithCtx(ctx), rest.WithReason(reason))
	if err != nil {
		return fmt.Errorf("failed to unban user: %w", mapError(err))
	}

	return nil
}

// Kick removes a member from a guild.
func (a *Adapter) Kick(ctx context.Context, guildID, userID uint64, reason string) error {
	err := a.client.Rest().RemoveMember(snowflake.ID(guildID), snowflake.ID(userID),
		rest.WithCtx(ctx), rest.WithReason(reason))
	if err != nil {
		return fmt.Errorf("failed to kick member: %w", mapError(err))
	}

	return nil
}

// Messages returns up to limit recent messages of a channel, newest first.
func (a *Adapter) Messages(ctx context.Context, channelID uint64, limit int) ([]platform.Message, error) {
	var (
		messages []platform.Message
		before   snowflake.ID
	)

	for len(messages) < limit {
		page := min(limit-len(messages), messagesPageSize)

		chunk, err := a.client.Rest().GetMessages(snowflake.ID(channelID), 0, before, 0, page, rest.WithCtx(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to get messages: %w", mapError(err))
		}

		for _, message := range chunk {
			messages = append(messages, platform.Message{
				ID:        uint64(message.ID),
				AuthorID:  uint64(message.Author.ID),
				Author:    DisplayName(message.Author),
				Content:   message.Content,
				CreatedAt: message.CreatedAt,
			})
		}

		if len(chunk) < page {
			break
		}

		before = chunk[len(chunk)-1].ID
	}

	return messages, nil
}

// DeleteMessages deletes messages in batches of up to 100. Messages too old for
// the bulk endpoint, and batches of one, are deleted individually.
func (a *Adapter) DeleteMessages(ctx context.Context, channelID uint64, messageIDs []uint64) ([]uint64, error) {
	var (
		recent  []snowflake.ID
		old     []snowflake.ID
		deleted = make([]uint64, 0, len(messageIDs))
	)

	cutoff := time.Now().Add(-bulkDeleteMaxAge)
	for _, id := range messageIDs {
		sf := snowflake.ID(id)
		if sf.Time().Before(cutoff) {
			old = append(old, sf)
		} else {
			recent = append(recent, sf)
		}
	}

	for len(recent) > 0 {
		batch := recent[:min(len(recent), messagesPageSize)]
		recent = recent[len(batch):]

		if len(batch) == 1 {
			old = append(old, batch[0])
			continue
		}

		if err := a.client.Rest().BulkDeleteMessages(snowflake.ID(channelID), batch, rest.WithCtx(ctx)); err != nil {
			return deleted, fmt.Errorf("failed to bulk delete messages: %w", mapError(err))
		}

		for _, id := range batch {
			deleted = append(deleted, uint64(id))
		}
	}

	for _, id := range old {
		err := a.client.Rest().DeleteMessage(snowflake.ID(channelID), id, rest.WithCtx(ctx))
		if err != nil && !errors.Is(mapError(err), platform.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete message: %w", mapError(err))
		}

		if err == nil {
			deleted = append(deleted, uint64(id))
		}
	}

	return deleted, nil
}

// ToProfile converts a disgo user into a platform profile.
func ToProfile(user discord.User) platform.Profile {
	profile := platform.Profile{
		ID:        uint64(user.ID),
		Bot:       user.Bot,
		CreatedAt: user.CreatedAt(),
		AvatarURL: user.AvatarURL(),
	}

	if user.Username != "" {
		profile.Username = &user.Username
	}

	if user.Discriminator != "" {
		profile.Discriminator = &user.Discriminator
	}

	return profile
}

// DisplayName renders a disgo user the way the ledger stores names.
func DisplayName(user discord.User) string {
	return platform.DisplayName(ToProfile(user))
}

func toMember(member discord.Member) platform.Member {
	roleIDs := make([]uint64, len(member.RoleIDs))
	for i, id := range member.RoleIDs {
		roleIDs[i] = uint64(id)
	}

	return platform.Member{
		Profile: ToProfile(member.User),
		RoleIDs: roleIDs,
	}
}

// mapError classifies REST errors into the platform sentinels.
func mapError(err error) error {
	var restErr *rest.Error
	if !errors.As(err, &restErr) {
		return err
	}

	switch int(restErr.Code) {
	case codeUnknownBan, codeUnknownMember, codeUnknownUser:
		return fmt.Errorf("%w: %w", platform.ErrNotFound, err)
	case codeMissingAccess, codeMissingPerms:
		return fmt.Errorf("%w: %w", platform.ErrForbidden, err)
	}

	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", platform.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", platform.ErrForbidden, err)
		}
	}

	return err
}
