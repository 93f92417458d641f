package bot

import (
	"context"

	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/moderation"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
)

// maxMessageLength is the longest interaction reply Discord accepts.
const maxMessageLength = 2000

// Replies produced by the router itself.
const (
	MsgUnexpectedError = "An unexpected error occurred."
	MsgUnknownCommand  = "This command is not available."
	MsgSynced          = "Commands synced for this guild."
	MsgSyncFailed      = "Failed to sync commands."
	MsgSyncPermission  = "Access Denied: You need the Administrator permission to use this command."
)

// CommandSyncer re-registers the commands of one guild.
type CommandSyncer func(ctx context.Context, guildID uint64) error

// Moderator runs the command bodies. *moderation.Service implements it.
type Moderator interface {
	Setup(ctx context.Context, caller moderation.Caller, params moderation.SetupParams) (moderation.Reply, error)
	GlobalBan(ctx context.Context, caller moderation.Caller, userID uint64, reason string) (moderation.Reply, error)
	GlobalUnban(ctx context.Context, caller moderation.Caller, userID uint64) (moderation.Reply, error)
	LocalBan(ctx context.Context, caller moderation.Caller, userID uint64, reason string) (moderation.Reply, error)
	LocalKick(ctx context.Context, caller moderation.Caller, userID uint64, reason string) (moderation.Reply, error)
	ReportUser(
		ctx context.Context, caller moderation.Caller, userID uint64, reason, location string,
	) (moderation.Reply, error)
	SearchUser(ctx context.Context, caller moderation.Caller, query string) (moderation.Reply, error)
	Purge(ctx context.Context, caller moderation.Caller, channelID uint64, limit int) (moderation.Reply, error)
}

var _ Moderator = (*moderation.Service)(nil)

// GuildLookup resolves a guild the gateway cache does not hold.
type GuildLookup interface {
	Guild(ctx context.Context, guildID uint64) (platform.Guild, error)
}

// Router turns a command invocation into the reply shown to the invoker.
type Router struct {
	service      Moderator
	access       *access.Engine
	syncer       *membership.Syncer
	guilds       GuildLookup
	syncCommands CommandSyncer
	logger       *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(
	service Moderator,
	engine *access.Engine,
	syncer *membership.Syncer,
	guilds GuildLookup,
	syncCommands CommandSyncer,
	logger *zap.Logger,
) *Router {
	return &Router{
		service:      service,
		access:       engine,
		syncer:       syncer,
		guilds:       guilds,
		syncCommands: syncCommands,
		logger:       logger.Named("router"),
	}
}

// Route runs one command and returns its reply. Errors and panics in a
// command body are logged and reported to the invoker as MsgUnexpectedError.
func (r *Router) Route(ctx context.Context, command string, caller moderation.Caller, opts Options) (reply string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic while handling command",
				zap.String("command", command),
				zap.Uint64("guildID", caller.GuildID),
				zap.Uint64("userID", caller.UserID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			reply = MsgUnexpectedError
		}
	}()

	if command == CommandSync {
		return truncate(r.sync(ctx, caller))
	}

	caller = r.resolveGuildName(ctx, caller)

	// Any invocation from a guild registers it.
	if caller.GuildID != 0 {
		guild := platform.Guild{ID: caller.GuildID, Name: caller.GuildName}
		if err := r.syncer.RegisterCommunity(ctx, guild); err != nil {
			r.logger.Warn("Failed to register community",
				zap.Uint64("guildID", caller.GuildID),
				zap.Error(err))
		}
	}

	decision := r.access.Check(ctx, caller.Invocation(command))
	if !decision.IsAllowed() {
		r.logger.Debug("Command rejected",
			zap.String("command", command),
			zap.Uint64("userID", caller.UserID),
			zap.Stringer("verdict", decision.Verdict),
			zap.String("reason", string(decision.Reason)))
		return truncate(decision.Message())
	}

	result, err := r.dispatch(ctx, command, caller, opts)
	if err != nil {
		r.logger.Error("Command failed",
			zap.String("command", command),
			zap.Uint64("guildID", caller.GuildID),
			zap.Uint64("userID", caller.UserID),
			zap.Error(err))
		return MsgUnexpectedError
	}

	return truncate(result.Content)
}

// resolveGuildName fills in the guild name when the gateway cache missed it.
func (r *Router) resolveGuildName(ctx context.Context, caller moderation.Caller) moderation.Caller {
	if caller.GuildID == 0 || caller.GuildName != "" {
		return caller
	}

	guild, err := r.guilds.Guild(ctx, caller.GuildID)
	if err != nil {
		r.logger.Warn("Failed to resolve guild name",
			zap.Uint64("guildID", caller.GuildID),
			zap.Error(err))
		return caller
	}

	caller.GuildName = guild.Name

	return caller
}

func (r *Router) dispatch(
	ctx context.Context, command string, caller moderation.Caller, opts Options,
) (moderation.Reply, error) {
	switch command {
	case access.CommandSetup:
		return r.service.Setup(ctx, caller, setupParams(opts))
	case access.CommandGlobalBan:
		return r.service.GlobalBan(ctx, caller, snowflakeOpt(opts, OptUser), stringOpt(opts, OptReason))
	case access.CommandGlobalUnban:
		return r.service.GlobalUnban(ctx, caller, snowflakeOpt(opts, OptUser))
	case access.CommandLocalBan:
		return r.service.LocalBan(ctx, caller, snowflakeOpt(opts, OptUser), stringOpt(opts, OptReason))
	case access.CommandLocalKick:
		return r.service.LocalKick(ctx, caller, snowflakeOpt(opts, OptUser), stringOpt(opts, OptReason))
	case access.CommandReportUser:
		return r.service.ReportUser(ctx, caller,
			snowflakeOpt(opts, OptUser), stringOpt(opts, OptReason), stringOpt(opts, OptLocation))
	case access.CommandSearchUser:
		return r.service.SearchUser(ctx, caller, stringOpt(opts, OptQuery))
	case access.CommandPurge:
		limit, _ := opts.OptInt(OptLimit)
		return r.service.Purge(ctx, caller, snowflakeOpt(opts, OptChannel), limit)
	default:
		return moderation.Reply{Content: MsgUnknownCommand}, nil
	}
}

func (r *Router) sync(ctx context.Context, caller moderation.Caller) string {
	if caller.GuildID == 0 {
		return moderation.MsgGuildOnly
	}

	if !caller.Permissions.Administrator {
		return MsgSyncPermission
	}

	if err := r.syncCommands(ctx, caller.GuildID); err != nil {
		r.logger.Error("Failed to sync guild commands",
			zap.Uint64("guildID", caller.GuildID),
			zap.Error(err))
		return MsgSyncFailed
	}

	return MsgSynced
}

// truncate cuts content to the message size limit.
func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= maxMessageLength {
		return content
	}

	return string(runes[:maxMessageLength-1]) + "…"
}
