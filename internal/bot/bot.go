// Package bot connects the moderation service to the Discord gateway.
package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/dedupe"
	discordplatform "github.com/zionsgate/gatekeeper/internal/discord"
	"github.com/zionsgate/gatekeeper/internal/globalban"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/moderation"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
)

// eventTimeout bounds the work done for a single gateway event.
const eventTimeout = 2 * time.Minute

// Bot handles the gateway connection and dispatches events to the moderation core.
type Bot struct {
	client  bot.Client
	cfg     config.Discord
	router  *Router
	syncer  *membership.Syncer
	avatars *AvatarWatcher
	tasks   *taskRunner
	logger  *zap.Logger
}

// New creates a Bot and wires the moderation core on top of a disgo client.
func New(
	cfg *config.Config,
	store ledger.Store,
	window dedupe.Window,
	notifier notify.Notifier,
	logger *zap.Logger,
) (*Bot, error) {
	b := &Bot{
		cfg:    cfg.Discord,
		logger: logger.Named("bot"),
	}
	b.tasks = newTaskRunner(eventTimeout, b.logger)

	client, err := disgo.New(cfg.Env.BotToken,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildMessages,
			),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnApplicationCommandInteraction: b.handleApplicationCommandInteraction,
			OnGuildReady:                    b.handleGuildReady,
			OnGuildJoin:                     b.handleGuildJoin,
			OnGuildsReady:                   b.handleGuildsReady,
			OnGuildMemberJoin:               b.handleGuildMemberJoin,
			OnGuildMemberUpdate:             b.handleGuildMemberUpdate,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	adapter := discordplatform.NewAdapter(client, logger)
	engine := access.NewEngine(store, logger)
	syncer := membership.New(store, adapter, logger)
	service := moderation.New(moderation.Dependencies{
		Store:       store,
		Platform:    adapter,
		Access:      engine,
		Coordinator: globalban.New(store, adapter, notifier, cfg.GlobalBan.MaxConcurrency, logger),
		Syncer:      syncer,
		Notifier:    notifier,
	}, logger)

	b.client = client
	b.syncer = syncer
	b.router = NewRouter(service, engine, syncer, adapter, b.syncGuildCommands, logger)
	b.avatars = NewAvatarWatcher(window,
		time.Duration(cfg.Discord.AvatarDedupMinutes)*time.Minute, service, logger)

	return b, nil
}

// Start registers the slash commands and opens the gateway connection.
func (b *Bot) Start(ctx context.Context) error {
	if b.cfg.RegisterCommands {
		if err := b.registerCommands(ctx); err != nil {
			return err
		}
	}

	b.logger.Info("Starting bot")
	if err := b.client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	return nil
}

// Close shuts down the gateway connection and waits for running handlers.
func (b *Bot) Close(ctx context.Context) {
	b.logger.Info("Closing bot")
	b.client.Close(ctx)

	if err := b.tasks.Wait(ctx); err != nil {
		b.logger.Warn("Event handlers still running at shutdown", zap.Error(err))
	}
}

func (b *Bot) registerCommands(ctx context.Context) error {
	if b.cfg.DevGuildID != 0 {
		b.logger.Info("Registering guild commands", zap.Uint64("guildID", b.cfg.DevGuildID))
		return b.syncGuildCommands(ctx, b.cfg.DevGuildID)
	}

	b.logger.Info("Registering global commands")
	if _, err := b.client.Rest().SetGlobalCommands(b.client.ApplicationID(), Commands(), rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	return nil
}

func (b *Bot) syncGuildCommands(ctx context.Context, guildID uint64) error {
	_, err := b.client.Rest().SetGuildCommands(b.client.ApplicationID(), snowflake.ID(guildID), Commands(), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to register guild commands: %w", err)
	}

	return nil
}

// handleApplicationCommandInteraction defers the response and runs the command off the gateway goroutine.
func (b *Bot) handleApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	data, ok := event.Data.(discord.SlashCommandInteractionData)
	if !ok {
		return
	}

	b.tasks.Go("command "+data.CommandName(), func(ctx context.Context) {
		if err := event.DeferCreateMessage(true); err != nil {
			b.logger.Error("Failed to defer create message", zap.Error(err))
			return
		}

		start := time.Now()
		content := b.router.Route(ctx, data.CommandName(), b.caller(event), data)

		b.respond(event, content)
		b.logger.Debug("Application command interaction handled",
			zap.String("command", data.CommandName()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (b *Bot) respond(event *events.ApplicationCommandInteractionCreate, content string) {
	_, err := event.Client().Rest().UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(content).Build())
	if err != nil {
		b.logger.Error("Failed to update interaction response", zap.Error(err))
	}
}

// caller describes the invoker of an interaction.
func (b *Bot) caller(event *events.ApplicationCommandInteractionCreate) moderation.Caller {
	caller := moderation.Caller{
		ChannelID: uint64(event.Channel().ID()),
		UserID:    uint64(event.User().ID),
	}

	guildID := event.GuildID()
	if guildID == nil {
		return caller
	}

	caller.GuildID = uint64(*guildID)
	if guild, ok := b.client.Caches().Guild(*guildID); ok {
		caller.GuildName = guild.Name
	}

	if member := event.Member(); member != nil {
		caller.RoleIDs = make([]uint64, len(member.RoleIDs))
		for i, id := range member.RoleIDs {
			caller.RoleIDs[i] = uint64(id)
		}

		caller.Permissions = moderation.Permissions{
			ManageMessages: member.Permissions.Has(discord.PermissionManageMessages),
			Administrator:  member.Permissions.Has(discord.PermissionAdministrator),
		}
	}

	return caller
}

func (b *Bot) handleGuildReady(event *events.GuildReady) {
	guild := event.Guild
	b.tasks.Go("guild ready", func(ctx context.Context) { b.registerGuild(ctx, guild) })
}

func (b *Bot) handleGuildJoin(event *events.GuildJoin) {
	guild := event.Guild
	b.tasks.Go("guild join", func(ctx context.Context) { b.registerGuild(ctx, guild) })
}

func (b *Bot) registerGuild(ctx context.Context, guild discord.Guild) {
	err := b.syncer.RegisterCommunity(ctx, platform.Guild{
		ID:      uint64(guild.ID),
		Name:    guild.Name,
		OwnerID: uint64(guild.OwnerID),
	})
	if err != nil {
		b.logger.Error("Failed to register guild",
			zap.Uint64("guildID", uint64(guild.ID)),
			zap.Error(err))
	}
}

// handleGuildsReady runs the startup scan once every guild of the shard is available.
func (b *Bot) handleGuildsReady(_ *events.GuildsReady) {
	if !b.cfg.StartupScan {
		return
	}

	go func() {
		if err := b.syncer.StartupScan(context.Background()); err != nil {
			b.logger.Error("Startup scan failed", zap.Error(err))
		}
	}()
}

func (b *Bot) handleGuildMemberJoin(event *events.GuildMemberJoin) {
	guild := platform.Guild{ID: uint64(event.GuildID)}
	if cached, ok := b.client.Caches().Guild(event.GuildID); ok {
		guild.Name = cached.Name
		guild.OwnerID = uint64(cached.OwnerID)
	}

	member := platform.Member{Profile: discordplatform.ToProfile(event.Member.User)}
	for _, id := range event.Member.RoleIDs {
		member.RoleIDs = append(member.RoleIDs, uint64(id))
	}

	b.tasks.Go("member join", func(ctx context.Context) {
		if err := b.syncer.OnJoin(ctx, guild, member); err != nil {
			b.logger.Error("Failed to handle member join",
				zap.Uint64("guildID", guild.ID),
				zap.Uint64("userID", member.ID),
				zap.Error(err))
		}
	})
}

func (b *Bot) handleGuildMemberUpdate(event *events.GuildMemberUpdate) {
	// The previous state is unknown when the member was not cached.
	if event.OldMember.User.ID == 0 {
		return
	}

	user := event.Member.User
	if user.Bot {
		return
	}

	change := AvatarChange{
		UserID: uint64(user.ID),
		Old:    event.OldMember.User.Avatar,
		New:    user.Avatar,
		URL:    user.EffectiveAvatarURL(),
	}

	b.tasks.Go("member update", func(ctx context.Context) {
		b.avatars.Observe(ctx, change)
	})
}
