// Package moderation implements the bodies of the bot's slash commands.
//
// Commands reach the service only after the access engine allowed them. Each
// method returns the text shown to the invoker; an error is returned only for
// faults the invoker cannot act on.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/globalban"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"github.com/zionsgate/gatekeeper/internal/membership"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
)

// ErrExternalActionFailed is returned when the platform rejected a kick or ban.
var ErrExternalActionFailed = errors.New("platform action failed")

// User-visible replies.
const (
	MsgGuildOnly         = "This command can only be used in a server."
	MsgSetupComplete     = "Server setup complete. Command access is now enabled."
	MsgSetupFailed       = "There was an error during setup."
	MsgNotOwner          = "Access Denied: Only the registered server owner can run this command."
	MsgOwnerCheckFailed  = "Error checking server registration."
	MsgGlobalRoleMissing = "At least one global role is required."
	MsgReportSubmitted   = "Your report has been submitted. Moderators or administrators will review " +
		"your report and may contact you for further details."
	MsgNoMatches        = "No matching users found."
	MsgSearchFailed     = "Internal error reading database."
	MsgGlobalFlagFailed = "Global action failed: the ban ledger could not be updated. No servers were changed."
	MsgGuildListFailed  = "The ban ledger was updated, but the server list could not be loaded. " +
		"Members will be handled as they join."
)

// Caller describes who invoked a command and where.
type Caller struct {
	GuildID     uint64
	GuildName   string
	ChannelID   uint64
	UserID      uint64
	RoleIDs     []uint64
	Permissions Permissions
}

// Permissions are the platform permissions of the invoker in the channel.
type Permissions struct {
	ManageMessages bool
	Administrator  bool
}

// Location renders where the command was issued.
func (c Caller) Location() string {
	return fmt.Sprintf("%s - <#%d>", c.GuildName, c.ChannelID)
}

// Invocation converts the caller into an access check input.
func (c Caller) Invocation(command string) access.Invocation {
	return access.Invocation{
		Command:     command,
		CommunityID: c.GuildID,
		PrincipalID: c.UserID,
		RoleIDs:     c.RoleIDs,
	}
}

// Reply is the response to an invocation.
type Reply struct {
	Content string
}

// Service runs command bodies.
type Service struct {
	store       ledger.Store
	platform    platform.Platform
	access      *access.Engine
	coordinator *globalban.Coordinator
	syncer      *membership.Syncer
	notifier    notify.Notifier
	logger      *zap.Logger
	now         func() time.Time
}

// Dependencies groups what a Service needs.
type Dependencies struct {
	Store       ledger.Store
	Platform    platform.Platform
	Access      *access.Engine
	Coordinator *globalban.Coordinator
	Syncer      *membership.Syncer
	Notifier    notify.Notifier
}

// New creates a Service.
func New(deps Dependencies, logger *zap.Logger) *Service {
	return &Service{
		store:       deps.Store,
		platform:    deps.Platform,
		access:      deps.Access,
		coordinator: deps.Coordinator,
		syncer:      deps.Syncer,
		notifier:    deps.Notifier,
		logger:      logger.Named("moderation"),
		now:         time.Now,
	}
}

// SetupParams are the roles chosen by the owner.
type SetupParams struct {
	LocalRoles  types.RoleSet
	GlobalRoles types.RoleSet
}

// Setup configures the invoking community. The recorded owner may always rerun
// it; before any owner is recorded, the platform-reported guild owner claims it.
func (s *Service) Setup(ctx context.Context, caller Caller, params SetupParams) (Reply, error) {
	if caller.GuildID == 0 {
		return Reply{Content: MsgGuildOnly}, nil
	}

	guild := platform.Guild{ID: caller.GuildID, Name: caller.GuildName}
	if err := s.syncer.RegisterCommunity(ctx, guild); err != nil {
		s.logger.Error("Failed to register community during setup",
			zap.Uint64("guildID", guild.ID), zap.Error(err))
	}

	community, err := s.store.GetCommunity(ctx, caller.GuildID)
	if err != nil {
		s.logger.Error("Failed to load community during setup",
			zap.Uint64("guildID", guild.ID), zap.Error(err))
		return Reply{Content: MsgOwnerCheckFailed}, nil
	}

	// A missing name keeps the recorded one rather than blanking it.
	if caller.GuildName == "" {
		caller.GuildName = community.DisplayName
	}

	owner := community.OwnerID
	if !community.HasOwner() {
		remote, err := s.platform.Guild(ctx, caller.GuildID)
		if err != nil {
			s.logger.Error("Failed to resolve guild owner",
				zap.Uint64("guildID", guild.ID), zap.Error(err))
			return Reply{Content: MsgOwnerCheckFailed}, nil
		}

		owner = remote.OwnerID
		if caller.GuildName == "" {
			caller.GuildName = remote.Name
		}
	}

	if owner == 0 || caller.UserID != owner {
		s.logger.Info("Rejected setup from non-owner",
			zap.Uint64("guildID", guild.ID),
			zap.Uint64("userID", caller.UserID),
			zap.Uint64("ownerID", owner))
		return Reply{Content: MsgNotOwner}, nil
	}

	if len(params.GlobalRoles) == 0 {
		return Reply{Content: MsgGlobalRoleMissing}, nil
	}

	err = s.store.SetCommunityConfig(ctx, caller.GuildID, types.CommunityConfig{
		DisplayName: caller.GuildName,
		OwnerID:     owner,
		LocalRoles:  params.LocalRoles,
		GlobalRoles: params.GlobalRoles,
	})
	if err != nil {
		s.logger.Error("Failed to save community config",
			zap.Uint64("guildID", guild.ID), zap.Error(err))
		return Reply{Content: MsgSetupFailed}, nil
	}

	n, err := s.syncer.RegisterMembers(ctx, guild)
	if err != nil {
		s.logger.Error("Failed to register members after setup",
			zap.Uint64("guildID", guild.ID), zap.Error(err))
	}

	s.logger.Info("Community setup complete",
		zap.Uint64("guildID", guild.ID),
		zap.Uint64("ownerID", owner),
		zap.Int("members", n))

	return Reply{Content: MsgSetupComplete}, nil
}

// GlobalBan bans a user in every visible community.
func (s *Service) GlobalBan(ctx context.Context, caller Caller, userID uint64, reason string) (Reply, error) {
	report, err := s.coordinator.Apply(ctx, globalban.Request{
		UserID:    userID,
		Action:    globalban.Ban,
		Reason:    reason,
		InvokerID: caller.UserID,
		Location:  caller.Location(),
	})
	if reply, handled := globalFailure(err); handled {
		return reply, nil
	}

	return Reply{Content: fmt.Sprintf("Globally banned <@%d> from: %s. Database updated.",
		userID, strings.Join(report.Succeeded(), ", "))}, nil
}

// GlobalUnban lifts a global ban in every visible community.
func (s *Service) GlobalUnban(ctx context.Context, caller Caller, userID uint64) (Reply, error) {
	report, err := s.coordinator.Apply(ctx, globalban.Request{
		UserID:    userID,
		Action:    globalban.Unban,
		InvokerID: caller.UserID,
		Location:  caller.Location(),
	})
	if reply, handled := globalFailure(err); handled {
		return reply, nil
	}

	return Reply{Content: fmt.Sprintf("Global unban executed for <@%d> from: %s. Database updated.",
		userID, strings.Join(report.Succeeded(), ", "))}, nil
}

func globalFailure(err error) (Reply, bool) {
	switch {
	case err == nil:
		return Reply{}, false
	case errors.Is(err, globalban.ErrGuildList):
		return Reply{Content: MsgGuildListFailed}, true
	default:
		return Reply{Content: MsgGlobalFlagFailed}, true
	}
}

// LocalBan bans a user from the invoking community.
func (s *Service) LocalBan(ctx context.Context, caller Caller, userID uint64, reason string) (Reply, error) {
	if caller.GuildID == 0 {
		return Reply{Content: MsgGuildOnly}, nil
	}

	if err := s.platform.Ban(ctx, caller.GuildID, userID, reason); err != nil {
		return s.localFailure("ban", caller, userID, err), nil
	}

	s.notifier.Notify(notify.ChannelLocalBan, notify.Message{Content: localAudit("Ban", "ban", caller, userID, reason)})

	return Reply{Content: fmt.Sprintf("Locally banned <@%d> from %s.", userID, caller.GuildName)}, nil
}

// LocalKick removes a member from the invoking community.
func (s *Service) LocalKick(ctx context.Context, caller Caller, userID uint64, reason string) (Reply, error) {
	if caller.GuildID == 0 {
		return Reply{Content: MsgGuildOnly}, nil
	}

	if err := s.platform.Kick(ctx, caller.GuildID, userID, reason); err != nil {
		return s.localFailure("kick", caller, userID, err), nil
	}

	s.notifier.Notify(notify.ChannelLocalKick, notify.Message{Content: localAudit("Kick", "kick", caller, userID, reason)})

	return Reply{Content: fmt.Sprintf("Locally kicked <@%d> from %s.", userID, caller.GuildName)}, nil
}

func (s *Service) localFailure(action string, caller Caller, userID uint64, err error) Reply {
	err = fmt.Errorf("%w: %w", ErrExternalActionFailed, err)

	s.logger.Warn("Local action failed",
		zap.String("action", action),
		zap.Uint64("guildID", caller.GuildID),
		zap.Uint64("userID", userID),
		zap.Error(err))

	switch {
	case errors.Is(err, platform.ErrForbidden):
		return Reply{Content: fmt.Sprintf("Error: missing permission to %s <@%d>.", action, userID)}
	case errors.Is(err, platform.ErrNotFound):
		return Reply{Content: fmt.Sprintf("Error: <@%d> is not a member of this server.", userID)}
	default:
		return Reply{Content: fmt.Sprintf("Error: could not %s <@%d>.", action, userID)}
	}
}

func localAudit(title, noun string, caller Caller, userID uint64, reason string) string {
	return fmt.Sprintf("**Local %s executed for <@%d> (ID: %d) in %s.**\n"+
		"**Reason:** %s\n"+
		"**Executed by:** <@%d> (ID: %d)\n"+
		"**Location:** %s\n\n"+
		"Please reply with screenshots of evidence supporting this %s.",
		title, userID, userID, caller.GuildName, reason, caller.UserID, caller.UserID, caller.Location(), noun)
}

// ReportUser forwards a user report to moderators.
func (s *Service) ReportUser(_ context.Context, caller Caller, userID uint64, reason, location string) (Reply, error) {
	s.notifier.Notify(notify.ChannelReport, notify.Message{Content: fmt.Sprintf(
		"**User Report Received**\n\n"+
			"**Reported User:** <@%d> (ID: %d)\n"+
			"**Reported By:** <@%d> (ID: %d)\n"+
			"**Location:** %s\n"+
			"**Reason:** %s",
		userID, userID, caller.UserID, caller.UserID, location, reason)})

	return Reply{Content: MsgReportSubmitted}, nil
}

// SearchUser looks users up by ID or name. Only global roles may search.
func (s *Service) SearchUser(ctx context.Context, caller Caller, query string) (Reply, error) {
	decision := s.access.CheckClass(ctx, caller.Invocation(access.CommandSearchUser), access.ClassGlobal)
	if !decision.IsAllowed() {
		return Reply{Content: decision.Message()}, nil
	}

	users, err := s.store.FindUsers(ctx, query, ledger.SearchLimit)
	if err != nil {
		s.logger.Error("Failed to search users", zap.String("query", query), zap.Error(err))
		return Reply{Content: MsgSearchFailed}, nil
	}

	if len(users) == 0 {
		return Reply{Content: MsgNoMatches}, nil
	}

	lines := make([]string, len(users))
	for i, u := range users {
		lines[i] = FormatUserLine(u)
	}

	return Reply{Content: strings.Join(lines, "\n")}, nil
}

// FormatUserLine renders one search result.
func FormatUserLine(u *types.User) string {
	banned := "False"
	if u.GlobalBanned {
		banned = "True"
	}

	return fmt.Sprintf("User_ID: %d | User_Name: %s | Account_Age: %s | Global_Banned: %s",
		u.UserID, u.DisplayName, u.CreatedAt.UTC().Format(time.DateOnly), banned)
}

// AvatarChanged announces a new profile picture.
func (s *Service) AvatarChanged(userID uint64, avatarURL string) {
	content := fmt.Sprintf("<@%d> changed their profile picture.", userID)
	if avatarURL != "" {
		content += "\n" + avatarURL
	}

	s.notifier.Notify(notify.ChannelAvatar, notify.Message{Content: content})
}
