package bot

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/moderation"
)

// CommandSync re-registers the slash commands of the invoking guild.
const CommandSync = "sync"

// Option names.
const (
	OptLocal1   = "local1"
	OptLocal2   = "local2"
	OptLocal3   = "local3"
	OptGlobal1  = "global1"
	OptGlobal2  = "global2"
	OptGlobal3  = "global3"
	OptUser     = "user"
	OptReason   = "reason"
	OptLocation = "location"
	OptQuery    = "query"
	OptChannel  = "channel"
	OptLimit    = "limit"
)

// maxReasonLength keeps audit messages under the message size limit.
const maxReasonLength = 512

// Commands returns the slash command definitions.
func Commands() []discord.ApplicationCommandCreate {
	minPurge, maxPurge := moderation.MinPurge, moderation.MaxPurge
	reasonLength := maxReasonLength

	userOpt := func(description string) discord.ApplicationCommandOptionUser {
		return discord.ApplicationCommandOptionUser{Name: OptUser, Description: description, Required: true}
	}
	reasonOpt := discord.ApplicationCommandOptionString{
		Name:        OptReason,
		Description: "Reason for the action",
		Required:    true,
		MaxLength:   &reasonLength,
	}

	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        access.CommandSetup,
			Description: "Configure this server's command access. (Owner only)",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionRole{Name: OptLocal1, Description: "Primary local role (required)", Required: true},
				discord.ApplicationCommandOptionRole{Name: OptGlobal1, Description: "Primary global role (required)", Required: true},
				discord.ApplicationCommandOptionRole{Name: OptLocal2, Description: "Optional local role #2"},
				discord.ApplicationCommandOptionRole{Name: OptLocal3, Description: "Optional local role #3"},
				discord.ApplicationCommandOptionRole{Name: OptGlobal2, Description: "Optional global role #2"},
				discord.ApplicationCommandOptionRole{Name: OptGlobal3, Description: "Optional global role #3"},
			},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandGlobalBan,
			Description: "Globally ban a user from all servers. Reason required; reply with evidence screenshots.",
			Options:     []discord.ApplicationCommandOption{userOpt("User to ban"), reasonOpt},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandGlobalUnban,
			Description: "Globally unban a user from all servers and remove the global ban flag.",
			Options:     []discord.ApplicationCommandOption{userOpt("User to unban")},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandLocalBan,
			Description: "Ban a user from this server. Reason required; reply with evidence screenshots.",
			Options:     []discord.ApplicationCommandOption{userOpt("User to ban"), reasonOpt},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandLocalKick,
			Description: "Kick a user from this server. Reason required; reply with evidence screenshots.",
			Options:     []discord.ApplicationCommandOption{userOpt("Member to kick"), reasonOpt},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandReportUser,
			Description: "Report a user. Specify the user, reason, and location of the incident.",
			Options: []discord.ApplicationCommandOption{
				userOpt("User to report"),
				reasonOpt,
				discord.ApplicationCommandOptionString{
					Name:        OptLocation,
					Description: "Where the incident happened",
					Required:    true,
				},
			},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandSearchUser,
			Description: "Search the ledger by ID or username (global roles only).",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: OptQuery, Description: "Discord ID or username", Required: true},
			},
		},
		discord.SlashCommandCreate{
			Name:        access.CommandPurge,
			Description: "Delete messages and log them.",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionChannel{
					Name:         OptChannel,
					Description:  "Channel to purge",
					Required:     true,
					ChannelTypes: []discord.ChannelType{discord.ChannelTypeGuildText},
				},
				discord.ApplicationCommandOptionInt{
					Name:        OptLimit,
					Description: "Number of messages to delete",
					Required:    true,
					MinValue:    &minPurge,
					MaxValue:    &maxPurge,
				},
			},
		},
		discord.SlashCommandCreate{
			Name:        CommandSync,
			Description: "Force-refresh slash commands in this server.",
		},
	}
}
