package bot

import (
	"github.com/disgoorg/snowflake/v2"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"github.com/zionsgate/gatekeeper/internal/moderation"
)

// Options reads slash command arguments. discord.SlashCommandInteractionData implements it.
type Options interface {
	OptSnowflake(name string) (snowflake.ID, bool)
	OptString(name string) (string, bool)
	OptInt(name string) (int, bool)
}

func snowflakeOpt(opts Options, name string) uint64 {
	id, _ := opts.OptSnowflake(name)
	return uint64(id)
}

func stringOpt(opts Options, name string) string {
	s, _ := opts.OptString(name)
	return s
}

// setupParams collects the role options of the setup command. Absent
// optional roles are dropped and duplicates collapse.
func setupParams(opts Options) moderation.SetupParams {
	return moderation.SetupParams{
		LocalRoles: types.NewRoleSet(
			snowflakeOpt(opts, OptLocal1), snowflakeOpt(opts, OptLocal2), snowflakeOpt(opts, OptLocal3),
		),
		GlobalRoles: types.NewRoleSet(
			snowflakeOpt(opts, OptGlobal1), snowflakeOpt(opts, OptGlobal2), snowflakeOpt(opts, OptGlobal3),
		),
	}
}
