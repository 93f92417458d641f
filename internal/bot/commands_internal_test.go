package bot

import (
	"strings"
	"testing"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/access"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

type roleOptions map[string]snowflake.ID

func (o roleOptions) OptSnowflake(name string) (snowflake.ID, bool) {
	id, ok := o[name]
	return id, ok
}

func (o roleOptions) OptString(string) (string, bool) { return "", false }
func (o roleOptions) OptInt(string) (int, bool)       { return 0, false }

func TestCommands(t *testing.T) {
	t.Parallel()

	byName := make(map[string]discord.SlashCommandCreate)
	for _, cmd := range Commands() {
		slash, ok := cmd.(discord.SlashCommandCreate)
		require.True(t, ok)
		byName[slash.Name] = slash
	}

	for _, name := range []string{
		access.CommandSetup,
		access.CommandGlobalBan,
		access.CommandGlobalUnban,
		access.CommandLocalBan,
		access.CommandLocalKick,
		access.CommandReportUser,
		access.CommandSearchUser,
		access.CommandPurge,
		CommandSync,
	} {
		cmd, ok := byName[name]
		require.True(t, ok, "missing command %s", name)
		assert.LessOrEqual(t, len(cmd.Description), 100, "description of %s is too long", name)
	}

	assert.Len(t, byName, 9)
	assert.Len(t, byName[access.CommandSetup].Options, 6)
	assert.Empty(t, byName[CommandSync].Options)
}

func TestSetupParams(t *testing.T) {
	t.Parallel()

	params := setupParams(roleOptions{
		OptLocal1:  11,
		OptLocal3:  13,
		OptGlobal1: 21,
		OptGlobal2: 21,
	})

	assert.Equal(t, types.RoleSet{11, 13}, params.LocalRoles)
	assert.Equal(t, types.RoleSet{21}, params.GlobalRoles)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "short", content: "hello", want: 5},
		{name: "at limit", content: strings.Repeat("a", maxMessageLength), want: maxMessageLength},
		{name: "over limit", content: strings.Repeat("a", maxMessageLength+10), want: maxMessageLength},
		{name: "multibyte", content: strings.Repeat("é", maxMessageLength+1), want: maxMessageLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Len(t, []rune(truncate(tt.content)), tt.want)
		})
	}
}
