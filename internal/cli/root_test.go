package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	t.Run("should expose serve subcommand", func(t *testing.T) {
		cmd := GetRootCmd()

		names := []string{}
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		assert.Contains(t, names, "serve")
	})

	t.Run("should print version", func(t *testing.T) {
		cmd := GetRootCmd()

		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--version"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), GetVersion())
	})
}

func TestGetVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())
}
