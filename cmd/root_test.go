package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "consume", "replay", "load", "migrate", "cursor"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "prodstream", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCursorCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range cursorCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"show", "set", "reset"} {
		assert.True(t, names[name], "expected cursor subcommand %q not found", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("consume")
	require.NotNil(t, flag)
	assert.Equal(t, "true", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("no-replay"))
}

func TestReplayCommand_Flags(t *testing.T) {
	flag := replayCmd.Flags().Lookup("once")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestLoadCommand_Flags(t *testing.T) {
	require.NotNil(t, loadCmd.Flags().Lookup("dir"))
	require.NotNil(t, loadCmd.Flags().Lookup("archive"))
}
