package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivault/arkivault-go/internal/config"
)

// saveGlobals snapshots the flag globals and the resolved config and
// restores them on cleanup. newRootCmd() rebinds the flag variables, so
// these tests cannot run in parallel.
func saveGlobals(t *testing.T) {
	t.Helper()

	oldCfg := resolvedCfg
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldJSON := flagJSON
	oldConfigPath := flagConfigPath

	t.Cleanup(func() {
		resolvedCfg = oldCfg
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		flagJSON = oldJSON
		flagConfigPath = oldConfigPath
	})
}

func TestBuildLogger_Default(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = nil
	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ConfigLevel(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Config{LogLevel: "error"}
	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestBuildLogger_VerboseOverridesConfig(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Config{LogLevel: "error"}
	flagVerbose = true
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietOverridesConfig(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Config{LogLevel: "debug"}
	flagVerbose = false
	flagQuiet = true

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	saveGlobals(t)

	cmd := newRootCmd()

	for _, name := range []string{"backup", "status", "config"} {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	saveGlobals(t)

	cmd := newRootCmd()

	for _, name := range []string{"config", "json", "verbose", "quiet"} {
		flag := cmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_PreRunResolvesConfig(t *testing.T) {
	saveGlobals(t)

	// No config file anywhere: resolution falls back to defaults.
	t.Setenv("ARKIVAULT_CONFIG", "")

	cmd := newRootCmd()
	flagConfigPath = ""

	require.NoError(t, cmd.PersistentPreRunE(cmd, nil))
	require.NotNil(t, resolvedCfg)
	assert.NotEmpty(t, resolvedCfg.Endpoint)
}

func TestCatalogHTTPClient_HasTimeout(t *testing.T) {
	client := catalogHTTPClient()
	assert.Equal(t, catalogTimeout, client.Timeout)
}
