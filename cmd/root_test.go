package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// resetRootState restores the globals the root command's flags and setup write.
func resetRootState(t *testing.T) {
	t.Helper()
	origLogger, origCfg := zap.L(), cfg
	t.Cleanup(func() {
		zap.ReplaceGlobals(origLogger)
		cfg = origCfg
		configPath, logLevel = "", ""
		rootCmd.SetArgs(nil)
	})
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "serve", "sources", "watchlist", "verdicts"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "wealth-intel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_Flags(t *testing.T) {
	assert.True(t, rootCmd.SilenceUsage)
	assert.Equal(t, version, rootCmd.Version)
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}

func TestSetup_ConfigFileAndLevelOverride(t *testing.T) {
	resetRootState(t)
	path := filepath.Join(t.TempDir(), "wealth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9300\nlog:\n  level: info\n  format: json\n"), 0o644))
	configPath, logLevel = path, "debug"

	require.NoError(t, setup(verdictsCmd, nil))
	require.NotNil(t, cfg)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, zap.L().Core().Enabled(zapcore.DebugLevel))
}

func TestSetup_BadLogLevel(t *testing.T) {
	resetRootState(t)
	path := filepath.Join(t.TempDir(), "wealth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: json\n"), 0o644))
	configPath, logLevel = path, "loud"

	err := setup(verdictsCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init logger")
}

func TestExecute_MissingConfigFails(t *testing.T) {
	resetRootState(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	err := execute(context.Background(), []string{"verdicts", "--config", missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("json")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSourcesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sourcesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["import"])

	require.NotNil(t, sourcesImportCmd.Flags().Lookup("file"))
	require.NotNil(t, sourcesListCmd.Flags().Lookup("status"))
}

func TestVerdictsCommand_Flags(t *testing.T) {
	limit := verdictsCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "20", limit.DefValue)

	since := verdictsCmd.Flags().Lookup("since")
	require.NotNil(t, since)
	assert.Equal(t, "168h0m0s", since.DefValue)
}
