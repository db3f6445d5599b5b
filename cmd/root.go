package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "wealth-intel",
	Short:   "Private wealth intelligence pipeline",
	Long:    "Scrapes news sources, triages and assesses articles with Claude, clusters them into wealth events, and generates contactable opportunities for advisors.",
	Version: version,

	// main reports the error once; cobra would print it again with usage.
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// setup loads configuration and installs the global logger, tagged with the
// invoked command, before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}

	logger, err := config.InitLogger(c.Log)
	if err != nil {
		return eris.Wrap(err, "init logger")
	}
	zap.ReplaceGlobals(logger.With(
		zap.String("command", cmd.CommandPath()),
		zap.String("version", version),
	))
	cfg = c
	return nil
}

func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func main() {
	if err := execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wealth-intel: %v\n", err)
		os.Exit(1)
	}
}
