package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "covscan",
	Short: "Coverage scans on every push, routed to the right chat",
	Long: `covscan receives push webhooks from GitHub, GitLab and Gitee, runs a
JaCoCo coverage build for the pushed commit and posts the coverage summary
to the chat targets configured for that repository.

Get started:
  covscan doctor      Verify tools, database and routing table
  covscan serve       Start the webhook daemon with REST + SSE API
  covscan scan        Scan one commit in the foreground
  covscan aggregate   Summarise existing jacoco.xml reports
  covscan routes      Inspect the routing table
  covscan env         Inspect or tear down the shared build environment`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.covscan/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		scanCmd,
		aggregateCmd,
		routesCmd,
		envCmd,
		configCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
