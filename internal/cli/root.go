// Package cli is the memento command line: the HTTP server plus one-shot
// maintenance commands sharing the same configuration and wiring.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/11PRIMUS/memento3/pkg/config"
	"github.com/11PRIMUS/memento3/pkg/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "memento",
	Short:         "Semantic search and question answering over GitHub commit history",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `MementoAI ingests the commit history of GitHub repositories, embeds every
commit and answers natural-language questions about it with a local LLM.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newIngestCmd(),
		newAskCmd(),
		newSearchCmd(),
		newReposCmd(),
		newSweepCmd(),
		newVersionCmd(),
	)
}

// setup loads .env and the configuration, then installs the default logger.
func setup() error {
	_ = godotenv.Load()
	if configPath != "" {
		if err := os.Setenv("CONFIG_FILE", configPath); err != nil {
			return configError(err)
		}
	}

	c, err := config.Load()
	if err != nil {
		return configError(err)
	}
	switch {
	case logFormat != "":
		c.LogFormat = logFormat
	case c.Debug:
		c.LogFormat = logger.FormatConsole
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}

	if _, err := logger.Setup(c.LogFormat, c.LogLevel); err != nil {
		return configError(err)
	}
	cfg = c
	slog.Debug("configuration loaded", "store", cfg.StoreDriver, "dsn", cfg.DSN(), "embed_provider", cfg.EmbedProvider)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.AppName, cfg.Version)
		},
	}
}

// Execute is called by main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(printError(os.Stderr, err))
	}
}
