// Package cmd implements the citykb command line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/internal/config"
	"github.com/wearecity/citykb/internal/log"
)

var (
	flagConfig  string
	flagTenant  string
	flagOwner   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "citykb",
	Short: "citykb - city knowledge base and RAG pipeline",
	Long: `citykb ingests city knowledge sources (web pages, texts, documents)
into an embedding-indexed corpus and answers questions over it with
hybrid retrieval plus generation.

Sources are scoped per tenant (city) and owner (user); use --tenant and
--owner on every command.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.citykb/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant (city) identifier")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "owner (user) identifier")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}
