package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return db.Migrate(cfg.Postgres.URL(), newLogger())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
