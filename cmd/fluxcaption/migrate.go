package main

import (
	"github.com/spf13/cobra"

	"github.com/Await-d/FluxCaption-sub000/db"
	"github.com/Await-d/FluxCaption-sub000/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.GetDatabasePath(), logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()
		return db.Migrate(database, logger.Logger)
	},
}
