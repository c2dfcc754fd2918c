package cli

import (
	"fmt"

	"autoflow/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var seedData bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()

		logrus.Info("Running database migrations...")
		if err := database.Migrate(db); err != nil {
			return err
		}
		database.CreateIndexes(db)

		if seedData {
			logrus.Info("Seeding sample workflows...")
			if err := database.Seed(db); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations completed")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedData, "seed", false, "insert sample workflows and inventory")
	rootCmd.AddCommand(migrateCmd)
}
