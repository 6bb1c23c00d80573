package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-billing/app/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the billing schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := mustLoadConfig()
		db := mustOpenDB(cfg)
		defer db.Close()

		if err := migration.Up(db); err != nil {
			logrus.WithError(err).Fatal("Migration failed")
		}
		logMigrationVersion(migration.Version(db))
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := mustLoadConfig()
		db := mustOpenDB(cfg)
		defer db.Close()

		if err := migration.Down(db); err != nil {
			logrus.WithError(err).Fatal("Rollback failed")
		}
		logMigrationVersion(migration.Version(db))
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the applied schema version",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := mustLoadConfig()
		db := mustOpenDB(cfg)
		defer db.Close()

		logMigrationVersion(migration.Version(db))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func logMigrationVersion(version uint, dirty bool, err error) {
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read schema version")
	}
	logrus.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("schema_version")
}
