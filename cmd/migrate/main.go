package main

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/maintenance-api/migrations"
	"github.com/noah-isme/maintenance-api/pkg/config"
	"github.com/noah-isme/maintenance-api/pkg/database"
	"github.com/noah-isme/maintenance-api/pkg/logger"
)

type migrateEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		env  migrateEnv
		path string
	)

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the maintenance database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logr, err := logger.New(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			db, err := database.NewPostgres(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Database.MigrationsPath
			}
			env = migrateEnv{cfg: cfg, logger: logr.Named("migrate"), db: db}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if env.db != nil {
				_ = env.db.Close()
			}
			if env.logger != nil {
				_ = env.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "directory of *.sql migrations (defaults to the embedded set)")

	cmd.AddCommand(newUpCmd(&env, &path))
	cmd.AddCommand(newDownCmd(&env, &path))
	cmd.AddCommand(newVersionCmd(&env, &path))
	return cmd
}

func newUpCmd(env *migrateEnv, path *string) *cobra.Command {
	var target uint
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations, optionally stopping at --to",
		RunE: func(*cobra.Command, []string) error {
			return database.Migrate(env.db, migrations.FS, database.MigrationOptions{Path: *path, Version: target}, env.logger)
		},
	}
	cmd.Flags().UintVar(&target, "to", 0, "target version")
	return cmd
}

func newDownCmd(env *migrateEnv, path *string) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "down --yes",
		Short: "Revert every migration",
		RunE: func(*cobra.Command, []string) error {
			if !confirm {
				return fmt.Errorf("refusing to drop the schema of %s without --yes", env.cfg.Database.Name)
			}
			return database.Migrate(env.db, migrations.FS, database.MigrationOptions{Path: *path, Down: true}, env.logger)
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm reverting all migrations")
	return cmd
}

func newVersionCmd(env *migrateEnv, path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, dirty, err := database.MigrationVersion(env.db, migrations.FS, *path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
			return nil
		},
	}
}
