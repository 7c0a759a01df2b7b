package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"purchase-service/internal/stores/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Apply, roll back or inspect database migrations",
		Long: `Run the embedded goose migrations against POSTGRES_DSN.

Examples:
  purchase-service migrate up
  purchase-service migrate status`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("POSTGRES_DSN is not set")
			}
			ctx := cmd.Context()
			db, err := postgres.OpenDB(ctx, cfg.Postgres.DSN, 2)
			if err != nil {
				return err
			}
			defer db.Close()

			switch args[0] {
			case "up":
				return postgres.MigrateUp(ctx, db)
			case "down":
				return postgres.MigrateDown(ctx, db)
			case "status":
				return postgres.MigrationStatus(ctx, db)
			default:
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
		},
	}
	return cmd
}
