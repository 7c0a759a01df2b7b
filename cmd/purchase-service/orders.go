package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"purchase-service/internal/orders"
	"purchase-service/internal/stores/postgres"
)

// ordersCmd gives operators read access to orders, mainly to reconcile payments the gateway
// approved but the service never recorded.
func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect purchase orders",
	}
	cmd.AddCommand(ordersShowCmd())
	cmd.AddCommand(ordersStaleCmd())
	return cmd
}

func ordersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [order-id]",
		Short: "Print one order as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openOrderStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			o, err := store.FindByOrderID(cmd.Context(), args[0])
			if errors.Is(err, orders.ErrOrderNotFound) {
				return fmt.Errorf("order %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(o)
		},
	}
}

func ordersStaleCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List orders still pending after a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openOrderStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			list, err := store.ListStalePending(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum age of a pending order")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum orders to list")
	return cmd
}

func openOrderStore(cmd *cobra.Command) (*orders.Conf, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, errors.New("POSTGRES_DSN is not set")
	}
	db, err := postgres.OpenDB(cmd.Context(), cfg.Postgres.DSN, 2)
	if err != nil {
		return nil, nil, err
	}
	store, err := orders.NewConf(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return &store, func() { db.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
