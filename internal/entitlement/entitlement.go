// Package entitlement grants what a buyer paid for once an order is completed. Grants are
// best effort: a failure here is logged by the caller and never changes the order.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"purchase-service/internal/catalog"
	"purchase-service/internal/orders"
)

type Granter interface {
	Grant(ctx context.Context, o orders.Order) error
}

// GranterFunc adapts a plain function to Granter.
type GranterFunc func(ctx context.Context, o orders.Order) error

func (f GranterFunc) Grant(ctx context.Context, o orders.Order) error {
	return f(ctx, o)
}

// Chain runs every granter even when an earlier one fails.
func Chain(granters ...Granter) Granter {
	return GranterFunc(func(ctx context.Context, o orders.Order) error {
		var errs []error
		for _, g := range granters {
			if g == nil {
				continue
			}
			if err := g.Grant(ctx, o); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

type Conf struct {
	db *sql.DB
}

func NewConf(db *sql.DB) (Conf, error) {
	if db == nil {
		return Conf{}, fmt.Errorf("db is nil")
	}
	return Conf{db: db}, nil
}

// Grant records access for the buyer and bumps the item's sales count. Repeated grants for the
// same order are no-ops, so the sales count moves at most once per order.
func (c *Conf) Grant(ctx context.Context, o orders.Order) error {
	if o.Status != orders.StatusCompleted {
		return fmt.Errorf("order %s is %s, not completed", o.OrderID, o.Status)
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entitlements (order_id, buyer_id, item_type, item_id, granted_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (order_id) DO NOTHING
		`, o.OrderID, o.BuyerID, string(o.Item.Type), o.Item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert entitlement: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE catalog_items SET sales_count = sales_count + 1, updated_at = NOW()
			WHERE item_type = $1 AND item_id = $2
		`, string(o.Item.Type), o.Item.ID)
		if err != nil {
			return fmt.Errorf("failed to update sales count: %w", err)
		}
		return nil
	})
}

// HasAccess reports whether buyer holds an entitlement for the item.
func (c *Conf) HasAccess(ctx context.Context, buyerID string, item catalog.Ref) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM entitlements WHERE buyer_id = $1 AND item_type = $2 AND item_id = $3)
	`, buyerID, string(item.Type), item.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query entitlement: %w", err)
	}
	return exists, nil
}

func (c *Conf) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
