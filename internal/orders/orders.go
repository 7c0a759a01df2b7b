package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/catalog"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")

	// ErrNotPending is returned when a conditional transition matched no pending row.
	ErrNotPending = errors.New("order is not pending")
)

const orderColumns = `order_id, buyer_id, item_type, item_id, item_name, expected_amount, amount_paid,
	status, payment_reference, payment_method, failure_reason, created_at, approved_at, completed_at`

type Conf struct {
	db *sql.DB
}

func NewConf(db *sql.DB) (Conf, error) {
	if db == nil {
		return Conf{}, fmt.Errorf("db is nil")
	}
	return Conf{db: db}, nil
}

func (c *Conf) CreatePending(ctx context.Context, no NewOrder) (Order, error) {
	query := `
		INSERT INTO orders (order_id, buyer_id, item_type, item_id, item_name, expected_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW(), NOW())
		ON CONFLICT (order_id) DO NOTHING
		RETURNING ` + orderColumns
	o, err := scanOrder(c.db.QueryRowContext(ctx, query, no.OrderID, no.BuyerID, string(no.Item.Type),
		no.Item.ID, no.ItemName, no.ExpectedAmount))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrDuplicateOrder
		}
		return Order{}, fmt.Errorf("failed to create order %s: %w", no.OrderID, err)
	}
	return o, nil
}

// CreateSettled inserts an order directly in a terminal state, for flows that have no
// pending record before confirmation.
func (c *Conf) CreateSettled(ctx context.Context, o Order) (Order, error) {
	if !o.Status.Terminal() {
		return Order{}, fmt.Errorf("cannot settle order %s with status %q", o.OrderID, o.Status)
	}
	query := `
		INSERT INTO orders (order_id, buyer_id, item_type, item_id, item_name, expected_amount, amount_paid,
			status, payment_reference, payment_method, failure_reason, created_at, approved_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), $12,
			CASE WHEN $8 = 'completed' THEN NOW() END, NOW())
		ON CONFLICT (order_id) DO NOTHING
		RETURNING ` + orderColumns
	var amountPaid sql.NullInt64
	if o.Status == StatusCompleted {
		amountPaid = sql.NullInt64{Int64: o.AmountPaid, Valid: true}
	}
	settled, err := scanOrder(c.db.QueryRowContext(ctx, query, o.OrderID, o.BuyerID, string(o.Item.Type), o.Item.ID,
		o.ItemName, o.ExpectedAmount, amountPaid, string(o.Status), nullString(o.PaymentReference),
		nullString(o.PaymentMethod), nullString(o.FailureReason), nullTime(o.ApprovedAt)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrDuplicateOrder
		}
		return Order{}, fmt.Errorf("failed to settle order %s: %w", o.OrderID, err)
	}
	return settled, nil
}

func (c *Conf) FindByOrderID(ctx context.Context, orderID string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`
	o, err := scanOrder(c.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("failed to query order %s: %w", orderID, err)
	}
	return o, nil
}

// MarkCompleted moves a pending order to completed in a single conditional statement.
// It returns ErrNotPending when the order is missing or already terminal.
func (c *Conf) MarkCompleted(ctx context.Context, orderID string, cp Completion) (Order, error) {
	query := `
		UPDATE orders
		SET status = 'completed', payment_reference = $2, payment_method = $3, amount_paid = $4,
			approved_at = $5, completed_at = NOW(), updated_at = NOW()
		WHERE order_id = $1 AND status = 'pending'
		RETURNING ` + orderColumns
	o, err := scanOrder(c.db.QueryRowContext(ctx, query, orderID, cp.PaymentReference, cp.PaymentMethod,
		cp.AmountPaid, cp.ApprovedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotPending
		}
		return Order{}, fmt.Errorf("failed to complete order %s: %w", orderID, err)
	}
	return o, nil
}

// MarkFailed moves a pending order to failed. Same conditional shape as MarkCompleted.
func (c *Conf) MarkFailed(ctx context.Context, orderID, reason string) (Order, error) {
	query := `
		UPDATE orders
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = 'pending'
		RETURNING ` + orderColumns
	o, err := scanOrder(c.db.QueryRowContext(ctx, query, orderID, reason))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotPending
		}
		return Order{}, fmt.Errorf("failed to fail order %s: %w", orderID, err)
	}
	return o, nil
}

func (c *Conf) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	return c.list(ctx, query, buyerID, limit, offset)
}

// ListStalePending returns orders still pending after olderThan, oldest first. Operators use it
// to find approvals that were never recorded locally.
func (c *Conf) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return c.list(ctx, query, time.Now().Add(-olderThan), limit)
}

func (c *Conf) list(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	list := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (Order, error) {
	var (
		o                                 Order
		itemType, status                  string
		amountPaid                        sql.NullInt64
		paymentRef, method, failureReason sql.NullString
		approvedAt, completedAt           sql.NullTime
	)
	err := row.Scan(&o.OrderID, &o.BuyerID, &itemType, &o.Item.ID, &o.ItemName, &o.ExpectedAmount, &amountPaid,
		&status, &paymentRef, &method, &failureReason, &o.CreatedAt, &approvedAt, &completedAt)
	if err != nil {
		return Order{}, err
	}
	o.Item.Type = catalog.ItemType(itemType)
	o.Status = Status(status)
	o.AmountPaid = amountPaid.Int64
	o.PaymentReference = paymentRef.String
	o.PaymentMethod = method.String
	o.FailureReason = failureReason.String
	if approvedAt.Valid {
		o.ApprovedAt = &approvedAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
