package orders

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchase-service/internal/catalog"
	"purchase-service/internal/stores/postgres"
)

// openTestDB connects to PURCHASE_TEST_DATABASE_URL; the tests are skipped without it.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PURCHASE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PURCHASE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.OpenDB(ctx, dsn, 10)
	require.NoError(t, err)
	require.NoError(t, postgres.MigrateUp(ctx, db))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) Conf {
	t.Helper()
	c, err := NewConf(openTestDB(t))
	require.NoError(t, err)
	return c
}

func newPendingOrder(amount int64) NewOrder {
	return NewOrder{
		OrderID:        "ORD-" + uuid.NewString(),
		BuyerID:        "buyer-1",
		Item:           catalog.Ref{Type: catalog.ItemCourse, ID: "go-101"},
		ItemName:       "Go 101",
		ExpectedAmount: amount,
	}
}

func TestNewConf(t *testing.T) {
	_, err := NewConf(nil)
	assert.Error(t, err)
}

func TestCreatePendingAndFind(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	no := newPendingOrder(10000)

	created, err := c.CreatePending(ctx, no)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, int64(10000), created.ExpectedAmount)
	assert.Nil(t, created.CompletedAt)

	_, err = c.CreatePending(ctx, no)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	found, err := c.FindByOrderID(ctx, no.OrderID)
	require.NoError(t, err)
	assert.Equal(t, created.OrderID, found.OrderID)
	assert.Equal(t, no.Item, found.Item)

	_, err = c.FindByOrderID(ctx, "ORD-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMarkCompletedIsConditional(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	no := newPendingOrder(10000)
	_, err := c.CreatePending(ctx, no)
	require.NoError(t, err)

	approvedAt := time.Now().UTC().Truncate(time.Second)
	completed, err := c.MarkCompleted(ctx, no.OrderID, Completion{
		PaymentReference: "pay_123",
		PaymentMethod:    "card",
		AmountPaid:       10000,
		ApprovedAt:       approvedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "pay_123", completed.PaymentReference)
	require.NotNil(t, completed.ApprovedAt)
	assert.True(t, approvedAt.Equal(*completed.ApprovedAt))
	require.NotNil(t, completed.CompletedAt)

	_, err = c.MarkCompleted(ctx, no.OrderID, Completion{PaymentReference: "pay_456", PaymentMethod: "card", AmountPaid: 10000})
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = c.MarkFailed(ctx, no.OrderID, "too late")
	assert.ErrorIs(t, err, ErrNotPending)

	found, err := c.FindByOrderID(ctx, no.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "pay_123", found.PaymentReference)
	assert.Equal(t, StatusCompleted, found.Status)
}

func TestMarkCompletedRejectsAmountMismatch(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	no := newPendingOrder(15000)
	_, err := c.CreatePending(ctx, no)
	require.NoError(t, err)

	_, err = c.MarkCompleted(ctx, no.OrderID, Completion{PaymentReference: "pay_1", PaymentMethod: "card", AmountPaid: 12000})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotPending))

	found, err := c.FindByOrderID(ctx, no.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, found.Status)
}

func TestMarkCompletedConcurrentWriters(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	no := newPendingOrder(5000)
	_, err := c.CreatePending(ctx, no)
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.MarkCompleted(ctx, no.OrderID, Completion{PaymentReference: "pay", PaymentMethod: "card", AmountPaid: 5000})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrNotPending)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMarkFailed(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	no := newPendingOrder(10000)
	_, err := c.CreatePending(ctx, no)
	require.NoError(t, err)

	failed, err := c.MarkFailed(ctx, no.OrderID, "expired token")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "expired token", failed.FailureReason)

	_, err = c.MarkCompleted(ctx, no.OrderID, Completion{PaymentReference: "pay", PaymentMethod: "card", AmountPaid: 10000})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCreateSettled(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	o := Order{
		OrderID:        "ORD-" + uuid.NewString(),
		BuyerID:        "buyer-2",
		Item:           catalog.Ref{Type: catalog.ItemProduct, ID: "sticker-pack"},
		ItemName:       "Sticker pack",
		ExpectedAmount: 0,
		AmountPaid:     0,
		Status:         StatusCompleted,
		PaymentMethod:  "free",
	}

	settled, err := c.CreateSettled(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, settled.Status)
	assert.Equal(t, int64(0), settled.AmountPaid)
	assert.NotNil(t, settled.CompletedAt)

	_, err = c.CreateSettled(ctx, o)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	o.OrderID = "ORD-" + uuid.NewString()
	o.Status = StatusPending
	_, err = c.CreateSettled(ctx, o)
	assert.Error(t, err)
}

func TestListByBuyerAndStale(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	buyer := "buyer-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		no := newPendingOrder(1000)
		no.BuyerID = buyer
		_, err := c.CreatePending(ctx, no)
		require.NoError(t, err)
	}

	list, err := c.ListByBuyer(ctx, buyer, 2, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = c.ListByBuyer(ctx, buyer, 10, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stale, err := c.ListStalePending(ctx, time.Hour, 10)
	require.NoError(t, err)
	for _, o := range stale {
		assert.NotEqual(t, buyer, o.BuyerID)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
