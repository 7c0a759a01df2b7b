package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchase-service/internal/catalog"
	"purchase-service/internal/orders"
	"purchase-service/internal/stores/kafka"
	"purchase-service/internal/stores/postgres"
)

func completedOrder() orders.Order {
	completedAt := time.Date(2024, 2, 13, 3, 18, 14, 0, time.UTC)
	return orders.Order{
		OrderID:        "ORD-1",
		BuyerID:        "buyer-1",
		Item:           catalog.Ref{Type: catalog.ItemCourse, ID: "go-101"},
		ExpectedAmount: 10000,
		AmountPaid:     10000,
		Status:         orders.StatusCompleted,
		PaymentMethod:  "card",
		CompletedAt:    &completedAt,
	}
}

func TestChainRunsEveryGranter(t *testing.T) {
	var calls []string
	first := GranterFunc(func(ctx context.Context, o orders.Order) error {
		calls = append(calls, "first")
		return errors.New("first failed")
	})
	second := GranterFunc(func(ctx context.Context, o orders.Order) error {
		calls = append(calls, "second")
		return nil
	})

	err := Chain(first, nil, second).Grant(context.Background(), completedOrder())
	assert.ErrorContains(t, err, "first failed")
	assert.Equal(t, []string{"first", "second"}, calls)

	assert.NoError(t, Chain(second).Grant(context.Background(), completedOrder()))
}

type fakeProducer struct {
	topic      string
	key, value []byte
	err        error
}

func (f *fakeProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte) error {
	f.topic, f.key, f.value = topic, key, value
	return f.err
}

func TestPublisherGrant(t *testing.T) {
	p := &fakeProducer{}
	pub, err := NewPublisher(p, "")
	require.NoError(t, err)

	require.NoError(t, pub.Grant(context.Background(), completedOrder()))
	assert.Equal(t, kafka.TopicPurchaseCompleted, p.topic)
	assert.Equal(t, "ORD-1", string(p.key))

	var event kafka.PurchaseCompletedEvent
	require.NoError(t, json.Unmarshal(p.value, &event))
	assert.Equal(t, "buyer-1", event.BuyerID)
	assert.Equal(t, "course", event.ItemType)
	assert.Equal(t, int64(10000), event.AmountPaid)
	assert.Equal(t, "card", event.Method)
	assert.True(t, event.CompletedAt.Equal(*completedOrder().CompletedAt))
}

func TestPublisherGrantError(t *testing.T) {
	pub, err := NewPublisher(&fakeProducer{err: errors.New("broker down")}, "custom-topic")
	require.NoError(t, err)
	assert.ErrorContains(t, pub.Grant(context.Background(), completedOrder()), "broker down")

	_, err = NewPublisher(nil, "")
	assert.Error(t, err)
}

func TestGrantIsIdempotent(t *testing.T) {
	dsn := os.Getenv("PURCHASE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PURCHASE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.OpenDB(ctx, dsn, 5)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, postgres.MigrateUp(ctx, db))

	itemID := "item-" + uuid.NewString()
	_, err = db.ExecContext(ctx, `INSERT INTO catalog_items (item_type, item_id, name, price) VALUES ('course', $1, 'Go 101', 10000)`, itemID)
	require.NoError(t, err)

	store, err := orders.NewConf(db)
	require.NoError(t, err)
	o, err := store.CreateSettled(ctx, orders.Order{
		OrderID:        "ORD-" + uuid.NewString(),
		BuyerID:        "buyer-1",
		Item:           catalog.Ref{Type: catalog.ItemCourse, ID: itemID},
		ItemName:       "Go 101",
		ExpectedAmount: 10000,
		AmountPaid:     10000,
		Status:         orders.StatusCompleted,
		PaymentMethod:  "card",
	})
	require.NoError(t, err)

	c, err := NewConf(db)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, c.Grant(ctx, o))
	}

	var sales int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT sales_count FROM catalog_items WHERE item_type = 'course' AND item_id = $1`, itemID).Scan(&sales))
	assert.Equal(t, int64(1), sales)

	has, err := c.HasAccess(ctx, "buyer-1", catalog.Ref{Type: catalog.ItemCourse, ID: itemID})
	require.NoError(t, err)
	assert.True(t, has)
	has, err = c.HasAccess(ctx, "buyer-2", catalog.Ref{Type: catalog.ItemCourse, ID: itemID})
	require.NoError(t, err)
	assert.False(t, has)

	o.Status = orders.StatusFailed
	assert.Error(t, c.Grant(ctx, o))
}
