package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
	"purchase-service/internal/purchase"
)

// fakeStripe keeps the metadata of the one PaymentIntent it creates and serves it back.
type fakeStripe struct {
	mu       sync.Mutex
	amount   string
	metadata map[string]string
}

func (f *fakeStripe) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.amount = r.PostForm.Get("amount")
		f.metadata = map[string]string{
			"order_id": r.PostForm.Get("metadata[order_id]"),
			"buyer_id": r.PostForm.Get("metadata[buyer_id]"),
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_123",
			"object":        "payment_intent",
			"client_secret": "pi_123_secret_abc",
			"status":        "requires_payment_method",
		})
	})
	mux.HandleFunc("GET /v1/payment_intents/pi_123", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "pi_123",
			"object":          "payment_intent",
			"amount":          10000,
			"amount_received": 10000,
			"currency":        "krw",
			"created":         1700000000,
			"status":          "succeeded",
			"metadata":        f.metadata,
			"payment_method":  map[string]any{"id": "pm_1", "object": "payment_method", "type": "card"},
		})
	})
	return mux
}

func TestCheckoutWithStripeBindsPaymentToOrder(t *testing.T) {
	fake := &fakeStripe{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	stripeClient, err := gateway.NewStripeClient("sk_test_123", srv.URL, time.Second)
	require.NoError(t, err)

	env := newTestEnv(t, func(d *Deps) { d.Payments = stripeClient })
	w := env.do(t, http.MethodPost, "/v1/checkout", env.token(t, "buyer-1"),
		map[string]string{"item_type": "course", "item_id": "go-101"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pi_123", resp.PaymentIntentID)
	assert.Equal(t, "pi_123_secret_abc", resp.ClientSecret)

	fake.mu.Lock()
	assert.Equal(t, "10000", fake.amount)
	assert.Equal(t, resp.OrderID, fake.metadata["order_id"])
	assert.Equal(t, "buyer-1", fake.metadata["buyer_id"])
	fake.mu.Unlock()

	success, err := url.Parse(resp.SuccessURL)
	require.NoError(t, err)
	assert.Equal(t, resp.OrderID, success.Query().Get("orderId"))
	assert.Equal(t, "10000", success.Query().Get("amount"))

	res := stripeClient.Confirm(context.Background(), gateway.ConfirmRequest{
		PaymentKey: resp.PaymentIntentID,
		OrderID:    resp.OrderID,
		Amount:     resp.Amount,
	})
	approved, ok := res.(gateway.Approved)
	require.True(t, ok, "expected Approved, got %#v", res)
	assert.Equal(t, int64(10000), approved.TotalAmount)
}

func TestCheckoutPaymentIntentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": "api_error", "message": "boom"}})
	}))
	t.Cleanup(srv.Close)
	stripeClient, err := gateway.NewStripeClient("sk_test_123", srv.URL, time.Second)
	require.NoError(t, err)

	env := newTestEnv(t, func(d *Deps) { d.Payments = stripeClient })
	created := false
	createPending := env.orders.CreatePendingFunc
	env.orders.CreatePendingFunc = func(ctx context.Context, no orders.NewOrder) (orders.Order, error) {
		created = true
		return createPending(ctx, no)
	}

	w := env.do(t, http.MethodPost, "/v1/checkout", env.token(t, "buyer-1"),
		map[string]string{"item_type": "course", "item_id": "go-101"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, created, "no order without a payment to confirm it against")
}

func TestStripeReturnUsesPaymentIntentParam(t *testing.T) {
	env := newTestEnv(t)
	env.confirmer.ConfirmFunc = func(ctx context.Context, req purchase.Request) purchase.Outcome {
		return purchase.Outcome{State: purchase.StateCompleted, Order: completedOrder(req.OrderID, goCourse.Ref, 10000)}
	}

	w := env.do(t, http.MethodGet,
		"/v1/courses/go-101/purchase/success?orderId=ORD-1&amount=10000&payment_intent=pi_123&payment_intent_client_secret=s&redirect_status=succeeded",
		env.token(t, "buyer-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.confirmer.calls, 1)
	assert.Equal(t, "pi_123", env.confirmer.calls[0].PaymentKey)
}
