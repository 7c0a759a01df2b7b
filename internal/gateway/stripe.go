package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

// Prices are whole won, a zero-decimal currency for Stripe.
const stripeCurrency = stripe.CurrencyKRW

// StripeClient approves Stripe PaymentIntents. The payment key is the PaymentIntent id and the
// checkout step stores the order id in its metadata.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeClient builds a client with its own backend; backendURL is only set in tests.
func NewStripeClient(secretKey, backendURL string, timeout time.Duration) (*StripeClient, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if backendURL != "" {
		backendConfig.URL = stripe.String(backendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
	api := client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeClient{api: api, timeout: timeout}, nil
}

func (s *StripeClient) Confirm(ctx context.Context, req ConfirmRequest) Result {
	traceId := ctxmanage.GetTraceId(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")
	pi, err := s.api.PaymentIntents.Get(req.PaymentKey, params)
	if err != nil {
		return s.rejectErr(traceId, req.OrderID, err)
	}
	if pi.Metadata["order_id"] != req.OrderID {
		slog.Error("payment intent belongs to another order", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String("payment_intent", pi.ID))
		return Rejected{Code: CodeOrderMismatch, Message: "the approved payment belongs to a different order"}
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		confirmParams := &stripe.PaymentIntentConfirmParams{}
		confirmParams.Context = ctx
		confirmParams.AddExpand("payment_method")
		pi, err = s.api.PaymentIntents.Confirm(req.PaymentKey, confirmParams)
		if err != nil {
			return s.rejectErr(traceId, req.OrderID, err)
		}
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		msg := fmt.Sprintf("payment is %s, not approved", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			msg = pi.LastPaymentError.Msg
		}
		return Rejected{Code: CodeNotApproved, Message: msg}
	}

	method := "card"
	if pi.PaymentMethod != nil && pi.PaymentMethod.Type != "" {
		method = string(pi.PaymentMethod.Type)
	} else if len(pi.PaymentMethodTypes) > 0 {
		method = pi.PaymentMethodTypes[0]
	}
	return Approved{
		PaymentKey:  pi.ID,
		TotalAmount: pi.AmountReceived,
		Method:      method,
		ApprovedAt:  time.Unix(pi.Created, 0),
	}
}

// Prepare opens a PaymentIntent for the order at the server-side amount and tags it with the
// order id that Confirm checks.
func (s *StripeClient) Prepare(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.OrderID == "" {
		return Intent{}, errors.New("order id is empty")
	}
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("amount %d is not payable", req.Amount)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(string(stripeCurrency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.SetIdempotencyKey("intent-" + req.OrderID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("creating payment intent: %w", err)
	}
	return Intent{PaymentKey: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeClient) rejectErr(traceId, orderID string, err error) Result {
	slog.Error("stripe payment confirmation failed", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, err.Error()))

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		msg := stripeErr.Msg
		if msg == "" {
			msg = "payment was not approved"
		}
		return Rejected{Code: code, Message: msg}
	}
	if isTimeout(err) {
		return Rejected{Code: CodeTimeout, Message: "the payment service did not respond in time"}
	}
	return Rejected{Code: CodeNetwork, Message: "could not reach the payment service"}
}
