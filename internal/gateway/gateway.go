// Package gateway talks to the external payment-approval service. The gateway is the only
// authority on whether money moved; callers must not trust amounts or statuses supplied by
// the browser.
package gateway

import (
	"context"
	"time"
)

// Rejection codes produced locally rather than by the gateway.
const (
	CodeNetwork       = "NETWORK_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeBadResponse   = "INVALID_RESPONSE"
	CodeOrderMismatch = "ORDER_MISMATCH"
	CodeNotApproved   = "NOT_APPROVED"
)

// CodeAlreadyProcessed is the gateway's answer to a second confirmation of an approved payment.
// A Rejected with this code means money may have moved and the order must not be failed.
const CodeAlreadyProcessed = "ALREADY_PROCESSED_PAYMENT"

type ConfirmRequest struct {
	PaymentKey string
	OrderID    string
	Amount     int64
}

// Result is either Approved or Rejected.
type Result interface {
	isResult()
}

// Approved means the gateway captured TotalAmount for the order.
type Approved struct {
	PaymentKey  string
	TotalAmount int64
	Method      string
	ApprovedAt  time.Time
}

// Rejected carries a message that is safe to show to the buyer.
type Rejected struct {
	Code    string
	Message string
}

func (Approved) isResult() {}
func (Rejected) isResult() {}

// Gateway approves payments. Implementations never return transport errors separately;
// every failure is a Rejected.
type Gateway interface {
	Confirm(ctx context.Context, req ConfirmRequest) Result
}

// IntentRequest describes a payment to open before the buyer pays. Amount is the server-side price.
type IntentRequest struct {
	OrderID     string
	BuyerID     string
	Description string
	Amount      int64
}

// Intent is a payment the client completes with the gateway's own SDK. PaymentKey is what
// later comes back to Confirm.
type Intent struct {
	PaymentKey   string
	ClientSecret string
}

// Preparer is implemented by gateways that need a server-created payment bound to the order
// before the client can pay.
type Preparer interface {
	Prepare(ctx context.Context, req IntentRequest) (Intent, error)
}
