package orders

import (
	"time"

	"purchase-service/internal/catalog"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Order is one purchase attempt. OrderID is generated by the caller and is the idempotency
// key for the whole confirmation flow.
type Order struct {
	OrderID          string      `json:"order_id"`
	BuyerID          string      `json:"buyer_id"`
	Item             catalog.Ref `json:"item"`
	ItemName         string      `json:"item_name"`
	ExpectedAmount   int64       `json:"expected_amount"`
	AmountPaid       int64       `json:"amount_paid"`
	Status           Status      `json:"status"`
	PaymentReference string      `json:"payment_reference,omitempty"`
	PaymentMethod    string      `json:"payment_method,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ApprovedAt       *time.Time  `json:"approved_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// NewOrder holds what checkout knows before the buyer is sent to the gateway.
// ExpectedAmount comes from the catalog price, never from the client.
type NewOrder struct {
	OrderID        string
	BuyerID        string
	Item           catalog.Ref
	ItemName       string
	ExpectedAmount int64
}

// Completion is recorded when the gateway approves a payment.
type Completion struct {
	PaymentReference string
	PaymentMethod    string
	AmountPaid       int64
	ApprovedAt       time.Time
}
