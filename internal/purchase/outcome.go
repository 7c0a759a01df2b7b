package purchase

import (
	"net/http"

	"purchase-service/internal/orders"
)

type State string

const (
	StateInvalid               State = "invalid"
	StateNoOrder               State = "no_order"
	StateAlreadyCompleted      State = "already_completed"
	StateAlreadyFailed         State = "already_failed"
	StateAmountMismatch        State = "amount_mismatch"
	StateGatewayApprovalFailed State = "gateway_approval_failed"
	StateCompleted             State = "completed"
	StatePersistFailed         State = "persist_failed"
	StateInProgress            State = "in_progress"
	StateUnavailable           State = "unavailable"
)

// Messages shown to the buyer. Pricing and storage details stay in the logs.
const (
	msgInvalid        = "the payment confirmation request is missing or has malformed parameters"
	msgNoOrder        = "purchase record not found"
	msgAlreadyFailed  = "this payment has already failed"
	msgAmountMismatch = "payment amount does not match"
	msgGatewayFailed  = "the payment was not approved"
	msgPersistFailed  = "your payment was approved but could not be recorded; contact support with your order id"
	msgInProgress     = "this payment is already being confirmed, refresh in a moment"
	msgUnavailable    = "the purchase service is temporarily unavailable, please try again"
)

// Outcome is the final result of one confirmation attempt. Order is the zero value when no
// record could be read.
type Outcome struct {
	State   State
	Order   orders.Order
	Message string
}

// Success reports whether the buyer paid and owns the item. A replayed confirmation of a
// completed order is a success.
func (o Outcome) Success() bool {
	return o.State == StateCompleted || o.State == StateAlreadyCompleted
}

func (o Outcome) HTTPStatus() int {
	switch o.State {
	case StateCompleted, StateAlreadyCompleted:
		return http.StatusOK
	case StateInvalid, StateAmountMismatch, StateGatewayApprovalFailed:
		return http.StatusBadRequest
	case StateNoOrder:
		return http.StatusNotFound
	case StateAlreadyFailed, StateInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
