package kafka

import "time"

const (
	TopicPurchaseCompleted = `purchase-service.purchase-completed`
)

// PurchaseCompletedEvent is published once per order after it reaches completed.
type PurchaseCompletedEvent struct {
	OrderID     string    `json:"order_id"`
	BuyerID     string    `json:"buyer_id"`
	ItemType    string    `json:"item_type"`
	ItemID      string    `json:"item_id"`
	AmountPaid  int64     `json:"amount_paid"`
	Method      string    `json:"method"`
	CompletedAt time.Time `json:"completed_at"`
}
