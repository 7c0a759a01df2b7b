package logkey

// Attribute names shared by every log line so traces can be joined across requests.
const (
	TraceID  = "TRACE ID"
	ERROR    = "ERROR"
	OrderID  = "ORDER ID"
	BuyerID  = "BUYER ID"
	ItemType = "ITEM TYPE"
	ItemID   = "ITEM ID"
	State    = "STATE"
)
