package catalog

import (
	"fmt"
	"time"
)

type ItemType string

const (
	ItemCourse  ItemType = "course"
	ItemProduct ItemType = "product"
)

func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemCourse, ItemProduct:
		return ItemType(s), nil
	}
	return "", fmt.Errorf("unknown item type %q", s)
}

// Ref identifies a purchasable course or product.
type Ref struct {
	Type ItemType `json:"item_type"`
	ID   string   `json:"item_id"`
}

func (r Ref) String() string {
	return string(r.Type) + "/" + r.ID
}

// Item is a catalog entry. Price is in the smallest currency unit (won).
type Item struct {
	Ref
	Name       string    `json:"name"`
	Price      int64     `json:"price"`
	SalesCount int64     `json:"sales_count"`
	Published  bool      `json:"published"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewItem is the admin input for creating or repricing an item.
type NewItem struct {
	Ref
	Name      string `json:"name" validate:"required,max=200"`
	Price     int64  `json:"price" validate:"gte=0"`
	Published bool   `json:"published"`
}
