package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrItemNotFound = errors.New("item not found")

type Conf struct {
	db *sql.DB
}

func NewConf(db *sql.DB) (Conf, error) {
	if db == nil {
		return Conf{}, fmt.Errorf("db is nil")
	}
	return Conf{db: db}, nil
}

// GetItem returns a published item. Its price is the only trusted source for order amounts.
func (c *Conf) GetItem(ctx context.Context, ref Ref) (Item, error) {
	query := `
		SELECT item_type, item_id, name, price, sales_count, published, created_at, updated_at
		FROM catalog_items
		WHERE item_type = $1 AND item_id = $2 AND published
	`
	item, err := scanItem(c.db.QueryRowContext(ctx, query, string(ref.Type), ref.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, fmt.Errorf("failed to query item %s: %w", ref, err)
	}
	return item, nil
}

// ListItems lists published items, optionally restricted to one type, newest first.
func (c *Conf) ListItems(ctx context.Context, itemType ItemType, limit, offset int) ([]Item, error) {
	query := `
		SELECT item_type, item_id, name, price, sales_count, published, created_at, updated_at
		FROM catalog_items
		WHERE published AND ($1 = '' OR item_type = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := c.db.QueryContext(ctx, query, string(itemType), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// UpsertItem creates or replaces the item's name, price and visibility. Orders keep the price
// they were created with.
func (c *Conf) UpsertItem(ctx context.Context, ni NewItem) (Item, error) {
	query := `
		INSERT INTO catalog_items (item_type, item_id, name, price, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (item_type, item_id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, published = EXCLUDED.published, updated_at = NOW()
		RETURNING item_type, item_id, name, price, sales_count, published, created_at, updated_at
	`
	item, err := scanItem(c.db.QueryRowContext(ctx, query, string(ni.Type), ni.ID, ni.Name, ni.Price, ni.Published))
	if err != nil {
		return Item{}, fmt.Errorf("failed to upsert item %s: %w", ni.Ref, err)
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		item     Item
		itemType string
	)
	err := row.Scan(&itemType, &item.ID, &item.Name, &item.Price, &item.SalesCount,
		&item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	item.Type = ItemType(itemType)
	return item, nil
}
