package repo

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a cursor, record or inventory item does not exist.
var ErrNotFound = errors.New("not found")

// ChatCursor represents the chat_cursors table row.
type ChatCursor struct {
	ChatID                string
	LastNotifiedMessageID string
	LastUserMessageAt     *time.Time
	UpdatedAt             time.Time
}

// Seeded reports whether the cursor already points at a message.
func (c *ChatCursor) Seeded() bool {
	return c != nil && c.LastNotifiedMessageID != ""
}

// OrderRecord represents the order_records table row.
type OrderRecord struct {
	OrderID         string
	LastStatus      string
	CreatedNotified bool
	UpdatedAt       time.Time
}

// InventoryCount is the number of stored codes for one product.
type InventoryCount struct {
	Product string `json:"product"`
	Count   int    `json:"count"`
}

func cleanValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
