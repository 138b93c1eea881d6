package repo

import (
	"context"
	"io/fs"
	"time"
)

// Store defines the durable cursors used by the polling loops. Every method is
// individually atomic and serialized with every other method on the same Store.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Chats
	GetChatCursor(ctx context.Context, chatID string) (*ChatCursor, error)
	SetLastNotifiedMessage(ctx context.Context, chatID, messageID string) error
	SetLastUserMessageAt(ctx context.Context, chatID string, at time.Time) error

	// Orders
	GetOrderRecord(ctx context.Context, orderID string) (*OrderRecord, error)
	MarkOrderNotified(ctx context.Context, orderID string) error
	SetOrderStatus(ctx context.Context, orderID, status string) error

	// Digest dedup keys
	HasDigestSent(ctx context.Context, key string) (bool, error)
	MarkDigestSent(ctx context.Context, key string) error

	// Inventory
	AddInventoryItems(ctx context.Context, product string, values []string) (int, error)
	PopInventoryItem(ctx context.Context, product string) (string, error)
	CountInventory(ctx context.Context, product string) (int, error)
	ListInventoryProducts(ctx context.Context) ([]InventoryCount, error)
	DeleteInventoryProduct(ctx context.Context, product string) (int, error)
}
