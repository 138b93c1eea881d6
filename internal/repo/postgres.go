package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides typed access to a Postgres database.
type PostgresStore struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "repo_postgres"),
		schema: schema,
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies the postgres/ migrations from filesystem.
func (s *PostgresStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ApplyMigrations(ctx, s.pool, filesystem, "postgres")
}

// WithTx executes fn within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// GetChatCursor returns the cursor of chatID or ErrNotFound.
func (s *PostgresStore) GetChatCursor(ctx context.Context, chatID string) (*ChatCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT chat_id, last_notified_message_id, last_user_message_at, updated_at
FROM chat_cursors
WHERE chat_id = $1
LIMIT 1;
`
	var c ChatCursor
	err := s.pool.QueryRow(ctx, q, chatID).Scan(&c.ChatID, &c.LastNotifiedMessageID, &c.LastUserMessageAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat cursor: %w", err)
	}
	return &c, nil
}

// SetLastNotifiedMessage advances the chat cursor.
func (s *PostgresStore) SetLastNotifiedMessage(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO chat_cursors (chat_id, last_notified_message_id, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (chat_id) DO UPDATE SET
    last_notified_message_id = EXCLUDED.last_notified_message_id,
    updated_at = NOW();
`
	if _, err := s.pool.Exec(ctx, q, chatID, messageID); err != nil {
		return fmt.Errorf("set last notified message: %w", err)
	}
	return nil
}

// SetLastUserMessageAt stores the welcome cooldown anchor for chatID.
func (s *PostgresStore) SetLastUserMessageAt(ctx context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO chat_cursors (chat_id, last_notified_message_id, last_user_message_at, updated_at)
VALUES ($1, '', $2, NOW())
ON CONFLICT (chat_id) DO UPDATE SET
    last_user_message_at = EXCLUDED.last_user_message_at,
    updated_at = NOW();
`
	if _, err := s.pool.Exec(ctx, q, chatID, at); err != nil {
		return fmt.Errorf("set last user message at: %w", err)
	}
	return nil
}

// GetOrderRecord returns the record of orderID or ErrNotFound.
func (s *PostgresStore) GetOrderRecord(ctx context.Context, orderID string) (*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT order_id, last_status, created_notified, updated_at
FROM order_records
WHERE order_id = $1
LIMIT 1;
`
	var rec OrderRecord
	err := s.pool.QueryRow(ctx, q, orderID).Scan(&rec.OrderID, &rec.LastStatus, &rec.CreatedNotified, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order record: %w", err)
	}
	return &rec, nil
}

// MarkOrderNotified sets the creation-notified flag.
func (s *PostgresStore) MarkOrderNotified(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO order_records (order_id, last_status, created_notified, updated_at)
VALUES ($1, '', TRUE, NOW())
ON CONFLICT (order_id) DO UPDATE SET
    created_notified = TRUE,
    updated_at = NOW();
`
	if _, err := s.pool.Exec(ctx, q, orderID); err != nil {
		return fmt.Errorf("mark order notified: %w", err)
	}
	return nil
}

// SetOrderStatus records the last observed status.
func (s *PostgresStore) SetOrderStatus(ctx context.Context, orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO order_records (order_id, last_status, created_notified, updated_at)
VALUES ($1, $2, FALSE, NOW())
ON CONFLICT (order_id) DO UPDATE SET
    last_status = EXCLUDED.last_status,
    updated_at = NOW();
`
	if _, err := s.pool.Exec(ctx, q, orderID, status); err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	return nil
}

// HasDigestSent reports whether key was delivered before.
func (s *PostgresStore) HasDigestSent(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM digest_keys WHERE key = $1);`, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("has digest sent: %w", err)
	}
	return exists, nil
}

// MarkDigestSent records key as delivered.
func (s *PostgresStore) MarkDigestSent(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pool.Exec(ctx, `INSERT INTO digest_keys (key, sent_at) VALUES ($1, NOW()) ON CONFLICT (key) DO NOTHING;`, key); err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}
	return nil
}

// AddInventoryItems bulk imports codes for product in one transaction.
func (s *PostgresStore) AddInventoryItems(ctx context.Context, product string, values []string) (int, error) {
	values = cleanValues(values)
	if len(values) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		for _, v := range values {
			if _, err := tx.Exec(ctx, `INSERT INTO inventory_items (product, value) VALUES ($1, $2);`, product, v); err != nil {
				return fmt.Errorf("add inventory item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// PopInventoryItem removes and returns the oldest code for product.
func (s *PostgresStore) PopInventoryItem(ctx context.Context, product string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
DELETE FROM inventory_items
WHERE id = (
    SELECT id FROM inventory_items
    WHERE product = $1
    ORDER BY id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING value;
`
	var value string
	err := s.pool.QueryRow(ctx, q, product).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pop inventory item: %w", err)
	}
	return value, nil
}

// CountInventory returns the number of stored codes for product.
func (s *PostgresStore) CountInventory(ctx context.Context, product string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_items WHERE product = $1;`, product).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inventory: %w", err)
	}
	return n, nil
}

// ListInventoryProducts returns per-product code counts.
func (s *PostgresStore) ListInventoryProducts(ctx context.Context) ([]InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.pool.Query(ctx, `SELECT product, COUNT(*) FROM inventory_items GROUP BY product ORDER BY product ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list inventory products: %w", err)
	}
	defer rows.Close()

	var res []InventoryCount
	for rows.Next() {
		var ic InventoryCount
		if err := rows.Scan(&ic.Product, &ic.Count); err != nil {
			return nil, fmt.Errorf("scan inventory product: %w", err)
		}
		res = append(res, ic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory products: %w", err)
	}
	return res, nil
}

// DeleteInventoryProduct drops every code of product.
func (s *PostgresStore) DeleteInventoryProduct(ctx context.Context, product string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, err := s.pool.Exec(ctx, `DELETE FROM inventory_items WHERE product = $1;`, product)
	if err != nil {
		return 0, fmt.Errorf("delete inventory product: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
