package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore provides access to a local SQLite database.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=synchronous=FULL", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection is the single serialization point for every loop.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
		now:    time.Now,
	}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping ensures the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations applies the sqlite/ migrations from filesystem.
func (s *SQLiteStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applySQLMigrations(ctx, s.db, filesystem, "sqlite")
}

// -- Chats --

func (s *SQLiteStore) GetChatCursor(ctx context.Context, chatID string) (*ChatCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT chat_id, last_notified_message_id, last_user_message_at, updated_at
FROM chat_cursors
WHERE chat_id = ?
LIMIT 1;
`
	var (
		c        ChatCursor
		lastUser sql.NullInt64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, q, chatID).Scan(&c.ChatID, &c.LastNotifiedMessageID, &lastUser, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat cursor: %w", err)
	}
	if lastUser.Valid {
		ts := time.Unix(lastUser.Int64, 0)
		c.LastUserMessageAt = &ts
	}
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

func (s *SQLiteStore) SetLastNotifiedMessage(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO chat_cursors (chat_id, last_notified_message_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (chat_id) DO UPDATE SET
    last_notified_message_id = excluded.last_notified_message_id,
    updated_at = excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, chatID, messageID, s.now().Unix()); err != nil {
		return fmt.Errorf("set last notified message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetLastUserMessageAt(ctx context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO chat_cursors (chat_id, last_notified_message_id, last_user_message_at, updated_at)
VALUES (?, '', ?, ?)
ON CONFLICT (chat_id) DO UPDATE SET
    last_user_message_at = excluded.last_user_message_at,
    updated_at = excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, chatID, at.Unix(), s.now().Unix()); err != nil {
		return fmt.Errorf("set last user message at: %w", err)
	}
	return nil
}

// -- Orders --

func (s *SQLiteStore) GetOrderRecord(ctx context.Context, orderID string) (*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT order_id, last_status, created_notified, updated_at
FROM order_records
WHERE order_id = ?
LIMIT 1;
`
	var (
		rec      OrderRecord
		notified int64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, q, orderID).Scan(&rec.OrderID, &rec.LastStatus, &notified, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order record: %w", err)
	}
	rec.CreatedNotified = notified != 0
	rec.UpdatedAt = time.Unix(updated, 0)
	return &rec, nil
}

func (s *SQLiteStore) MarkOrderNotified(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO order_records (order_id, last_status, created_notified, updated_at)
VALUES (?, '', 1, ?)
ON CONFLICT (order_id) DO UPDATE SET
    created_notified = 1,
    updated_at = excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, orderID, s.now().Unix()); err != nil {
		return fmt.Errorf("mark order notified: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetOrderStatus(ctx context.Context, orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO order_records (order_id, last_status, created_notified, updated_at)
VALUES (?, ?, 0, ?)
ON CONFLICT (order_id) DO UPDATE SET
    last_status = excluded.last_status,
    updated_at = excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, orderID, status, s.now().Unix()); err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	return nil
}

// -- Digest --

func (s *SQLiteStore) HasDigestSent(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM digest_keys WHERE key = ? LIMIT 1;`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has digest sent: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkDigestSent(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `INSERT INTO digest_keys (key, sent_at) VALUES (?, ?) ON CONFLICT (key) DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, q, key, s.now().Unix()); err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}
	return nil
}

// -- Inventory --

func (s *SQLiteStore) AddInventoryItems(ctx context.Context, product string, values []string) (int, error) {
	values = cleanValues(values)
	if len(values) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add inventory: %w", err)
	}
	const q = `INSERT INTO inventory_items (product, value, created_at) VALUES (?, ?, ?);`
	now := s.now().Unix()
	for _, v := range values {
		if _, err := tx.ExecContext(ctx, q, product, v, now); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("add inventory item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add inventory: %w", err)
	}
	return len(values), nil
}

// PopInventoryItem removes and returns the oldest code for product in one statement.
func (s *SQLiteStore) PopInventoryItem(ctx context.Context, product string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
DELETE FROM inventory_items
WHERE id = (
    SELECT id FROM inventory_items
    WHERE product = ?
    ORDER BY id ASC
    LIMIT 1
)
RETURNING value;
`
	var value string
	err := s.db.QueryRowContext(ctx, q, product).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pop inventory item: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) CountInventory(ctx context.Context, product string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_items WHERE product = ?;`, product).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inventory: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListInventoryProducts(ctx context.Context) ([]InventoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT product, COUNT(*)
FROM inventory_items
GROUP BY product
ORDER BY product ASC;
`
	rows, err := s.db.QueryContext(ctx, q)
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

func (s *SQLiteStore) DeleteInventoryProduct(ctx context.Context, product string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE product = ?;`, product)
	if err != nil {
		return 0, fmt.Errorf("delete inventory product: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
