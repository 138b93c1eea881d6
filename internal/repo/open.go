package repo

import (
	"context"
	"fmt"
	"log/slog"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	Schema      string
}

// Open returns the Store for opts.Driver ("sqlite" or "postgres").
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLite(ctx, opts.SQLitePath, logger)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Schema, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
