package migrations

import "embed"

// Files exposes embedded SQL migration files, one directory per store driver,
// applied in lexicographical order.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS
