package store

import "embed"

// MigrationsFS holds the versioned schema migrations for both backends.
// Migrations run atomically at open; older files upgrade automatically.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var MigrationsFS embed.FS
