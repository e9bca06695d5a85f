package db

import "embed"

// MigrationFS embeds the Postgres schema migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
