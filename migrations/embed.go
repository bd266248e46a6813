// Package migrations embeds the entity-store SQL migrations into the binary.
//
// The files are applied by database.DB.Migrate at startup so the core can run
// against a fresh SQLite file without the SQL present on disk.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
