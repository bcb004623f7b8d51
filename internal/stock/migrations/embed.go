// Package migrations embeds the stock service schema.
package migrations

import "embed"

// FS holds the versioned SQL files applied by database.Migrate.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory within FS that holds the migrations.
const Dir = "."
