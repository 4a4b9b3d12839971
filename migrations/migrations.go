// Package migrations embeds the PostgreSQL schema for goose.
package migrations

import "embed"

// FS holds the numbered goose migration files.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory goose reads within FS.
const Dir = "."
