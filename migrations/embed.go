// Package migrations embeds the covercheck schema migrations for goose.
package migrations

import "embed"

// FS holds the reference data, coverage, audit and API key migrations.
//
//go:embed *.sql
var FS embed.FS
