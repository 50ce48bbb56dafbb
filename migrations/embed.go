// Package migrations embeds the Postgres schema so the binary can migrate
// itself regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
