// Package migrations embeds the Postgres schema and seed files.
package migrations

import "embed"

// FS holds *.up.sql, *.down.sql and seeds/*.sql.
//
//go:embed *.sql seeds/*.sql
var FS embed.FS
