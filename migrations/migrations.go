// Package migrations embeds the SQL schema migrations.
package migrations

import "embed"

// FS holds the versioned *.up.sql / *.down.sql files.
//
//go:embed *.sql
var FS embed.FS
