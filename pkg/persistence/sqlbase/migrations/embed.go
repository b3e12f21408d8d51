// Package migrations embeds the SQL schema migrations for every supported dialect.
package migrations

import "embed"

//go:embed postgres mysql sqlite3
var FS embed.FS
