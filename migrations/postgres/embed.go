// Package migrations embeds SQL migration files.
package migrations

import "embed"

// PostgresFS contains the signer schema migrations.
//
//go:embed signer/*.sql
var PostgresFS embed.FS

// PostgresDir is the directory within PostgresFS where migrations live.
const PostgresDir = "signer"
