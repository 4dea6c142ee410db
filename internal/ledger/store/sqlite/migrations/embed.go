package migrations

import "embed"

// FS contains the embedded SQLite migrations for the invoice ledger.
//
//go:embed *.sql
var FS embed.FS
