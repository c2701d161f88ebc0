// Package migrations holds the SQL schema migrations of the keyguard schema.
package migrations

import "embed"

// FS contains the *.sql migrations, read through golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
