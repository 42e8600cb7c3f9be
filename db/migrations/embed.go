// Package dbmigrations exposes embedded SQL migrations for the core binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the core binaries.
//
//go:embed *.sql
var Files embed.FS
