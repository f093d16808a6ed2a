// Package dbmigrations exposes embedded SQL migrations for mrmarket binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into mrmarket binaries.
//
//go:embed *.sql
var Files embed.FS
