// Package dbmigrations exposes embedded SQL migrations for venuegate binaries.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into venuegate binaries.
//
//go:embed *.sql
var Files embed.FS
