// Package dbmigrations exposes embedded SQL migrations for takbridge binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into takbridge binaries.
//
//go:embed *.sql
var Files embed.FS
