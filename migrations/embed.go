// Package migrations ships the archive schema with the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
