// Package migrations carries the SQL schema migrations compiled into the
// binary, so a deployment never depends on a migrations directory being
// present on disk.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
