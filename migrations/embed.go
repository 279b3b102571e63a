// Package migrations embeds the schema migration files so the migrate
// binary applies the exact SQL shipped with the build.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
