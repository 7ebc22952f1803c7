// Package migrations embeds the saga service database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
