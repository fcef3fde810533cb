// Package migrations embeds the sync cursor schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
