// Package migrations embeds the transaction journal schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
