// Package migrations embeds the SQL schema of the agenda service.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
