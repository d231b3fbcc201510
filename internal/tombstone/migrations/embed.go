// Package migrations embeds the schema for the local tombstone database.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
