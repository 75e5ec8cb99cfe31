// Package migrations embeds the PostgreSQL schema for the block store.
package migrations

import "embed"

// FS holds every *.up.sql file in version order by filename.
//
//go:embed *.up.sql
var FS embed.FS
