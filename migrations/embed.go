// Package migrations embeds graylink's SQL migrations into the binary.
package migrations

import "embed"

// FS holds every migration at its root, in the layout
// database.DB.Migrate expects.
//
//go:embed *.sql
var FS embed.FS
