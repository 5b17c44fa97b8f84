// Package migrations embeds the sqlite schema migration files so they ship
// inside the agent binary.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
