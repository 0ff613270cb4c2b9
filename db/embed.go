// Package db embeds the SQL migrations for the local preference database.
package db

import (
	"embed"
	"io/fs"
)

// MigrationsFS contains all SQL migration files embedded at compile time.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrations returns the migration files rooted at the directory that holds them.
func Migrations() fs.FS {
	sub, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
