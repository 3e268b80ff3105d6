// Package migrations embeds the SQL schema of each role.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed store/*.sql central/*.sql
var files embed.FS

// Store returns the store role's migrations.
func Store() fs.FS { return sub("store") }

// Central returns the central role's migrations.
func Central() fs.FS { return sub("central") }

func sub(dir string) fs.FS {
	fsys, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return fsys
}
