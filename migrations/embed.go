// Package migrations holds the schema, applied in file-name order by db.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
