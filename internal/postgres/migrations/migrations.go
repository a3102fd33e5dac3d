// Package migrations embeds the SQL schema applied by the migrate command.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql
var FS embed.FS

// Files returns the migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
