// Package migrations встраивает SQL миграции Postgres в бинарник.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
