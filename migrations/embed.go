// Package migrations предоставляет встроенные SQL-миграции API-сервиса.
package migrations

import "embed"

// Files содержит пары up/down миграций (порядок важен: 001, 002, ...).
//go:embed *.sql
var Files embed.FS
