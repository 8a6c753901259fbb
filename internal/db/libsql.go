//go:build cgo

package db

import (
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

func openLibSQL(source string) (*sql.DB, error) {
	return sql.Open("libsql", source)
}
