//go:build !cgo

package db

import "database/sql"

func openLibSQL(string) (*sql.DB, error) {
	return nil, ErrLibSQLUnavailable
}
