// Package store persists warden entities in Postgres. Lookups return
// (nil, nil) when no row exists; deletes report a missing row as
// sql.ErrNoRows.
package store

import "database/sql"

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store with the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}
