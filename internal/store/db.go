// Package store owns the backend's durable state: chats, contacts,
// messages and the poll vote ledger, all in one app-owned SQLite file.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Queries is the statement set. Through DB it runs against the plain
// connection; inside InTx it runs against the open transaction.
type Queries struct {
	q querier
}

// DB wraps the SQLite connection for the backend database.
type DB struct {
	Queries
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front (immediate), so a busy
// database fails at Begin instead of mid-way through the writes.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{Queries: Queries{q: db}, DB: db}, nil
}

// InTx runs fn inside one write transaction. Any error rolls every write
// back, so fn either lands completely or leaves no trace.
func (db *DB) InTx(fn func(q *Queries) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
