// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage holds the SQLite plumbing shared by the working-copy
// database and the timestamp cache.
package storage

import (
	"database/sql"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// File is an open libsql database with its bun wrapper.
type File struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout must be set first so journal_mode=WAL waits for locks.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the libsql database at path and applies
// schema. The pool is limited to one connection so that the pragmas above
// apply to every statement.
func Open(path string, busyTimeout int, schema string) (*File, error) {
	db, err := sql.Open("libsql", BuildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, busyTimeout); err != nil {
		db.Close()
		return nil, err
	}
	if schema != "" {
		if err := ExecStatements(db, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &File{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// BuildDSN builds the libsql DSN for path.
func BuildDSN(path string, busyTimeout int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeout)
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// DB returns the underlying *sql.DB.
func (f *File) DB() *sql.DB {
	return f.db
}

// Bun returns the bun wrapper.
func (f *File) Bun() *bun.DB {
	return f.bun
}

// Close checkpoints the WAL into the main file and closes the database.
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec().
	rows, err := f.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("storage: WAL checkpoint failed for %s: %v", f.path, err)
	} else {
		rows.Close()
	}
	if err := f.db.Close(); err != nil {
		return err
	}
	f.db = nil
	os.Remove(f.path + "-wal")
	os.Remove(f.path + "-shm")
	return nil
}
