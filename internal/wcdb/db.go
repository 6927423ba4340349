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

// Package wcdb is the working-copy database: GID aliases, cset slots with
// their per-slot entry and pending-change tables, conflict issues, and the
// transaction manager wrapping them.
//
// Transactions do not nest. Begin inside an open transaction fails with
// ErrCannotNest, and Commit or Rollback without one fails with ErrNotInTx.
// Lock contention, either on the drawer lock file or inside SQLite, is
// reported as ErrBusy; retrying is left to the caller.
package wcdb

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/storage"
	"wcengine/internal/tscache"
	"wcengine/internal/util"
)

// Cset slot labels.
const (
	LabelBaseline = "L0"
	LabelOther    = "L1"
)

// Meta keys.
const (
	MetaBranch   = "branch"
	MetaRepoPath = "repo_path"
	MetaRootGID  = "root_gid"
)

const schema = `
CREATE TABLE IF NOT EXISTS tbl_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tbl_gid (
    alias INTEGER PRIMARY KEY AUTOINCREMENT,
    gid TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS tbl_csets (
    label TEXT PRIMARY KEY,
    hid_cset TEXT NOT NULL,
    tne_table TEXT NOT NULL,
    pc_table TEXT NOT NULL,
    hid_super_root TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tbl_issue (
    alias INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    detail TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0
);
`

// DB is an open working-copy database. It owns the timestamp cache.
type DB struct {
	drawer string
	file   *storage.File
	lock   *flock.Flock
	tsc    *tscache.Cache
	tx     *Tx
}

// Open opens the database files inside the drawer directory.
func Open(drawer string, busyTimeout int) (*DB, error) {
	f, err := storage.Open(filepath.Join(drawer, config.DatabaseFileName), busyTimeout, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open working-copy database: %w", err)
	}
	tsc, err := tscache.Open(filepath.Join(drawer, config.TimestampsFileName), busyTimeout)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &DB{
		drawer: drawer,
		file:   f,
		lock:   flock.New(filepath.Join(drawer, config.LockFileName)),
		tsc:    tsc,
	}, nil
}

// TSC returns the timestamp cache.
func (db *DB) TSC() *tscache.Cache {
	return db.tsc
}

// Drawer returns the drawer directory.
func (db *DB) Drawer() string {
	return db.drawer
}

// Close rolls back any open transaction and closes the files.
func (db *DB) Close(ctx context.Context) error {
	if db.tx != nil {
		if err := db.Rollback(ctx); err != nil {
			log.Warnf("wcdb: rollback on close: %v", err)
		}
	}
	tscErr := db.tsc.Close(ctx)
	if err := db.file.Close(); err != nil {
		return err
	}
	return tscErr
}

// Begin starts a transaction. An exclusive transaction holds the drawer
// lock exclusively and starts with BEGIN IMMEDIATE; a shared one holds it
// shared and starts a deferred transaction.
func (db *DB) Begin(ctx context.Context, exclusive bool) (*Tx, error) {
	if db.tx != nil {
		return nil, common.ErrCannotNest
	}

	var locked bool
	var err error
	if exclusive {
		locked, err = db.lock.TryLock()
	} else {
		locked, err = db.lock.TryRLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock working copy: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: working copy is locked by another process", common.ErrBusy)
	}

	conn, err := db.file.Bun().Conn(ctx)
	if err != nil {
		db.lock.Unlock()
		return nil, mapBusy(fmt.Errorf("failed to acquire connection: %w", err))
	}
	stmt := "BEGIN"
	if exclusive {
		stmt = "BEGIN IMMEDIATE"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		db.lock.Unlock()
		return nil, mapBusy(fmt.Errorf("failed to begin: %w", err))
	}

	tx := newTx(db, conn, exclusive)
	db.tx = tx
	log.Debugf("wcdb: begin (exclusive=%v)", exclusive)
	return tx, nil
}

// Commit discards temporary aliases, commits the SQL transaction, then
// saves the timestamp cache.
func (db *DB) Commit(ctx context.Context) error {
	tx := db.tx
	if tx == nil {
		return common.ErrNotInTx
	}
	tx.discardTemp()
	_, err := tx.conn.ExecContext(ctx, "COMMIT")
	if err != nil {
		if _, rbErr := tx.conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			log.Debugf("wcdb: rollback after failed commit: %v", rbErr)
		}
	}
	db.finish(ctx)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to commit: %w", err))
	}
	log.Debugf("wcdb: commit")
	return nil
}

// Rollback rolls back the SQL transaction, then saves the timestamp cache.
func (db *DB) Rollback(ctx context.Context) error {
	tx := db.tx
	if tx == nil {
		return common.ErrNotInTx
	}
	tx.discardTemp()
	_, err := tx.conn.ExecContext(ctx, "ROLLBACK")
	db.finish(ctx)
	if err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	log.Debugf("wcdb: rollback")
	return nil
}

func (db *DB) finish(ctx context.Context) {
	tx := db.tx
	db.tx = nil
	tx.closed = true
	if err := tx.conn.Close(); err != nil {
		log.Debugf("wcdb: close connection: %v", err)
	}
	if err := db.lock.Unlock(); err != nil {
		log.Warnf("wcdb: unlock: %v", err)
	}
	if err := db.tsc.Save(ctx); err != nil {
		log.Warnf("wcdb: %v", err)
	}
}

// InTx reports whether a transaction is open.
func (db *DB) InTx() bool {
	return db.tx != nil
}

// CurrentTx returns the open transaction or nil.
func (db *DB) CurrentTx() *Tx {
	return db.tx
}

// AssertInTx fails with ErrNotInTx when no transaction is open.
func (db *DB) AssertInTx() error {
	if db.tx == nil {
		return common.ErrNotInTx
	}
	return nil
}

// AssertNotInTx fails with ErrCannotNest when a transaction is open.
func (db *DB) AssertNotInTx() error {
	if db.tx != nil {
		return common.ErrCannotNest
	}
	return nil
}

func mapBusy(err error) error {
	if err != nil && util.IsDatabaseLocked(err) {
		return fmt.Errorf("%w: %v", common.ErrBusy, err)
	}
	return err
}
