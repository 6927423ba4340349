// Package repo is the content-addressed repository the working copy
// commits into: blobs, treenodes, changesets, the changeset DAG, branch
// heads, and commit metadata (audits, comments, stamps, associations).
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"wcengine/internal/common"
	"wcengine/internal/hid"
)

// DefaultBranch is the branch created with a new repository.
const DefaultBranch = "master"

var schemaStatements = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
	`CREATE TABLE IF NOT EXISTS blobs (
		hid TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS dagnodes (
		hid TEXT PRIMARY KEY,
		generation INTEGER NOT NULL,
		created_at_ns INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS dag_parents (
		child TEXT NOT NULL,
		parent TEXT NOT NULL,
		PRIMARY KEY (child, parent)
	);`,
	`CREATE TABLE IF NOT EXISTS audits (
		cset_hid TEXT NOT NULL,
		who TEXT NOT NULL,
		at_ns INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS branches (
		name TEXT NOT NULL,
		hid TEXT NOT NULL,
		PRIMARY KEY (name, hid)
	);`,
	`CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cset_hid TEXT NOT NULL,
		who TEXT NOT NULL,
		at_ns INTEGER NOT NULL,
		text TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS stamps (
		cset_hid TEXT NOT NULL,
		name TEXT NOT NULL,
		who TEXT NOT NULL,
		at_ns INTEGER NOT NULL,
		PRIMARY KEY (cset_hid, name)
	);`,
	`CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS associations (
		cset_hid TEXT NOT NULL,
		item_id TEXT NOT NULL REFERENCES work_items(id),
		PRIMARY KEY (cset_hid, item_id)
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		inactive INTEGER NOT NULL DEFAULT 0
	);`,
	"CREATE INDEX IF NOT EXISTS dag_parents_parent_idx ON dag_parents(parent);",
	"CREATE INDEX IF NOT EXISTS audits_cset_idx ON audits(cset_hid);",
}

// Store is the read side shared by the repository and its transactions.
type Store interface {
	FetchBlob(ctx context.Context, h string) ([]byte, error)
	HasBlob(ctx context.Context, h string) (bool, error)
	LoadTreenode(ctx context.Context, h string) (*Treenode, error)
}

// Repo is an open repository.
type Repo struct {
	path string
	db   *sql.DB
	bun  *bun.DB

	mu        sync.Mutex
	listeners []func(CommitEvent)
}

// Open opens or creates the repository database at path.
func Open(path string) (*Repo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	// A transaction holds the only connection; reads during a repository
	// transaction must go through the Tx.
	db.SetMaxOpenConns(1)
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init repository schema: %w", err)
		}
	}
	return &Repo{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// Path returns the database path.
func (r *Repo) Path() string {
	return r.path
}

// Close closes the repository.
func (r *Repo) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// FetchBlob returns the blob with the given HID.
func (r *Repo) FetchBlob(ctx context.Context, h string) ([]byte, error) {
	return fetchBlobWith(ctx, r.bun, h)
}

// HasBlob reports whether the blob is stored.
func (r *Repo) HasBlob(ctx context.Context, h string) (bool, error) {
	return hasBlobWith(ctx, r.bun, h)
}

// LoadTreenode loads and decodes a treenode.
func (r *Repo) LoadTreenode(ctx context.Context, h string) (*Treenode, error) {
	return loadTreenodeWith(ctx, r.bun, h)
}

// LoadChangeset loads and decodes a changeset.
func (r *Repo) LoadChangeset(ctx context.Context, h string) (*Changeset, error) {
	return loadChangesetWith(ctx, r.bun, h)
}

func fetchBlobWith(ctx context.Context, idb bun.IDB, h string) ([]byte, error) {
	var b BlobModel
	err := idb.NewSelect().Model(&b).Where("hid = ?", h).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", common.ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", h, err)
	}
	return b.Data, nil
}

func hasBlobWith(ctx context.Context, idb bun.IDB, h string) (bool, error) {
	n, err := idb.NewSelect().Model((*BlobModel)(nil)).Where("hid = ?", h).Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", h, err)
	}
	return n > 0, nil
}

func loadTreenodeWith(ctx context.Context, idb bun.IDB, h string) (*Treenode, error) {
	data, err := fetchBlobWith(ctx, idb, h)
	if err != nil {
		return nil, err
	}
	tn, err := DecodeTreenode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode treenode %s: %w", h, err)
	}
	return tn, nil
}

func loadChangesetWith(ctx context.Context, idb bun.IDB, h string) (*Changeset, error) {
	data, err := fetchBlobWith(ctx, idb, h)
	if err != nil {
		return nil, err
	}
	cs, err := DecodeChangeset(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode changeset %s: %w", h, err)
	}
	return cs, nil
}

func storeBlobWith(ctx context.Context, idb bun.IDB, data []byte) (string, error) {
	h := hid.Sum(data)
	_, err := idb.NewInsert().
		Model(&BlobModel{HID: h, Size: int64(len(data)), Data: data}).
		On("CONFLICT (hid) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	log.Tracef("repo: stored blob %s (%d bytes)", h, len(data))
	return h, nil
}
