package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"wcengine/internal/common"
)

// Tx is an open working-copy transaction. All queries run on a dedicated
// connection holding the SQL transaction.
type Tx struct {
	db        *DB
	conn      bun.Conn
	exclusive bool
	closed    bool

	tempGID   map[int64]string
	tempAlias map[string]int64
	nextTemp  int64
}

func newTx(db *DB, conn bun.Conn, exclusive bool) *Tx {
	return &Tx{
		db:        db,
		conn:      conn,
		exclusive: exclusive,
		tempGID:   make(map[int64]string),
		tempAlias: make(map[string]int64),
		nextTemp:  -1,
	}
}

// DB returns the owning database.
func (tx *Tx) DB() *DB {
	return tx.db
}

// Exclusive reports whether the transaction holds the write lock.
func (tx *Tx) Exclusive() bool {
	return tx.exclusive
}

func (tx *Tx) check() error {
	if tx.closed {
		return common.ErrNotInTx
	}
	return nil
}

func (tx *Tx) discardTemp() {
	tx.tempGID = make(map[int64]string)
	tx.tempAlias = make(map[string]int64)
}

// --- Meta ---

// GetMeta returns a meta value, or "" when unset.
func (tx *Tx) GetMeta(ctx context.Context, key string) (string, error) {
	if err := tx.check(); err != nil {
		return "", err
	}
	var value string
	err := tx.conn.NewRaw(`SELECT value FROM tbl_meta WHERE key = ?`, key).Scan(ctx, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMeta upserts a meta value.
func (tx *Tx) SetMeta(ctx context.Context, key, value string) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.ExecContext(ctx,
		`INSERT INTO tbl_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// --- GID aliases ---

// NewTempAlias allocates a temporary alias and GID for an uncontrolled
// item. Temporary aliases are negative and vanish when the transaction
// ends.
func (tx *Tx) NewTempAlias() (int64, string) {
	alias := tx.nextTemp
	tx.nextTemp--
	gid := common.NewGID()
	tx.tempGID[alias] = gid
	tx.tempAlias[gid] = alias
	return alias, gid
}

// IsTemp reports whether alias is temporary.
func IsTemp(alias int64) bool {
	return alias < 0
}

// LookupAlias returns the alias of gid, permanent or temporary.
func (tx *Tx) LookupAlias(ctx context.Context, gid string) (int64, bool, error) {
	if err := tx.check(); err != nil {
		return 0, false, err
	}
	if a, ok := tx.tempAlias[gid]; ok {
		return a, true, nil
	}
	var alias int64
	err := tx.conn.NewRaw(`SELECT alias FROM tbl_gid WHERE gid = ?`, gid).Scan(ctx, &alias)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return alias, true, nil
}

// AliasForGID returns the permanent alias of gid, interning it when new.
// A temporary GID is promoted: it gets a permanent alias and its
// temporary one is released.
func (tx *Tx) AliasForGID(ctx context.Context, gid string) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	if !common.ValidGID(gid) {
		return 0, fmt.Errorf("%w: bad gid %q", common.ErrInvalidArg, gid)
	}
	if a, ok := tx.tempAlias[gid]; ok {
		delete(tx.tempAlias, gid)
		delete(tx.tempGID, a)
	}
	var alias int64
	err := tx.conn.NewRaw(`SELECT alias FROM tbl_gid WHERE gid = ?`, gid).Scan(ctx, &alias)
	if err == nil {
		return alias, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	// libsql has no LastInsertId; use RETURNING.
	if err := tx.conn.NewRaw(`INSERT INTO tbl_gid (gid) VALUES (?) RETURNING alias`, gid).Scan(ctx, &alias); err != nil {
		return 0, fmt.Errorf("failed to intern gid: %w", err)
	}
	return alias, nil
}

// GIDForAlias returns the GID behind an alias.
func (tx *Tx) GIDForAlias(ctx context.Context, alias int64) (string, error) {
	if err := tx.check(); err != nil {
		return "", err
	}
	if IsTemp(alias) {
		if gid, ok := tx.tempGID[alias]; ok {
			return gid, nil
		}
		return "", fmt.Errorf("%w: temporary alias %d", common.ErrNotFound, alias)
	}
	var gid string
	err := tx.conn.NewRaw(`SELECT gid FROM tbl_gid WHERE alias = ?`, alias).Scan(ctx, &gid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: alias %d", common.ErrNotFound, alias)
	}
	return gid, err
}

// TempCount returns the number of live temporary aliases.
func (tx *Tx) TempCount() int {
	return len(tx.tempGID)
}
