package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"wcengine/internal/common"
)

// CSetRow is one cset slot.
type CSetRow struct {
	bun.BaseModel `bun:"table:tbl_csets"`

	Label        string `bun:"label,pk"`
	HIDCset      string `bun:"hid_cset,notnull"`
	TNETable     string `bun:"tne_table,notnull"`
	PCTable      string `bun:"pc_table,notnull"`
	HIDSuperRoot string `bun:"hid_super_root,notnull"`
}

// TNERow is a baseline entry of a cset slot. ParentAlias is 0 for the
// root directory.
type TNERow struct {
	Alias       int64            `bun:"alias_gid"`
	ParentAlias int64            `bun:"alias_gid_parent"`
	Type        common.EntryType `bun:"type"`
	HID         string           `bun:"hid"`
	Name        string           `bun:"entryname"`
	Attrbits    common.Attrbits  `bun:"attrbits"`
}

const tneTableSQL = `
CREATE TABLE IF NOT EXISTS ? (
    alias_gid INTEGER PRIMARY KEY,
    alias_gid_parent INTEGER NOT NULL,
    type INTEGER NOT NULL,
    hid TEXT NOT NULL,
    entryname TEXT NOT NULL,
    attrbits INTEGER NOT NULL
)`

const tneIndexSQL = `CREATE INDEX IF NOT EXISTS ? ON ? (alias_gid_parent)`

const pcTableSQL = `
CREATE TABLE IF NOT EXISTS ? (
    alias_gid INTEGER PRIMARY KEY,
    alias_gid_parent INTEGER NOT NULL,
    type INTEGER NOT NULL,
    flags_net INTEGER NOT NULL,
    entryname TEXT NOT NULL,
    hid_merge TEXT NULL,
    sparse_attrbits INTEGER NULL,
    sparse_hid TEXT NULL,
    ref_attrbits INTEGER NULL
)`

// NewTableNames returns fresh entry and pending-change table names.
func NewTableNames() (tne, pc string) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "tne_" + id, "pc_" + id
}

// --- Cset slots ---

// GetCSet returns the slot for label.
func (tx *Tx) GetCSet(ctx context.Context, label string) (*CSetRow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var row CSetRow
	err := tx.conn.NewSelect().Model(&row).Where("label = ?", label).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cset %s", common.ErrNotFound, label)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CSets returns all slots ordered by label.
func (tx *Tx) CSets(ctx context.Context) ([]CSetRow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var rows []CSetRow
	err := tx.conn.NewSelect().Model(&rows).Order("label ASC").Scan(ctx)
	return rows, err
}

// PutCSet upserts a slot.
func (tx *Tx) PutCSet(ctx context.Context, row *CSetRow) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewInsert().Model(row).
		On("CONFLICT (label) DO UPDATE").
		Set("hid_cset = EXCLUDED.hid_cset, tne_table = EXCLUDED.tne_table, pc_table = EXCLUDED.pc_table, hid_super_root = EXCLUDED.hid_super_root").
		Exec(ctx)
	return err
}

// DeleteCSet removes a slot row. Its tables are left to the caller.
func (tx *Tx) DeleteCSet(ctx context.Context, label string) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewDelete().Model((*CSetRow)(nil)).Where("label = ?", label).Exec(ctx)
	return err
}

// CreateTNETable creates an entry table.
func (tx *Tx) CreateTNETable(ctx context.Context, name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.conn.NewRaw(tneTableSQL, bun.Ident(name)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	_, err := tx.conn.NewRaw(tneIndexSQL, bun.Ident("idx_"+name+"_parent"), bun.Ident(name)).Exec(ctx)
	return err
}

// CreatePCTable creates a pending-change table.
func (tx *Tx) CreatePCTable(ctx context.Context, name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.conn.NewRaw(pcTableSQL, bun.Ident(name)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	return nil
}

// DropTable drops a per-slot table.
func (tx *Tx) DropTable(ctx context.Context, name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewRaw(`DROP TABLE IF EXISTS ?`, bun.Ident(name)).Exec(ctx)
	return err
}

// --- Entry tables ---

// InsertTNE adds baseline entries.
func (tx *Tx) InsertTNE(ctx context.Context, table string, rows ...TNERow) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := tx.conn.NewRaw(`INSERT INTO ? (alias_gid, alias_gid_parent, type, hid, entryname, attrbits) VALUES (?, ?, ?, ?, ?, ?)`,
			bun.Ident(table), r.Alias, r.ParentAlias, r.Type, r.HID, r.Name, r.Attrbits).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", r.Name, err)
		}
	}
	return nil
}

// TNEChildren returns the baseline children of parent ordered by name.
func (tx *Tx) TNEChildren(ctx context.Context, table string, parent int64) ([]TNERow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var rows []TNERow
	err := tx.conn.NewRaw(`SELECT alias_gid, alias_gid_parent, type, hid, entryname, attrbits FROM ? WHERE alias_gid_parent = ? ORDER BY entryname`,
		bun.Ident(table), parent).Scan(ctx, &rows)
	return rows, err
}

// TNERowByAlias returns one baseline entry.
func (tx *Tx) TNERowByAlias(ctx context.Context, table string, alias int64) (*TNERow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var rows []TNERow
	err := tx.conn.NewRaw(`SELECT alias_gid, alias_gid_parent, type, hid, entryname, attrbits FROM ? WHERE alias_gid = ?`,
		bun.Ident(table), alias).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: entry %d", common.ErrNotFound, alias)
	}
	return &rows[0], nil
}

// AllTNE returns every entry of table.
func (tx *Tx) AllTNE(ctx context.Context, table string) ([]TNERow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var rows []TNERow
	err := tx.conn.NewRaw(`SELECT alias_gid, alias_gid_parent, type, hid, entryname, attrbits FROM ? ORDER BY alias_gid`,
		bun.Ident(table)).Scan(ctx, &rows)
	return rows, err
}

// --- Pending-change tables ---

// AllPC returns every pending-change row ordered by alias.
func (tx *Tx) AllPC(ctx context.Context, table string) ([]PCRow, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var rows []PCRow
	err := tx.conn.NewRaw(`SELECT alias_gid, alias_gid_parent, type, flags_net, entryname, hid_merge, sparse_attrbits, sparse_hid, ref_attrbits FROM ? ORDER BY alias_gid`,
		bun.Ident(table)).Scan(ctx, &rows)
	return rows, err
}

// UpsertPC validates and stores a pending-change row.
func (tx *Tx) UpsertPC(ctx context.Context, table string, r *PCRow) error {
	if err := tx.check(); err != nil {
		return err
	}
	if IsTemp(r.Alias) || IsTemp(r.ParentAlias) {
		return fmt.Errorf("%w: temporary alias in pending change", common.ErrInvalidArg)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := tx.conn.NewRaw(`INSERT INTO ? (alias_gid, alias_gid_parent, type, flags_net, entryname, hid_merge, sparse_attrbits, sparse_hid, ref_attrbits)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (alias_gid) DO UPDATE SET
    alias_gid_parent = excluded.alias_gid_parent,
    type = excluded.type,
    flags_net = excluded.flags_net,
    entryname = excluded.entryname,
    hid_merge = excluded.hid_merge,
    sparse_attrbits = excluded.sparse_attrbits,
    sparse_hid = excluded.sparse_hid,
    ref_attrbits = excluded.ref_attrbits`,
		bun.Ident(table), r.Alias, r.ParentAlias, r.Type, r.Flags, r.Name,
		r.HIDMerge, r.SparseAttrbits, r.SparseHID, r.RefAttrbits).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store pending change: %w", err)
	}
	return nil
}

// DeletePC removes a pending-change row.
func (tx *Tx) DeletePC(ctx context.Context, table string, alias int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewRaw(`DELETE FROM ? WHERE alias_gid = ?`, bun.Ident(table), alias).Exec(ctx)
	return err
}

// ClearPC removes every pending-change row.
func (tx *Tx) ClearPC(ctx context.Context, table string) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewRaw(`DELETE FROM ?`, bun.Ident(table)).Exec(ctx)
	return err
}
