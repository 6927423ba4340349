package wcdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"wcengine/internal/common"
)

// PCFlags is the flags_net bitfield of a pending-change row.
type PCFlags int64

const (
	PCDeleted PCFlags = 1 << iota
	PCAdded
	PCAddSpecialM // created by a merge
	PCAddSpecialU // re-created by an update (other side deleted it)
	PCMoved
	PCRenamed
	PCSparse

	// PCInvalid marks an in-memory row whose state is unknown. It is never
	// stored.
	PCInvalid PCFlags = 1 << 30
)

var pcFlagNames = []struct {
	flag PCFlags
	name string
}{
	{PCDeleted, "DELETED"},
	{PCAdded, "ADDED"},
	{PCAddSpecialM, "ADD_SPECIAL_M"},
	{PCAddSpecialU, "ADD_SPECIAL_U"},
	{PCMoved, "MOVED"},
	{PCRenamed, "RENAMED"},
	{PCSparse, "SPARSE"},
	{PCInvalid, "INVALID"},
}

func (f PCFlags) String() string {
	var parts []string
	for _, n := range pcFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// PCRow is a pending change relative to a slot's entry table.
type PCRow struct {
	Alias          int64            `bun:"alias_gid"`
	ParentAlias    int64            `bun:"alias_gid_parent"`
	Type           common.EntryType `bun:"type"`
	Flags          PCFlags          `bun:"flags_net"`
	Name           string           `bun:"entryname"`
	HIDMerge       *string          `bun:"hid_merge"`
	SparseAttrbits *int64           `bun:"sparse_attrbits"`
	SparseHID      *string          `bun:"sparse_hid"`
	RefAttrbits    *int64           `bun:"ref_attrbits"`
}

// Validate checks the storable-row invariants.
func (r *PCRow) Validate() error {
	if r.Flags&PCInvalid != 0 {
		return fmt.Errorf("%w: pending change %d carries INVALID", common.ErrInvalidArg, r.Alias)
	}
	sparse := r.Flags&PCSparse != 0
	hasSparse := r.SparseAttrbits != nil || r.SparseHID != nil
	if sparse != hasSparse {
		return fmt.Errorf("%w: pending change %d sparse flag and fields disagree", common.ErrInvalidArg, r.Alias)
	}
	if r.Name == "" && r.ParentAlias != 0 {
		return fmt.Errorf("%w: pending change %d has no name", common.ErrInvalidArg, r.Alias)
	}
	return nil
}

// StrPtr returns a pointer to s, or nil for "".
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Issue is a recorded conflict for an item.
type Issue struct {
	bun.BaseModel `bun:"table:tbl_issue"`

	Alias    int64  `bun:"alias,pk"`
	Kind     string `bun:"kind,notnull"`
	Detail   string `bun:"detail,notnull"` // JSON
	Resolved bool   `bun:"resolved,notnull"`
}

// PutIssue upserts an issue.
func (tx *Tx) PutIssue(ctx context.Context, is *Issue) error {
	if err := tx.check(); err != nil {
		return err
	}
	if IsTemp(is.Alias) {
		return fmt.Errorf("%w: issue on temporary alias", common.ErrInvalidArg)
	}
	_, err := tx.conn.NewInsert().Model(is).
		On("CONFLICT (alias) DO UPDATE").
		Set("kind = EXCLUDED.kind, detail = EXCLUDED.detail, resolved = EXCLUDED.resolved").
		Exec(ctx)
	return err
}

// Issues returns every issue ordered by alias.
func (tx *Tx) Issues(ctx context.Context) ([]Issue, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var issues []Issue
	err := tx.conn.NewSelect().Model(&issues).Order("alias ASC").Scan(ctx)
	return issues, err
}

// DeleteIssue removes the issue of alias.
func (tx *Tx) DeleteIssue(ctx context.Context, alias int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewDelete().Model((*Issue)(nil)).Where("alias = ?", alias).Exec(ctx)
	return err
}

// ClearIssues removes every issue.
func (tx *Tx) ClearIssues(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	_, err := tx.conn.NewDelete().Model((*Issue)(nil)).Where("1 = 1").Exec(ctx)
	return err
}
