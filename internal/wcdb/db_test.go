package wcdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcengine/internal/common"
)

func openDB(t *testing.T, drawer string) *DB {
	t.Helper()
	db, err := Open(drawer, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestNestingRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	require.ErrorIs(t, db.Commit(ctx), common.ErrNotInTx)
	require.ErrorIs(t, db.Rollback(ctx), common.ErrNotInTx)
	require.ErrorIs(t, db.AssertInTx(), common.ErrNotInTx)
	require.NoError(t, db.AssertNotInTx())

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.SetMeta(ctx, MetaBranch, "master"))

	_, err = db.Begin(ctx, false)
	require.ErrorIs(t, err, common.ErrCannotNest)
	require.ErrorIs(t, db.AssertNotInTx(), common.ErrCannotNest)

	// The first transaction is unaffected.
	v, err := tx.GetMeta(ctx, MetaBranch)
	require.NoError(t, err)
	assert.Equal(t, "master", v)
	require.NoError(t, db.Commit(ctx))

	// A closed Tx refuses further use.
	_, err = tx.GetMeta(ctx, MetaBranch)
	assert.ErrorIs(t, err, common.ErrNotInTx)

	tx, err = db.Begin(ctx, false)
	require.NoError(t, err)
	v, err = tx.GetMeta(ctx, MetaBranch)
	require.NoError(t, err)
	assert.Equal(t, "master", v)
	require.NoError(t, db.Rollback(ctx))
}

func TestRollbackDiscardsWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.SetMeta(ctx, "k", "v"))
	require.NoError(t, db.Rollback(ctx))

	tx, err = db.Begin(ctx, false)
	require.NoError(t, err)
	v, err := tx.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", v)
	require.NoError(t, db.Rollback(ctx))
}

func TestBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drawer := t.TempDir()
	a := openDB(t, drawer)
	b := openDB(t, drawer)

	_, err := a.Begin(ctx, true)
	require.NoError(t, err)

	_, err = b.Begin(ctx, true)
	assert.ErrorIs(t, err, common.ErrBusy)
	_, err = b.Begin(ctx, false)
	assert.ErrorIs(t, err, common.ErrBusy)
	assert.False(t, b.InTx())

	require.NoError(t, a.Commit(ctx))
	_, err = b.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, b.Rollback(ctx))
}

func TestAliases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)

	gid := common.NewGID()
	a1, err := tx.AliasForGID(ctx, gid)
	require.NoError(t, err)
	a2, err := tx.AliasForGID(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Greater(t, a1, int64(0))

	back, err := tx.GIDForAlias(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, gid, back)

	_, err = tx.AliasForGID(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrInvalidArg)

	t1, tg1 := tx.NewTempAlias()
	t2, tg2 := tx.NewTempAlias()
	assert.True(t, IsTemp(t1))
	assert.NotEqual(t, t1, t2)
	assert.NotEqual(t, tg1, tg2)
	got, ok, err := tx.LookupAlias(ctx, tg1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t1, got)

	// Promoting a temporary GID releases its temporary alias.
	p, err := tx.AliasForGID(ctx, tg2)
	require.NoError(t, err)
	assert.False(t, IsTemp(p))
	assert.Equal(t, 1, tx.TempCount())

	require.NoError(t, db.Commit(ctx))

	tx, err = db.Begin(ctx, false)
	require.NoError(t, err)
	defer db.Rollback(ctx)
	assert.Equal(t, 0, tx.TempCount())
	_, ok, err = tx.LookupAlias(ctx, tg1)
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err = tx.LookupAlias(ctx, tg2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)
	_, err = tx.GIDForAlias(ctx, t1)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCSetTables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	defer db.Rollback(ctx)

	tne, pc := NewTableNames()
	require.NoError(t, tx.CreateTNETable(ctx, tne))
	require.NoError(t, tx.CreatePCTable(ctx, pc))
	require.NoError(t, tx.PutCSet(ctx, &CSetRow{Label: LabelBaseline, HIDCset: "c1", TNETable: tne, PCTable: pc, HIDSuperRoot: "s1"}))

	row, err := tx.GetCSet(ctx, LabelBaseline)
	require.NoError(t, err)
	assert.Equal(t, tne, row.TNETable)
	_, err = tx.GetCSet(ctx, LabelOther)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, tx.InsertTNE(ctx, tne,
		TNERow{Alias: 1, ParentAlias: 0, Type: common.TypeDir, HID: "r", Name: "@"},
		TNERow{Alias: 3, ParentAlias: 1, Type: common.TypeFile, HID: "hb", Name: "b"},
		TNERow{Alias: 2, ParentAlias: 1, Type: common.TypeFile, HID: "ha", Name: "a", Attrbits: common.AttrExec},
	))
	kids, err := tx.TNEChildren(ctx, tne, 1)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "a", kids[0].Name)
	assert.Equal(t, common.AttrExec, kids[0].Attrbits)
	one, err := tx.TNERowByAlias(ctx, tne, 3)
	require.NoError(t, err)
	assert.Equal(t, "hb", one.HID)
	_, err = tx.TNERowByAlias(ctx, tne, 99)
	assert.ErrorIs(t, err, common.ErrNotFound)

	merge := "hm"
	require.NoError(t, tx.UpsertPC(ctx, pc, &PCRow{Alias: 2, ParentAlias: 1, Type: common.TypeFile, Flags: PCRenamed, Name: "a2", HIDMerge: &merge}))
	require.NoError(t, tx.UpsertPC(ctx, pc, &PCRow{Alias: 3, ParentAlias: 1, Type: common.TypeFile, Flags: PCDeleted, Name: "b"}))
	require.NoError(t, tx.UpsertPC(ctx, pc, &PCRow{Alias: 2, ParentAlias: 1, Type: common.TypeFile, Flags: PCRenamed | PCMoved, Name: "a3"}))
	rows, err := tx.AllPC(ctx, pc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a3", rows[0].Name)
	assert.Nil(t, rows[0].HIDMerge)
	assert.Equal(t, PCRenamed|PCMoved, rows[0].Flags)

	require.NoError(t, tx.DeletePC(ctx, pc, 3))
	rows, err = tx.AllPC(ctx, pc)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, tx.DropTable(ctx, pc))
	_, err = tx.AllPC(ctx, pc)
	assert.Error(t, err)
}

func TestPCValidation(t *testing.T) {
	t.Parallel()

	bits := int64(1)
	tests := []struct {
		name string
		row  PCRow
		ok   bool
	}{
		{"plain", PCRow{Alias: 2, ParentAlias: 1, Flags: PCAdded, Name: "x"}, true},
		{"invalid bit", PCRow{Alias: 2, ParentAlias: 1, Flags: PCAdded | PCInvalid, Name: "x"}, false},
		{"sparse without fields", PCRow{Alias: 2, ParentAlias: 1, Flags: PCSparse, Name: "x"}, false},
		{"fields without sparse", PCRow{Alias: 2, ParentAlias: 1, Name: "x", SparseAttrbits: &bits}, false},
		{"sparse with fields", PCRow{Alias: 2, ParentAlias: 1, Flags: PCSparse, Name: "x", SparseHID: StrPtr("h")}, true},
		{"missing name", PCRow{Alias: 2, ParentAlias: 1}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.row.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, common.ErrInvalidArg)
			}
		})
	}
	assert.Equal(t, "DELETED|RENAMED", (PCDeleted | PCRenamed).String())
	assert.Nil(t, StrPtr(""))
}

func TestIssues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	defer db.Rollback(ctx)

	require.NoError(t, tx.PutIssue(ctx, &Issue{Alias: 5, Kind: "content", Detail: `{}`}))
	require.NoError(t, tx.PutIssue(ctx, &Issue{Alias: 5, Kind: "name", Detail: `{"a":1}`}))
	require.NoError(t, tx.PutIssue(ctx, &Issue{Alias: 2, Kind: "attr", Detail: `{}`}))
	assert.ErrorIs(t, tx.PutIssue(ctx, &Issue{Alias: -1, Kind: "x", Detail: `{}`}), common.ErrInvalidArg)

	issues, err := tx.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, int64(2), issues[0].Alias)
	assert.Equal(t, "name", issues[1].Kind)

	require.NoError(t, tx.DeleteIssue(ctx, 2))
	require.NoError(t, tx.ClearIssues(ctx))
	issues, err = tx.Issues(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestTimestampCacheSavedAfterRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t, t.TempDir())

	_, err := db.Begin(ctx, true)
	require.NoError(t, err)
	db.TSC().Put("g1", time.Now().Add(-time.Hour), 1, "h")
	assert.Equal(t, 1, db.TSC().Pending())
	require.NoError(t, db.Rollback(ctx))
	assert.Equal(t, 0, db.TSC().Pending())
}
