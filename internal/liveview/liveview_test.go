package liveview

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/hid"
	"wcengine/internal/ignore"
	"wcengine/internal/wcdb"
)

type env struct {
	root    string
	tx      *wcdb.Tx
	aliases map[string]int64
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// newEnv records a baseline of @/readme, @/lost.txt, @/sub and
// @/sub/x.txt, and writes everything but lost.txt to disk.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	drawer := filepath.Join(root, config.DrawerName)
	require.NoError(t, os.MkdirAll(drawer, 0o755))
	db, err := wcdb.Open(drawer, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(ctx) })

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	e := &env{root: root, tx: tx, aliases: make(map[string]int64)}

	alias := func(name string) int64 {
		a, err := tx.AliasForGID(ctx, common.NewGID())
		require.NoError(t, err)
		e.aliases[name] = a
		return a
	}
	rootGID := common.NewGID()
	rootAlias, err := tx.AliasForGID(ctx, rootGID)
	require.NoError(t, err)
	require.NoError(t, tx.SetMeta(ctx, wcdb.MetaRootGID, rootGID))
	e.aliases[""] = rootAlias

	tne, pc := wcdb.NewTableNames()
	require.NoError(t, tx.CreateTNETable(ctx, tne))
	require.NoError(t, tx.CreatePCTable(ctx, pc))
	require.NoError(t, tx.PutCSet(ctx, &wcdb.CSetRow{Label: wcdb.LabelBaseline, HIDCset: "c", TNETable: tne, PCTable: pc, HIDSuperRoot: "s"}))
	require.NoError(t, tx.InsertTNE(ctx, tne,
		wcdb.TNERow{Alias: rootAlias, Type: common.TypeDir, HID: "r", Name: common.RootName},
		wcdb.TNERow{Alias: alias("readme"), ParentAlias: rootAlias, Type: common.TypeFile, HID: hid.Sum([]byte("hello")), Name: "readme"},
		wcdb.TNERow{Alias: alias("lost.txt"), ParentAlias: rootAlias, Type: common.TypeFile, HID: hid.Sum([]byte("lost")), Name: "lost.txt"},
		wcdb.TNERow{Alias: alias("sub"), ParentAlias: rootAlias, Type: common.TypeDir, HID: "d", Name: "sub"},
		wcdb.TNERow{Alias: alias("sub/x.txt"), ParentAlias: e.aliases["sub"], Type: common.TypeFile, HID: hid.Sum([]byte("x")), Name: "x.txt"},
	))

	writeFile(t, root, "readme", "hello")
	writeFile(t, root, "sub/x.txt", "x")
	return e
}

func (e *env) view(t *testing.T) *View {
	t.Helper()
	m, err := ignore.New(e.root, config.DrawerName, false, []string{"*.o"})
	require.NoError(t, err)
	v, err := Open(context.Background(), e.tx, Options{
		FS:       osfs.New(e.root),
		TSC:      e.tx.DB().TSC(),
		Ignore:   m,
		AttrMask: common.AttrExec,
	})
	require.NoError(t, err)
	return v
}

func statusByPath(t *testing.T, v *View) map[string]Status {
	t.Helper()
	list, err := v.StatusUnder(context.Background(), v.Root())
	require.NoError(t, err)
	out := make(map[string]Status, len(list))
	for _, s := range list {
		out[s.Path] = s.Status
	}
	return out
}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := ScanInfo{Controlled: true, InBaseline: true, OnDisk: true}
	with := func(f func(*ScanInfo)) ScanInfo {
		si := base
		f(&si)
		return si
	}
	tests := []struct {
		name string
		in   ScanInfo
		want Status
	}{
		{"matched", base, StatusMatched},
		{"found", ScanInfo{OnDisk: true}, StatusFound},
		{"ignored", ScanInfo{OnDisk: true, Ignored: true}, StatusIgnored},
		{"reserved wins", ScanInfo{OnDisk: true, Reserved: true, Ignored: true}, StatusReserved},
		{"added", with(func(s *ScanInfo) { s.InBaseline = false }), StatusAdded},
		{"lost", with(func(s *ScanInfo) { s.OnDisk = false }), StatusLost},
		{"sparse is not lost", with(func(s *ScanInfo) { s.OnDisk = false; s.Sparse = true }), StatusMatched | StatusSparse},
		{"deleted hides content", with(func(s *ScanInfo) { s.Deleted = true; s.ContentChanged = true }), StatusDeleted},
		{"renamed", with(func(s *ScanInfo) { s.Renamed = true }), StatusMatched | StatusRenamed},
		{"multiple", with(func(s *ScanInfo) { s.Moved = true; s.ContentChanged = true }), StatusMatched | StatusMoved | StatusContentChanged | StatusMultiple},
		{"added has no content change", with(func(s *ScanInfo) { s.InBaseline = false; s.ContentChanged = true }), StatusAdded},
		{"conflicted", with(func(s *ScanInfo) { s.Conflicted = true }), StatusMatched | StatusConflicted},
		{"update created", with(func(s *ScanInfo) { s.InBaseline = false; s.UpdateCreated = true }), StatusAdded | StatusUpdateCreated},
		{"auto merged", with(func(s *ScanInfo) { s.ContentChanged = true; s.AutoMerge = AutoMergeEdited }), StatusMatched | StatusContentChanged | StatusAutoMergedEdited},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.in)
			assert.Equal(t, tt.want, got, "got %s", got)
			assert.NotZero(t, got.Primary())
		})
	}
	assert.Equal(t, "MATCHED|RENAMED", (StatusMatched | StatusRenamed).String())
}

func TestScanMergesDiskAndBaseline(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	writeFile(t, e.root, "new.txt", "n")
	writeFile(t, e.root, "build.o", "obj")
	v := e.view(t)

	st := statusByPath(t, v)
	assert.Equal(t, StatusLost, st["lost.txt"])
	assert.Equal(t, StatusFound, st["new.txt"])
	assert.Equal(t, StatusIgnored, st["build.o"])
	assert.NotContains(t, st, config.DrawerName)
	assert.NotContains(t, st, "readme")
	assert.NotContains(t, st, "sub/x.txt")

	drawer, err := v.ItemByPath(context.Background(), config.DrawerName, false)
	require.NoError(t, err)
	ds, err := v.Status(context.Background(), drawer)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, ds)

	found, err := v.ItemByPath(context.Background(), "new.txt", false)
	require.NoError(t, err)
	assert.True(t, wcdb.IsTemp(found.Alias))
	assert.False(t, found.Controlled)
}

func TestContentAndAttrChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	writeFile(t, e.root, "readme", "changed")
	require.NoError(t, os.Chmod(filepath.Join(e.root, "sub", "x.txt"), 0o755))
	v := e.view(t)

	st := statusByPath(t, v)
	assert.Equal(t, StatusMatched|StatusContentChanged, st["readme"])
	assert.Equal(t, StatusMatched|StatusAttrChanged, st["sub/x.txt"])

	x, err := v.ItemByPath(ctx, "sub/x.txt", false)
	require.NoError(t, err)
	h, err := v.CurrentHID(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, hid.Sum([]byte("x")), h)

	sub, err := v.ItemByPath(ctx, "sub", false)
	require.NoError(t, err)
	_, err = v.CurrentHID(ctx, sub)
	assert.ErrorIs(t, err, common.ErrIsDir)
}

func TestPendingChangesFollowItemState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	v := e.view(t)

	readme, err := v.ItemByPath(ctx, "readme", false)
	require.NoError(t, err)
	sub, err := v.ItemByPath(ctx, "sub", false)
	require.NoError(t, err)

	require.NoError(t, v.Relocate(ctx, readme, sub, "README"))
	assert.Equal(t, "sub/README", v.Path(readme))
	_, err = v.ItemByPath(ctx, "readme", false)
	assert.ErrorIs(t, err, common.ErrNotFound)

	ups, dels := v.PendingChanges()
	require.Len(t, ups, 1)
	assert.Empty(t, dels)
	assert.Equal(t, wcdb.PCMoved|wcdb.PCRenamed, ups[0].Flags)
	assert.Equal(t, sub.Alias, ups[0].ParentAlias)

	st := statusByPath(t, v)
	assert.Equal(t, StatusMatched|StatusMoved|StatusRenamed|StatusMultiple, st["sub/README"])

	x, err := v.ItemByPath(ctx, "sub/x.txt", false)
	require.NoError(t, err)
	require.NoError(t, v.MarkDeleted(x, true))
	ups, _ = v.PendingChanges()
	require.Len(t, ups, 2)
	assert.Equal(t, wcdb.PCDeleted, ups[1].Flags)

	deleted, err := v.ItemByPath(ctx, "sub/x.txt", true)
	require.NoError(t, err)
	assert.Same(t, x, deleted)
}

func TestPendingRowsAreReloaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	cs, err := e.tx.GetCSet(ctx, wcdb.LabelBaseline)
	require.NoError(t, err)
	require.NoError(t, e.tx.UpsertPC(ctx, cs.PCTable, &wcdb.PCRow{
		Alias: e.aliases["sub/x.txt"], ParentAlias: e.aliases[""], Type: common.TypeFile, Flags: wcdb.PCMoved, Name: "x.txt",
	}))
	// On disk the file already sits at its new place.
	require.NoError(t, os.Rename(filepath.Join(e.root, "sub", "x.txt"), filepath.Join(e.root, "x.txt")))

	v := e.view(t)
	st := statusByPath(t, v)
	assert.Equal(t, StatusMatched|StatusMoved, st["x.txt"])
	assert.NotContains(t, st, "sub/x.txt")

	// Moving it back clears the row.
	x, err := v.ItemByPath(ctx, "x.txt", false)
	require.NoError(t, err)
	sub, err := v.ItemByPath(ctx, "sub", false)
	require.NoError(t, err)
	require.NoError(t, v.Relocate(ctx, x, sub, "x.txt"))
	ups, dels := v.PendingChanges()
	assert.Empty(t, ups)
	assert.Equal(t, []int64{e.aliases["sub/x.txt"]}, dels)
}

func TestSynthesizeReplacement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	v := e.view(t)

	old, err := v.ItemByPath(ctx, "readme", false)
	require.NoError(t, err)
	nu, err := v.SynthesizeReplacement(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, old.GID, nu.GID)
	assert.True(t, old.Stale())
	assert.ErrorIs(t, old.Check(), common.ErrStale)
	_, err = v.Status(ctx, old)
	assert.ErrorIs(t, err, common.ErrStale)
	_, err = v.SynthesizeReplacement(ctx, old)
	assert.ErrorIs(t, err, common.ErrStale)

	got, err := v.ItemByPath(ctx, "readme", false)
	require.NoError(t, err)
	assert.Same(t, nu, got)
	byAlias, err := v.ItemByAlias(ctx, old.Alias)
	require.NoError(t, err)
	assert.Same(t, nu, byAlias)
}

func TestPromoteRekeysDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	writeFile(t, e.root, "newdir/inner.txt", "i")
	v := e.view(t)

	dir, err := v.ItemByPath(ctx, "newdir", false)
	require.NoError(t, err)
	inner, err := v.ItemByPath(ctx, "newdir/inner.txt", false)
	require.NoError(t, err)
	assert.Equal(t, dir.Alias, inner.Parent)

	alias, err := e.tx.AliasForGID(ctx, dir.GID)
	require.NoError(t, err)
	require.NoError(t, v.Promote(dir, alias))
	assert.Equal(t, alias, inner.Parent)
	assert.Equal(t, "newdir/inner.txt", v.Path(inner))
	assert.True(t, dir.Added())
	assert.ErrorIs(t, v.Promote(dir, alias), common.ErrExists)

	ups, _ := v.PendingChanges()
	require.Len(t, ups, 1)
	assert.Equal(t, wcdb.PCAdded, ups[0].Flags)

	require.NoError(t, v.Demote(dir))
	ups, _ = v.PendingChanges()
	assert.Empty(t, ups)
}

func TestLoadAllScansDirectories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	writeFile(t, e.root, "sub/x.txt", "edited")
	v := e.view(t)
	require.NoError(t, v.LoadAll(ctx))

	byAlias := make(map[int64]*Item)
	for _, it := range v.Items() {
		byAlias[it.Alias] = it
	}
	x := byAlias[e.aliases["sub/x.txt"]]
	require.NotNil(t, x)
	assert.True(t, x.OnDisk)
	require.NotNil(t, x.Disk)
	h, err := v.CurrentHID(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, hid.Sum([]byte("edited")), h)

	lost := byAlias[e.aliases["lost.txt"]]
	require.NotNil(t, lost)
	assert.False(t, lost.OnDisk)
	assert.True(t, byAlias[e.aliases["sub"]].OnDisk)
}
