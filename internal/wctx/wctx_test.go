package wctx

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcengine/internal/collider"
	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/hid"
	"wcengine/internal/journal"
	"wcengine/internal/liveview"
	"wcengine/internal/repo"
	"wcengine/internal/wcdb"
)

type dirNode struct {
	kids    map[string]*dirNode
	content *string
}

func (n *dirNode) insert(p, content string) {
	parts := strings.Split(p, "/")
	cur := n
	for i, name := range parts {
		next, ok := cur.kids[name]
		if !ok {
			next = &dirNode{kids: map[string]*dirNode{}}
			cur.kids[name] = next
		}
		if i == len(parts)-1 && !strings.HasSuffix(p, "/") {
			c := content
			next.content = &c
		}
		cur = next
	}
}

func storeDir(t *testing.T, ctx context.Context, rtx *repo.Tx, n *dirNode) string {
	t.Helper()
	tn := repo.NewTreenode()
	for name, kid := range n.kids {
		if name == "" {
			continue
		}
		if kid.content != nil {
			h, err := rtx.StoreBlob(ctx, []byte(*kid.content))
			require.NoError(t, err)
			tn.Entries[common.NewGID()] = repo.TreeEntry{Name: name, Type: common.TypeFile, HID: h}
			continue
		}
		tn.Entries[common.NewGID()] = repo.TreeEntry{Name: name, Type: common.TypeDir, HID: storeDir(t, ctx, rtx, kid)}
	}
	h, err := rtx.StoreTreenode(ctx, tn)
	require.NoError(t, err)
	return h
}

// commitFiles commits a tree given as path -> content. A path ending in
// "/" is an empty directory.
func commitFiles(t *testing.T, r *repo.Repo, files map[string]string) (string, string) {
	t.Helper()
	ctx := context.Background()
	root := &dirNode{kids: map[string]*dirNode{}}
	for p, c := range files {
		root.insert(p, c)
	}
	rtx, err := r.BeginTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	rootHID := storeDir(t, ctx, rtx, root)
	superHID, err := rtx.StoreTreenode(ctx, repo.NewSuperRoot(common.NewGID(), rootHID))
	require.NoError(t, err)
	cset, err := rtx.CommitChangeset(ctx, nil, superHID, "tester", time.Now())
	require.NoError(t, err)
	require.NoError(t, rtx.Commit())
	return cset, superHID
}

type fixture struct {
	env  *Env
	root string
	cset string
}

// newWorkingCopy checks files out into a fresh working copy.
func newWorkingCopy(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	drawer := filepath.Join(root, config.DrawerName)
	require.NoError(t, os.MkdirAll(drawer, 0o755))

	db, err := wcdb.Open(drawer, 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	r, err := repo.Open(filepath.Join(drawer, config.RepoFileName))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	cfg := config.Default()
	cfg.Ignores = []string{"*.o"}
	env := &Env{Root: root, FS: osfs.New(root), DB: db, Repo: r, Config: cfg}

	cset, superHID := commitFiles(t, r, files)
	require.NoError(t, Bootstrap(ctx, env, r, cset, superHID))

	tx, err := Begin(ctx, env, true)
	require.NoError(t, err)
	n, err := tx.RestoreLost(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx))
	t.Logf("checked out %d items", n)
	return &fixture{env: env, root: root, cset: cset}
}

func (f *fixture) begin(t *testing.T) *Tx {
	t.Helper()
	tx, err := Begin(context.Background(), f.env, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		if tx.State() == StateQueuing || tx.State() == StateApplying {
			_ = tx.Cancel(context.Background())
		}
	})
	return tx
}

func (f *fixture) write(t *testing.T, p, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(p string) bool {
	_, err := os.Lstat(filepath.Join(f.root, filepath.FromSlash(p)))
	return err == nil
}

// status returns path -> status of every item that is not clean.
func (f *fixture) status(t *testing.T) map[string]liveview.Status {
	t.Helper()
	ctx := context.Background()
	tx := f.begin(t)
	rows, err := tx.Status(ctx, "")
	require.NoError(t, err)
	require.NoError(t, tx.Cancel(ctx))
	out := make(map[string]liveview.Status, len(rows))
	for _, r := range rows {
		out[r.Path] = r.Status
	}
	return out
}

func (f *fixture) pendingRows(t *testing.T) []wcdb.PCRow {
	t.Helper()
	ctx := context.Background()
	tx := f.begin(t)
	cs, err := tx.Baseline(ctx)
	require.NoError(t, err)
	rows, err := tx.DB().AllPC(ctx, cs.PCTable)
	require.NoError(t, err)
	require.NoError(t, tx.Cancel(ctx))
	return rows
}

func TestCheckoutRestoresBaseline(t *testing.T) {
	t.Parallel()
	f := newWorkingCopy(t, map[string]string{
		"readme":      "hello\n",
		"src/main.go": "package main\n",
		"empty/":      "",
	})
	assert.Equal(t, "hello\n", f.read(t, "readme"))
	assert.Equal(t, "package main\n", f.read(t, "src/main.go"))
	assert.True(t, f.exists("empty"))
	assert.Empty(t, f.status(t))
	assert.Empty(t, f.pendingRows(t))
}

func TestAddCollidingNameIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"readme": "hello\n"})
	f.write(t, "ReadMe.", "other\n")

	tx := f.begin(t)
	err := tx.Add(ctx, "ReadMe.", AddOptions{})
	require.ErrorIs(t, err, common.ErrPortability)
	pe, ok := collider.AsPortabilityError(err)
	require.True(t, ok)
	assert.NotZero(t, pe.Flags&collider.FlagCase)
	assert.NotZero(t, pe.Flags&collider.FlagFinalDotSpace)
	require.NoError(t, tx.Apply(ctx))

	st := f.status(t)
	assert.NotContains(t, st, "readme")
	assert.Equal(t, liveview.StatusFound, st["ReadMe."].Primary())
}

func TestDeleteThenUndeleteLeavesNothingPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})

	tx := f.begin(t)
	require.NoError(t, tx.Remove(ctx, "a.txt", RemoveOptions{}))
	assert.Equal(t, 1, tx.Journal().Len())
	_, err := tx.UndoDelete(ctx, "a.txt", nil)
	require.NoError(t, err)
	assert.Zero(t, tx.Journal().Len())
	require.NoError(t, tx.Apply(ctx))

	assert.Equal(t, "a\n", f.read(t, "a.txt"))
	assert.Empty(t, f.pendingRows(t))
	assert.Empty(t, f.status(t))
}

func TestUndeleteRestoresFromRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	require.NoError(t, tx.Remove(ctx, "a.txt", RemoveOptions{}))
	require.NoError(t, tx.Apply(ctx))
	assert.False(t, f.exists("a.txt"))
	assert.Equal(t, liveview.StatusDeleted, f.status(t)["a.txt"].Primary())

	tx = f.begin(t)
	_, err := tx.UndoDelete(ctx, "a.txt", &UndeleteDest{Name: "b.txt"})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx))

	assert.Equal(t, "a\n", f.read(t, "b.txt"))
	st := f.status(t)
	assert.NotZero(t, st["b.txt"]&liveview.StatusRenamed)
	assert.Zero(t, st["b.txt"]&liveview.StatusContentChanged)
}

func TestUndeleteOfActiveItemHasNoEffect(t *testing.T) {
	t.Parallel()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})
	tx := f.begin(t)
	_, err := tx.UndoDelete(context.Background(), "a.txt", nil)
	assert.ErrorIs(t, err, common.ErrNoEffect)
}

func TestRemoveDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"d/x": "x\n", "d/e/y": "y\n", "keep": "k\n"})

	tx := f.begin(t)
	require.NoError(t, tx.Remove(ctx, "d", RemoveOptions{}))
	var paths []string
	for _, e := range tx.Journal().Entries() {
		require.Equal(t, journal.KindRemove, e.Kind)
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"d/e/y", "d/e", "d/x", "d"}, paths)
	require.NoError(t, tx.Apply(ctx))

	assert.False(t, f.exists("d"))
	st := f.status(t)
	for _, p := range []string{"d", "d/x", "d/e", "d/e/y"} {
		assert.Equal(t, liveview.StatusDeleted, st[p].Primary(), p)
	}
}

func TestRemoveDirtyFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})
	f.write(t, "a.txt", "changed\n")

	tx := f.begin(t)
	require.ErrorIs(t, tx.Remove(ctx, "a.txt", RemoveOptions{}), common.ErrDirty)
	assert.Zero(t, tx.Journal().Len())
	require.NoError(t, tx.Remove(ctx, "a.txt", RemoveOptions{Force: true}))
	require.NoError(t, tx.Apply(ctx))
	assert.False(t, f.exists("a.txt"))
}

func TestRemoveKeepLeavesFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	require.NoError(t, tx.Remove(ctx, "a.txt", RemoveOptions{Keep: true}))
	assert.Zero(t, tx.Journal().Len())
	require.NoError(t, tx.Apply(ctx))
	assert.True(t, f.exists("a.txt"))
}

func TestMoveAndRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n", "d/": "", "d/e/": ""})

	tx := f.begin(t)
	assert.ErrorIs(t, tx.Rename(ctx, "a.txt", "b.txt"), common.ErrExists)
	assert.ErrorIs(t, tx.Rename(ctx, "a.txt", "a.txt"), common.ErrNoEffect)
	assert.ErrorIs(t, tx.Move(ctx, "d", "d/e"), common.ErrInvalidArg)
	assert.ErrorIs(t, tx.Move(ctx, "a.txt", "b.txt"), common.ErrNotDir)
	assert.Zero(t, tx.Journal().Len())

	require.NoError(t, tx.Rename(ctx, "a.txt", "c.txt"))
	require.NoError(t, tx.Move(ctx, "c.txt", "d"))
	require.Equal(t, 1, tx.Journal().Len(), "adjacent moves fold")
	require.NoError(t, tx.Apply(ctx))

	assert.False(t, f.exists("a.txt"))
	assert.Equal(t, "a\n", f.read(t, "d/c.txt"))
	st := f.status(t)
	assert.Equal(t, liveview.StatusMatched|liveview.StatusMoved|liveview.StatusRenamed|liveview.StatusMultiple, st["d/c.txt"])
}

func TestMoveThereAndBackFoldsAway(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	require.NoError(t, tx.Rename(ctx, "a.txt", "b.txt"))
	require.NoError(t, tx.Rename(ctx, "b.txt", "a.txt"))
	assert.Zero(t, tx.Journal().Len())
	require.NoError(t, tx.Apply(ctx))
	assert.Empty(t, f.pendingRows(t))
}

func TestAddRecursiveSkipsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"readme": "r\n"})
	f.write(t, "src/a.go", "package a\n")
	f.write(t, "src/a.o", "obj")
	f.write(t, "src/sub/b.go", "package sub\n")

	tx := f.begin(t)
	require.NoError(t, tx.Add(ctx, "src", AddOptions{Recursive: true}))
	require.NoError(t, tx.Add(ctx, "src", AddOptions{Recursive: true}))
	assert.Zero(t, tx.Journal().Len())
	require.NoError(t, tx.Apply(ctx))

	st := f.status(t)
	for _, p := range []string{"src", "src/a.go", "src/sub", "src/sub/b.go"} {
		assert.Equal(t, liveview.StatusAdded, st[p].Primary(), p)
	}
	assert.Equal(t, liveview.StatusIgnored, st["src/a.o"].Primary())
	assert.Len(t, f.pendingRows(t), 4)
}

func TestAddReservedAndMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"readme": "r\n"})

	tx := f.begin(t)
	assert.ErrorIs(t, tx.Add(ctx, config.DrawerName, AddOptions{}), common.ErrReserved)
	assert.ErrorIs(t, tx.Add(ctx, "nope", AddOptions{}), common.ErrNotFound)
}

func TestSetAttrbits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"run.sh": "#!/bin/sh\n", "d/": ""})

	tx := f.begin(t)
	assert.ErrorIs(t, tx.SetAttrbits(ctx, "d", common.AttrExec), common.ErrInvalidArg)
	require.NoError(t, tx.SetAttrbits(ctx, "run.sh", common.AttrExec))
	require.NoError(t, tx.Apply(ctx))

	info, err := os.Stat(filepath.Join(f.root, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
	assert.Equal(t, liveview.StatusMatched|liveview.StatusAttrChanged, f.status(t)["run.sh"])
}

func TestNestedTransactionIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a": "a"})

	tx := f.begin(t)
	_, err := Begin(ctx, f.env, false)
	assert.ErrorIs(t, err, common.ErrCannotNest)
	require.NoError(t, tx.Cancel(ctx))
	assert.ErrorIs(t, tx.Cancel(ctx), common.ErrNotInTx)
	assert.ErrorIs(t, tx.Add(ctx, "a", AddOptions{}), common.ErrNotInTx)
}

func TestWrittenContentIsVerified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	it, err := tx.Lookup(ctx, "a.txt", false)
	require.NoError(t, err)
	require.NoError(t, tx.WriteContent(ctx, it, hid.Sum([]byte("expected\n")), []byte("something else\n"), 0))
	err = tx.Apply(ctx)
	require.ErrorIs(t, err, common.ErrContentMismatch)
	assert.Equal(t, StateIdle, tx.State())
}

func TestCommitDirNeedsStoredChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	tn := repo.NewTreenode()
	child := common.NewGID()
	tn.Entries[child] = repo.TreeEntry{Name: "x", Type: common.TypeFile, HID: hid.Sum([]byte("x"))}
	data, h, err := tn.Encode()
	require.NoError(t, err)
	tx.QueueCommitDir(common.NewGID(), data, h, []string{child}, 0)
	assert.ErrorIs(t, journal.CheckOrder(tx.Journal().Entries()), common.ErrJournalOrder)

	rtx, err := f.env.Repo.BeginTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	require.ErrorIs(t, tx.ApplyJournal(ctx, rtx), common.ErrJournalOrder)
}

func TestStoreBlobThenCommitDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})
	f.write(t, "a.txt", "edited\n")

	tx := f.begin(t)
	it, err := tx.Lookup(ctx, "a.txt", false)
	require.NoError(t, err)
	h, err := tx.QueueStoreBlob(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, hid.Sum([]byte("edited\n")), h)

	tn := repo.NewTreenode()
	tn.Entries[it.GID] = repo.TreeEntry{Name: "a.txt", Type: common.TypeFile, HID: h}
	data, dh, err := tn.Encode()
	require.NoError(t, err)
	tx.QueueCommitDir(common.NewGID(), data, dh, []string{it.GID}, 0)
	require.NoError(t, journal.CheckOrder(tx.Journal().Entries()))

	rtx, err := f.env.Repo.BeginTx(ctx)
	require.NoError(t, err)
	defer rtx.Rollback()
	require.NoError(t, tx.ApplyJournal(ctx, rtx))
	require.NoError(t, rtx.Commit())
	require.NoError(t, tx.Finish(ctx))

	got, err := f.env.Repo.FetchBlob(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "edited\n", string(got))
	ok, err := f.env.Repo.HasBlob(ctx, dh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLookupForms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"d/x": "x"})

	tx := f.begin(t)
	byPath, err := tx.Lookup(ctx, "d/x", false)
	require.NoError(t, err)
	byRepo, err := tx.Lookup(ctx, "@/d/x", false)
	require.NoError(t, err)
	byGID, err := tx.Lookup(ctx, byPath.GID, false)
	require.NoError(t, err)
	assert.Same(t, byPath, byRepo)
	assert.Same(t, byPath, byGID)

	parents, err := tx.Parents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{f.cset}, parents)
}

func TestCreateReportsCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newWorkingCopy(t, map[string]string{"a.txt": "a\n"})

	tx := f.begin(t)
	data := []byte("new\n")
	_, outcome, err := tx.Create(ctx, tx.View().Root(), NewItem{
		GID: common.NewGID(), Name: "a.txt", Type: common.TypeFile, HID: hid.Sum(data), Data: data,
	})
	require.NoError(t, err)
	assert.Equal(t, Collided, outcome)

	_, outcome, err = tx.Create(ctx, tx.View().Root(), NewItem{
		GID: common.NewGID(), Name: "n.txt", Type: common.TypeFile, HID: hid.Sum(data), Data: data,
	})
	require.NoError(t, err)
	assert.Equal(t, Placed, outcome)
	require.NoError(t, tx.Apply(ctx))
	assert.Equal(t, "new\n", f.read(t, "n.txt"))

	var added []string
	for p, s := range f.status(t) {
		if s.Primary() == liveview.StatusAdded {
			added = append(added, p)
		}
	}
	sort.Strings(added)
	assert.Equal(t, []string{"n.txt"}, added)
}
