package commit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcengine/internal/common"
	"wcengine/internal/liveview"
	"wcengine/internal/merge"
	"wcengine/internal/repo"
	"wcengine/internal/wctx"
	"wcengine/internal/workdir"
)

type fixture struct {
	wc   *workdir.WorkingCopy
	root string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	wc, err := workdir.Init(context.Background(), root, workdir.InitOptions{User: "tester"})
	require.NoError(t, err)
	t.Cleanup(func() { wc.Close(context.Background()) })
	return &fixture{wc: wc, root: root}
}

func (f *fixture) write(t *testing.T, p, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (f *fixture) add(t *testing.T, paths ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.wc.Begin(ctx, true)
	require.NoError(t, err)
	for _, p := range paths {
		if err := tx.Add(ctx, p, wctx.AddOptions{Recursive: true}); err != nil {
			_ = tx.Cancel(ctx)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tx.Apply(ctx))
}

func (f *fixture) commit(t *testing.T, opts Options) *Result {
	t.Helper()
	if opts.Message == "" && opts.MessageFn == nil {
		opts.Message = "change"
	}
	if opts.User == "" {
		opts.User = "tester"
	}
	res, err := Commit(context.Background(), f.wc.Env(), opts)
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T) map[string]liveview.Status {
	t.Helper()
	ctx := context.Background()
	tx, err := f.wc.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Cancel(ctx)
	sts, err := tx.Status(ctx, "")
	require.NoError(t, err)
	out := make(map[string]liveview.Status)
	for _, s := range sts {
		if s.Status.Primary() != liveview.StatusReserved {
			out[s.Path] = s.Status
		}
	}
	return out
}

func (f *fixture) parents(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	tx, err := f.wc.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Cancel(ctx)
	parents, err := tx.Parents(ctx)
	require.NoError(t, err)
	return parents
}

func TestCommitAddedTree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	before := f.parents(t)
	f.write(t, "src/main.go", "package main\n")
	f.write(t, "README", "hi\n")
	f.add(t, "src", "README")

	res := f.commit(t, Options{Message: "first"})
	assert.Equal(t, before, res.Parents)
	assert.Equal(t, repo.DefaultBranch, res.Branch)
	assert.Equal(t, []string{res.CsetHID}, f.parents(t))
	assert.Empty(t, f.status(t))

	snap, err := repo.Snapshot(ctx, f.wc.Repo(), res.SuperHID)
	require.NoError(t, err)
	var paths []string
	for _, we := range snap {
		paths = append(paths, we.Path)
	}
	assert.ElementsMatch(t, []string{"", "README", "src", "src/main.go"}, paths)

	heads, err := f.wc.Repo().BranchHeads(ctx, repo.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, []string{res.CsetHID}, heads)
}

func TestCommitWithoutChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := Commit(context.Background(), f.wc.Env(), Options{Message: "nothing", User: "tester"})
	require.ErrorIs(t, err, common.ErrNothingToCommit)
}

func TestRewritingSameContentIsNotAChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "a.txt", "same\n")
	f.add(t, "a.txt")
	f.commit(t, Options{})

	f.write(t, "a.txt", "same\n")
	_, err := Commit(context.Background(), f.wc.Env(), Options{Message: "again", User: "tester"})
	require.ErrorIs(t, err, common.ErrNothingToCommit)
}

func TestPartialCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.write(t, "d/b.txt", "b\n")
	f.add(t, "a.txt", "d")
	f.commit(t, Options{})

	f.write(t, "a.txt", "a2\n")
	f.write(t, "d/b.txt", "b2\n")
	f.write(t, "d/c.txt", "c\n")
	f.add(t, "d/c.txt")
	f.commit(t, Options{Paths: []string{"d"}})

	st := f.status(t)
	assert.Equal(t, map[string]liveview.Status{
		"a.txt": liveview.StatusMatched | liveview.StatusContentChanged,
	}, st)
}

func TestPartialCommitOfMove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.write(t, "d/keep.txt", "k\n")
	f.add(t, "a.txt", "d")
	f.commit(t, Options{})

	tx, err := f.wc.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Move(ctx, "a.txt", "d"))
	require.NoError(t, tx.Apply(ctx))

	res := f.commit(t, Options{Paths: []string{"d/a.txt"}})
	assert.Empty(t, f.status(t))
	snap, err := repo.Snapshot(ctx, f.wc.Repo(), res.SuperHID)
	require.NoError(t, err)
	var paths []string
	for _, we := range snap {
		paths = append(paths, we.Path)
	}
	assert.ElementsMatch(t, []string{"", "d", "d/a.txt", "d/keep.txt"}, paths)
}

func TestCommitRejectsUncontrolledPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	f.write(t, "loose.txt", "x\n")
	_, err := Commit(context.Background(), f.wc.Env(), Options{Paths: []string{"loose.txt"}, Message: "m", User: "tester"})
	require.ErrorIs(t, err, common.ErrNotControlled)
}

func TestMessageIsAskedForLast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")

	_, err := f.wc.Repo().CreateUser(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, f.wc.Repo().SetUserInactive(ctx, "gone", true))

	asked := false
	ask := func() (string, error) {
		asked = true
		return "from the editor", nil
	}
	_, err = Commit(ctx, f.wc.Env(), Options{User: "gone", MessageFn: ask})
	require.ErrorIs(t, err, common.ErrInactiveUser)
	assert.False(t, asked)

	_, err = Commit(ctx, f.wc.Env(), Options{User: "tester", MessageFn: ask, Associations: []string{"BUG-1"}})
	require.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, asked)

	res := f.commit(t, Options{MessageFn: ask})
	assert.True(t, asked)
	comments, err := f.wc.Repo().Comments(ctx, res.CsetHID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "from the editor", comments[0].Text)
	assert.Equal(t, "tester", comments[0].Who)
}

func TestUnknownUserIsNotCreated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")

	asked := false
	_, err := Commit(ctx, f.wc.Env(), Options{
		Paths: []string{"a.txt"},
		User:  "nobody",
		MessageFn: func() (string, error) {
			asked = true
			return "", nil
		},
	})
	require.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, asked)
	_, err = f.wc.Repo().UserByName(ctx, "nobody")
	require.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, map[string]liveview.Status{"a.txt": liveview.StatusAdded}, f.status(t))
}

func TestCommitEverythingReadsNestedEdits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a/b/c.txt", "one\n")
	f.write(t, "top.txt", "top\n")
	f.add(t, "a", "top.txt")
	f.commit(t, Options{})

	f.write(t, "a/b/c.txt", "two\n")
	res := f.commit(t, Options{Message: "edit"})
	assert.Empty(t, f.status(t))

	snap, err := repo.Snapshot(ctx, f.wc.Repo(), res.SuperHID)
	require.NoError(t, err)
	var got string
	for _, we := range snap {
		if we.Path == "a/b/c.txt" {
			data, err := f.wc.Repo().FetchBlob(ctx, we.HID)
			require.NoError(t, err)
			got = string(data)
		}
	}
	assert.Equal(t, "two\n", got)
}

func TestCancelFailureIsLogged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	hook := logtest.NewGlobal()
	tx, err := f.wc.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Cancel(ctx))

	c := &committer{env: f.wc.Env(), tx: tx}
	c.cancel(ctx)
	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "failed to cancel working-copy transaction") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMessageValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	f.wc.Config().MaxCommentLength = 10

	tests := []struct {
		name string
		msg  string
		err  error
	}{
		{"empty", "", common.ErrEmptyComment},
		{"blank", "  \n ", common.ErrEmptyComment},
		{"too long", strings.Repeat("x", 11), common.ErrCommentTooLong},
		{"invalid utf-8", "ab\xffcd", common.ErrInvalidArg},
	}
	for _, tt := range tests {
		_, err := Commit(ctx, f.wc.Env(), Options{Message: tt.msg, User: "tester"})
		require.ErrorIs(t, err, tt.err, tt.name)
	}
	assert.Equal(t, liveview.StatusAdded, f.status(t)["a.txt"])
}

func TestBranchMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	_, err := Commit(context.Background(), f.wc.Env(), Options{Message: "m", User: "tester", Branch: "release"})
	require.ErrorIs(t, err, common.ErrBranchMismatch)
}

func TestPostCommitRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	r := f.wc.Repo()
	require.NoError(t, r.AddWorkItem(ctx, "BUG-7", "crash on start"))
	var events []repo.CommitEvent
	r.OnAfterCommit(func(ev repo.CommitEvent) { events = append(events, ev) })

	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	res := f.commit(t, Options{Stamps: []string{"reviewed"}, Associations: []string{"BUG-7"}})

	stamps, err := r.Stamps(ctx, res.CsetHID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, stamps)
	assoc, err := r.Associations(ctx, res.CsetHID)
	require.NoError(t, err)
	assert.Equal(t, []string{"BUG-7"}, assoc)
	require.Len(t, events, 1)
	assert.Equal(t, repo.CommitEvent{CsetHID: res.CsetHID, Branch: repo.DefaultBranch, Who: "tester"}, events[0])
}

func TestCommitAfterMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	csA := f.commit(t, Options{}).CsetHID
	f.write(t, "b.txt", "b\n")
	f.add(t, "b.txt")
	csB := f.commit(t, Options{}).CsetHID

	_, err := merge.Update(ctx, f.wc.Env(), csA)
	require.NoError(t, err)
	f.write(t, "a.txt", "a2\n")
	csC := f.commit(t, Options{}).CsetHID

	_, err = merge.Merge(ctx, f.wc.Env(), csB)
	require.NoError(t, err)
	require.Equal(t, []string{csC, csB}, f.parents(t))

	_, err = Commit(ctx, f.wc.Env(), Options{Paths: []string{"b.txt"}, Message: "m", User: "tester"})
	require.ErrorIs(t, err, common.ErrPartialCommitAfterMerge)
	assert.Equal(t, []string{csC, csB}, f.parents(t))

	res := f.commit(t, Options{Message: "merge"})
	assert.Equal(t, []string{csC, csB}, res.Parents)
	assert.Equal(t, []string{res.CsetHID}, f.parents(t))
	assert.Empty(t, f.status(t))

	heads, err := f.wc.Repo().BranchHeads(ctx, repo.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, []string{res.CsetHID}, heads)
}

func TestMergeWithNoChangesStillCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "a\n")
	f.add(t, "a.txt")
	csA := f.commit(t, Options{}).CsetHID
	f.write(t, "a.txt", "b\n")
	csB := f.commit(t, Options{}).CsetHID

	_, err := merge.Update(ctx, f.wc.Env(), csA)
	require.NoError(t, err)
	f.write(t, "a.txt", "b\n")
	csC := f.commit(t, Options{}).CsetHID

	_, err = merge.Merge(ctx, f.wc.Env(), csB)
	require.NoError(t, err)
	assert.Empty(t, f.status(t))
	res := f.commit(t, Options{Message: "merge"})
	assert.Equal(t, []string{csC, csB}, res.Parents)
}
