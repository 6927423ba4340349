package workdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcengine/internal/commit"
	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/repo"
	"wcengine/internal/wctx"
)

func TestInitCreatesInitialChangeset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	wc, err := Init(ctx, root, InitOptions{User: "tester"})
	require.NoError(t, err)
	defer wc.Close(ctx)

	assert.FileExists(t, filepath.Join(root, config.DrawerName, config.DatabaseFileName))
	assert.FileExists(t, config.Path(root))
	branch, err := wc.Branch(ctx)
	require.NoError(t, err)
	assert.Equal(t, repo.DefaultBranch, branch)
	u, err := wc.Repo().UserByName(ctx, "tester")
	require.NoError(t, err)
	assert.False(t, u.Inactive)

	heads, err := wc.Repo().BranchHeads(ctx, repo.DefaultBranch)
	require.NoError(t, err)
	require.Len(t, heads, 1)

	tx, err := wc.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Cancel(ctx)
	parents, err := tx.Parents(ctx)
	require.NoError(t, err)
	assert.Equal(t, heads, parents)
}

func TestInitTwiceFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	wc, err := Init(ctx, root, InitOptions{User: "tester"})
	require.NoError(t, err)
	require.NoError(t, wc.Close(ctx))

	_, err = Init(ctx, root, InitOptions{User: "tester"})
	require.ErrorIs(t, err, common.ErrExists)
}

func TestSecondWorkingCopyChecksOutSharedRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := filepath.Join(t.TempDir(), "shared.db")

	first := t.TempDir()
	wc, err := Init(ctx, first, InitOptions{Repo: shared, User: "tester"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(first, "hello.txt"), []byte("hi\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(first, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "dir", "x"), []byte("x\n"), 0o755))

	tx, err := wc.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Add(ctx, "hello.txt", wctx.AddOptions{}))
	require.NoError(t, tx.Add(ctx, "dir", wctx.AddOptions{Recursive: true}))
	require.NoError(t, tx.Apply(ctx))
	_, err = commit.Commit(ctx, wc.Env(), commit.Options{Message: "seed", User: "tester"})
	require.NoError(t, err)
	require.NoError(t, wc.Close(ctx))

	second := t.TempDir()
	wc2, err := Init(ctx, second, InitOptions{Repo: shared})
	require.NoError(t, err)
	defer wc2.Close(ctx)
	data, err := os.ReadFile(filepath.Join(second, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
	info, err := os.Stat(filepath.Join(second, "dir", "x"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	reopened, err := Open(ctx, second)
	require.NoError(t, err)
	defer reopened.Close(ctx)
	assert.Equal(t, shared, reopened.Repo().Path())
}

func TestFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	wc, err := Init(ctx, root, InitOptions{User: "tester"})
	require.NoError(t, err)
	require.NoError(t, wc.Close(ctx))

	deep := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	got, err := Find(deep)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotReal, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotReal)

	_, err = Find(t.TempDir())
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = Open(ctx, t.TempDir())
	require.ErrorIs(t, err, common.ErrNotFound)
}
