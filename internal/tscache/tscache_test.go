package tscache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timestamps.db")
	c, err := Open(path, 1000)
	require.NoError(t, err)
	return c, path
}

func TestPutLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := openCache(t)
	defer c.Close(ctx)

	mtime := time.Now().Add(-time.Hour)
	c.Put("g1", mtime, 10, "hid1")

	hid, ok := c.Lookup(ctx, "g1", mtime, 10)
	require.True(t, ok)
	assert.Equal(t, "hid1", hid)

	// Stat mismatch invalidates the entry.
	_, ok = c.Lookup(ctx, "g1", mtime, 11)
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "g1", mtime, 10)
	assert.False(t, ok)
}

func TestRacyCleanNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := openCache(t)
	defer c.Close(ctx)

	mtime := time.Now()
	c.Put("g1", mtime, 3, "hid")
	_, ok := c.Lookup(ctx, "g1", mtime, 3)
	assert.False(t, ok)
}

func TestSavePersistsAcrossOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, path := openCache(t)

	mtime := time.Now().Add(-time.Hour)
	c.Put("keep", mtime, 1, "hk")
	c.Put("drop", mtime, 2, "hd")
	require.NoError(t, c.Save(ctx))
	assert.Equal(t, 0, c.Pending())

	c.Invalidate("drop")
	assert.Equal(t, 1, c.Pending())
	require.NoError(t, c.Close(ctx))

	c, err := Open(path, 1000)
	require.NoError(t, err)
	defer c.Close(ctx)

	e, ok, err := c.Get(ctx, "keep")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hk", e.HID)
	assert.Equal(t, mtime.UnixNano(), e.Mtime)

	_, ok, err = c.Get(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnsavedChangesAreLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, path := openCache(t)

	c.Put("g", time.Now().Add(-time.Hour), 1, "h")
	// Close the file without saving.
	require.NoError(t, c.file.Close())

	c, err := Open(path, 1000)
	require.NoError(t, err)
	defer c.Close(ctx)
	_, ok, err := c.Get(ctx, "g")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNilCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var c *Cache
	c.Put("g", time.Now().Add(-time.Hour), 1, "h")
	c.Invalidate("g")
	_, ok := c.Lookup(ctx, "g", time.Now(), 1)
	assert.False(t, ok)
	assert.NoError(t, c.Save(ctx))
	assert.NoError(t, c.Close(ctx))
	assert.Equal(t, 0, c.Pending())
}
