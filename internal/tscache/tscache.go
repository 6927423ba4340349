// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tscache remembers the content HID of controlled files keyed by
// GID, together with the (mtime, size) pair observed when it was computed.
//
// The cache lives in its own database file next to the working-copy
// database and is saved explicitly after every transaction, whether the
// transaction committed or rolled back. Losing it only costs rehashing:
// every hit is checked against a fresh stat before it is trusted.
package tscache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"wcengine/internal/storage"
)

// Disabled turns the cache off. Set via WCENGINE_TSCACHE=0.
// When true, Lookup always misses and Put is a no-op.
var Disabled = os.Getenv("WCENGINE_TSCACHE") == "0"

// RacyWindow is how recent an mtime may be before a hash is not cached.
// A file written within the same filesystem timestamp granularity as the
// hash could change again without changing (mtime, size).
const RacyWindow = 2 * time.Second

// DefaultMemoryEntries bounds the in-memory layer.
const DefaultMemoryEntries = 4096

const schema = `
CREATE TABLE IF NOT EXISTS timestamps (
    gid TEXT PRIMARY KEY,
    mtime INTEGER NOT NULL,
    size INTEGER NOT NULL,
    hid TEXT NOT NULL
);
`

// Entry is one cached hash.
type Entry struct {
	bun.BaseModel `bun:"table:timestamps"`

	GID   string `bun:"gid,pk"`
	Mtime int64  `bun:"mtime,notnull"` // unix nanoseconds
	Size  int64  `bun:"size,notnull"`
	HID   string `bun:"hid,notnull"`
}

// Cache is the timestamp cache. The zero value is not usable; a nil
// *Cache is, and behaves as an always-missing cache.
type Cache struct {
	mu    sync.Mutex
	file  *storage.File
	mem   *lru.Cache[string, Entry]
	dirty map[string]*Entry // nil value means delete on save
	now   func() time.Time
}

// Open opens or creates the cache database at path.
func Open(path string, busyTimeout int) (*Cache, error) {
	f, err := storage.Open(path, busyTimeout, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open timestamp cache: %w", err)
	}
	mem, err := lru.New[string, Entry](DefaultMemoryEntries)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Cache{
		file:  f,
		mem:   mem,
		dirty: make(map[string]*Entry),
		now:   time.Now,
	}, nil
}

// Get returns the cached entry for gid.
func (c *Cache) Get(ctx context.Context, gid string) (Entry, bool, error) {
	if c == nil || Disabled {
		return Entry{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.dirty[gid]; ok {
		if e == nil {
			return Entry{}, false, nil
		}
		return *e, true, nil
	}
	if e, ok := c.mem.Get(gid); ok {
		return e, true, nil
	}

	var e Entry
	err := c.file.Bun().NewSelect().Model(&e).Where("gid = ?", gid).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read timestamp cache: %w", err)
	}
	c.mem.Add(gid, e)
	return e, true, nil
}

// Lookup returns the cached HID for gid if the entry still matches the
// given stat data. A mismatching entry is invalidated.
func (c *Cache) Lookup(ctx context.Context, gid string, mtime time.Time, size int64) (string, bool) {
	e, ok, err := c.Get(ctx, gid)
	if err != nil {
		log.Debugf("tscache: lookup %s: %v", gid, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if e.Mtime != mtime.UnixNano() || e.Size != size {
		c.Invalidate(gid)
		return "", false
	}
	return e.HID, true
}

// Put records hid for gid at the given stat data. Racily clean files are
// not recorded and any previous entry is dropped.
func (c *Cache) Put(gid string, mtime time.Time, size int64, hid string) {
	if c == nil || Disabled {
		return
	}
	if c.now().Sub(mtime) < RacyWindow {
		c.Invalidate(gid)
		return
	}
	e := Entry{GID: gid, Mtime: mtime.UnixNano(), Size: size, HID: hid}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Add(gid, e)
	c.dirty[gid] = &e
}

// Invalidate forgets gid.
func (c *Cache) Invalidate(gid string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Remove(gid)
	c.dirty[gid] = nil
}

// Pending returns the number of unsaved changes.
func (c *Cache) Pending() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Save writes unsaved changes to disk.
func (c *Cache) Save(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dirty) == 0 {
		return nil
	}

	err := c.file.Bun().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for gid, e := range c.dirty {
			if e == nil {
				if _, err := tx.NewDelete().Model((*Entry)(nil)).Where("gid = ?", gid).Exec(ctx); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.NewInsert().
				Model(e).
				On("CONFLICT (gid) DO UPDATE").
				Set("mtime = EXCLUDED.mtime, size = EXCLUDED.size, hid = EXCLUDED.hid").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save timestamp cache: %w", err)
	}
	log.Debugf("tscache: saved %d entries", len(c.dirty))
	c.dirty = make(map[string]*Entry)
	return nil
}

// Close saves and closes the cache.
func (c *Cache) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	saveErr := c.Save(ctx)
	if err := c.file.Close(); err != nil {
		return err
	}
	return saveErr
}
