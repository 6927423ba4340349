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

// Package liveview merges the baseline entries, the pending changes and
// the live filesystem into one item per entry for the duration of a
// working-copy transaction.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/ignore"
	"wcengine/internal/readdir"
	"wcengine/internal/tscache"
	"wcengine/internal/wcdb"
)

// Options configure a View.
type Options struct {
	FS       billy.Filesystem
	TSC      *tscache.Cache
	Ignore   *ignore.Matcher
	AttrMask common.Attrbits
	NoTSC    bool
}

// View is the liveview of one transaction. It is owned by that
// transaction and discarded when it ends.
type View struct {
	tx   *wcdb.Tx
	opts Options

	tne     string
	pcTable string
	pc      map[int64]*wcdb.PCRow
	issues  map[int64]*wcdb.Issue

	items map[int64]*Item
	dirs  map[int64]*Dir
	root  *Item
	all   bool
}

// Open loads the pending changes of the baseline slot and the root item.
func Open(ctx context.Context, tx *wcdb.Tx, opts Options) (*View, error) {
	cs, err := tx.GetCSet(ctx, wcdb.LabelBaseline)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	v := &View{
		tx:      tx,
		opts:    opts,
		tne:     cs.TNETable,
		pcTable: cs.PCTable,
		pc:      make(map[int64]*wcdb.PCRow),
		issues:  make(map[int64]*wcdb.Issue),
		items:   make(map[int64]*Item),
		dirs:    make(map[int64]*Dir),
	}
	rows, err := tx.AllPC(ctx, cs.PCTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending changes: %w", err)
	}
	for i := range rows {
		v.pc[rows[i].Alias] = &rows[i]
	}
	issues, err := tx.Issues(ctx)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		v.issues[issues[i].Alias] = &issues[i]
	}

	rootGID, err := tx.GetMeta(ctx, wcdb.MetaRootGID)
	if err != nil {
		return nil, err
	}
	alias, ok, err := tx.LookupAlias(ctx, rootGID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: root %q has no alias", common.ErrNotFound, rootGID)
	}
	root, err := v.itemFromDB(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to load root: %w", err)
	}
	root.Name = common.RootName
	root.startName = common.RootName
	if root.Disk, err = readdir.Stat(opts.FS, ""); err != nil {
		return nil, fmt.Errorf("failed to stat working copy root: %w", err)
	}
	root.OnDisk = true
	v.root = root
	return v, nil
}

// Tx returns the transaction the view reads through.
func (v *View) Tx() *wcdb.Tx { return v.tx }

// Tables returns the entry and pending-change tables of the baseline.
func (v *View) Tables() (tne, pc string) { return v.tne, v.pcTable }

// Root returns the root directory item.
func (v *View) Root() *Item { return v.root }

// FS returns the working directory filesystem.
func (v *View) FS() billy.Filesystem { return v.opts.FS }

func (v *View) itemFromDB(ctx context.Context, alias int64) (*Item, error) {
	if it, ok := v.items[alias]; ok {
		return it, nil
	}
	base, err := v.tx.TNERowByAlias(ctx, v.tne, alias)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	pc := v.pc[alias]
	if base == nil && pc == nil {
		return nil, fmt.Errorf("%w: alias %d", common.ErrNotFound, alias)
	}
	gid, err := v.tx.GIDForAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	it := &Item{Alias: alias, GID: gid, Controlled: true, Base: base, Issue: v.issues[alias]}
	if base != nil {
		it.Type, it.Name, it.Parent = base.Type, base.Name, base.ParentAlias
	}
	if pc != nil {
		it.orig = pc
		it.Type, it.Name, it.Parent = pc.Type, pc.Name, pc.ParentAlias
		it.Deleted = pc.Flags&wcdb.PCDeleted != 0
		it.AddSpecial = pc.Flags & (wcdb.PCAddSpecialM | wcdb.PCAddSpecialU)
		if pc.HIDMerge != nil {
			it.HIDMerge = *pc.HIDMerge
		}
	}
	it.startName, it.startParent, it.startDeleted = it.Name, it.Parent, it.Deleted
	v.items[alias] = it
	return it, nil
}

// ItemByAlias returns the item of alias with its parent directory loaded.
func (v *View) ItemByAlias(ctx context.Context, alias int64) (*Item, error) {
	if it, ok := v.items[alias]; ok {
		if it.Parent != 0 {
			if _, err := v.dirOf(ctx, it.Parent); err != nil {
				return nil, err
			}
		}
		return it, nil
	}
	it, err := v.itemFromDB(ctx, alias)
	if err != nil {
		return nil, err
	}
	if it.Parent != 0 {
		if _, err := v.dirOf(ctx, it.Parent); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// ItemByGID returns the item with gid, controlled or not.
func (v *View) ItemByGID(ctx context.Context, gid string) (*Item, error) {
	alias, ok, err := v.tx.LookupAlias(ctx, gid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, gid)
	}
	if wcdb.IsTemp(alias) {
		if it, ok := v.items[alias]; ok {
			return it, nil
		}
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, gid)
	}
	return v.ItemByAlias(ctx, alias)
}

func (v *View) dirOf(ctx context.Context, alias int64) (*Dir, error) {
	it, err := v.ItemByAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	return v.LoadDir(ctx, it)
}

// Path returns the current working-copy path of an item.
func (v *View) Path(it *Item) string {
	var parts []string
	for cur := it; cur != nil && cur.Parent != 0; cur = v.items[cur.Parent] {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return common.JoinPath(parts...)
}

// startPath returns where an item was on disk when the transaction began.
func (v *View) startPath(it *Item) string {
	var parts []string
	for cur := it; cur != nil && cur.startParent != 0; cur = v.items[cur.startParent] {
		parts = append(parts, cur.startName)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return common.JoinPath(parts...)
}

// LoadDir returns the children of a directory item, scanning it on first
// use. The scan merges the baseline entries, pending changes, items moved
// in during this transaction and the directory listing on disk.
func (v *View) LoadDir(ctx context.Context, dir *Item) (*Dir, error) {
	if err := dir.Check(); err != nil {
		return nil, err
	}
	if d, ok := v.dirs[dir.Alias]; ok {
		return d, nil
	}
	if dir.Type != common.TypeDir {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, v.Path(dir))
	}
	d := &Dir{Alias: dir.Alias}
	var startKids []*Item

	if dir.Controlled && !wcdb.IsTemp(dir.Alias) {
		rows, err := v.tx.TNEChildren(ctx, v.tne, dir.Alias)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			it, err := v.itemFromDB(ctx, r.Alias)
			if err != nil {
				return nil, err
			}
			startKids = append(startKids, it)
		}
		for _, alias := range sortedAliases(v.pc) {
			if v.pc[alias].ParentAlias != dir.Alias {
				continue
			}
			it, err := v.itemFromDB(ctx, alias)
			if err != nil {
				return nil, err
			}
			startKids = append(startKids, it)
		}
	}
	for _, alias := range sortedAliases(v.items) {
		if it := v.items[alias]; it.Parent == dir.Alias && !it.stale {
			d.items = append(d.items, it)
		}
	}

	if dir.OnDisk && !dir.Created {
		if err := v.scan(dir, d, startKids); err != nil {
			return nil, err
		}
	}
	d.sort()
	v.dirs[dir.Alias] = d
	log.Tracef("liveview: loaded %q with %d items", v.Path(dir), len(d.items))
	return d, nil
}

func (v *View) scan(dir *Item, d *Dir, startKids []*Item) error {
	rel := v.startPath(dir)
	rows, err := readdir.ReadDir(v.opts.FS, rel)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			dir.OnDisk = false
			return nil
		}
		return fmt.Errorf("failed to scan %q: %w", rel, err)
	}
	for _, row := range rows {
		var match *Item
		for _, it := range startKids {
			if it.startParent == dir.Alias && it.startName == row.Name && !it.startDeleted && it.Disk == nil {
				match = it
				break
			}
		}
		if match != nil {
			match.Disk = row
			match.OnDisk = true
			continue
		}
		alias, gid := v.tx.NewTempAlias()
		it := &Item{
			Alias:       alias,
			GID:         gid,
			Type:        row.Type,
			Name:        row.Name,
			Parent:      dir.Alias,
			OnDisk:      true,
			Disk:        row,
			startName:   row.Name,
			startParent: dir.Alias,
		}
		if dir == v.root && row.Name == config.DrawerName {
			it.Reserved = true
		} else if v.opts.Ignore != nil {
			it.Ignored = v.opts.Ignore.Ignored(row.Path, row.Type == common.TypeDir)
		}
		v.items[alias] = it
		d.items = append(d.items, it)
	}
	for _, it := range startKids {
		if it.Parent == dir.Alias && it.Disk == nil {
			it.OnDisk = false
		}
	}
	return nil
}

func sortedAliases[T any](m map[int64]T) []int64 {
	out := make([]int64, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Child returns the child of dir named name.
func (v *View) Child(ctx context.Context, dir *Item, name string, inactive bool) (*Item, error) {
	d, err := v.LoadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	it := d.find(name, inactive)
	if it == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, common.JoinPath(v.Path(dir), name))
	}
	return it, nil
}

// Children returns the children of dir in name order.
func (v *View) Children(ctx context.Context, dir *Item, inactive bool) ([]*Item, error) {
	d, err := v.LoadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	return d.Items(inactive), nil
}

// ItemByPath resolves a working-copy path. With inactive set, the last
// component may name a deleted item.
func (v *View) ItemByPath(ctx context.Context, p string, inactive bool) (*Item, error) {
	parts := common.SplitPath(common.NormalizePath(p))
	cur := v.root
	for i, part := range parts {
		if cur.Type != common.TypeDir {
			return nil, fmt.Errorf("%w: %s", common.ErrNotDir, v.Path(cur))
		}
		next, err := v.Child(ctx, cur, part, inactive && i == len(parts)-1)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// LoadAll caches every controlled item of the baseline and the pending
// changes, then scans every controlled directory so that each item
// carries its disk state.
func (v *View) LoadAll(ctx context.Context) error {
	if v.all {
		return nil
	}
	rows, err := v.tx.AllTNE(ctx, v.tne)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := v.itemFromDB(ctx, r.Alias); err != nil {
			return err
		}
	}
	for _, alias := range sortedAliases(v.pc) {
		if _, err := v.itemFromDB(ctx, alias); err != nil {
			return err
		}
	}
	// Parents are scanned before their children: a directory's own disk
	// state comes from the scan of its parent.
	if err := v.Walk(ctx, v.root, true, func(*Item, string) error { return nil }); err != nil {
		return fmt.Errorf("failed to scan working copy: %w", err)
	}
	v.all = true
	return nil
}

// Items returns every cached item ordered by alias.
func (v *View) Items() []*Item {
	out := make([]*Item, 0, len(v.items))
	for _, a := range sortedAliases(v.items) {
		out = append(out, v.items[a])
	}
	return out
}

// Walk visits the subtree under start in pre-order, children in name
// order. Uncontrolled directories are not descended into. fn may return
// SkipDir to prune a directory.
func (v *View) Walk(ctx context.Context, start *Item, inactive bool, fn func(it *Item, p string) error) error {
	err := fn(start, v.Path(start))
	if errors.Is(err, SkipDir) {
		return nil
	}
	if err != nil {
		return err
	}
	if start.Type != common.TypeDir || !start.Controlled || (start.Deleted && !inactive) {
		return nil
	}
	kids, err := v.Children(ctx, start, inactive)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := v.Walk(ctx, k, inactive, fn); err != nil {
			return err
		}
	}
	return nil
}

// SkipDir is returned by a Walk callback to skip a directory's children.
var SkipDir = errors.New("skip this directory")
