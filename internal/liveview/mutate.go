package liveview

import (
	"context"
	"fmt"

	"wcengine/internal/common"
	"wcengine/internal/wcdb"
)

// Relocate moves an item to a new parent and name in the view only.
func (v *View) Relocate(ctx context.Context, it, parent *Item, name string) error {
	if err := it.Check(); err != nil {
		return err
	}
	if it.Parent != 0 {
		from, err := v.dirOf(ctx, it.Parent)
		if err != nil {
			return err
		}
		from.remove(it)
	}
	to, err := v.LoadDir(ctx, parent)
	if err != nil {
		return err
	}
	it.Parent = parent.Alias
	it.Name = name
	to.insert(it)
	return nil
}

// Promote puts an uncontrolled item under version control with a
// permanent alias.
func (v *View) Promote(it *Item, alias int64) error {
	if err := it.Check(); err != nil {
		return err
	}
	if it.Controlled {
		return fmt.Errorf("%w: %s is already controlled", common.ErrExists, v.Path(it))
	}
	old := it.Alias
	delete(v.items, old)
	it.Alias = alias
	it.Controlled = true
	it.Ignored = false
	v.items[alias] = it
	if d, ok := v.dirs[old]; ok {
		delete(v.dirs, old)
		d.Alias = alias
		v.dirs[alias] = d
	}
	for _, c := range v.items {
		if c.Parent == old {
			c.Parent = alias
		}
		if c.startParent == old {
			c.startParent = alias
		}
	}
	return nil
}

// Demote takes an added item out of version control. It keeps its alias
// and stays where it is on disk.
func (v *View) Demote(it *Item) error {
	if err := it.Check(); err != nil {
		return err
	}
	if !it.Added() {
		return fmt.Errorf("%w: %s is not an added item", common.ErrInvalidArg, v.Path(it))
	}
	it.Controlled = false
	it.AddSpecial = 0
	it.HIDMerge = ""
	return nil
}

// MarkDeleted sets or clears the deleted state.
func (v *View) MarkDeleted(it *Item, deleted bool) error {
	if err := it.Check(); err != nil {
		return err
	}
	it.Deleted = deleted
	return nil
}

// CreateItem registers a controlled item the journal will create.
func (v *View) CreateItem(ctx context.Context, parent *Item, gid string, alias int64, name string, typ common.EntryType) (*Item, error) {
	d, err := v.LoadDir(ctx, parent)
	if err != nil {
		return nil, err
	}
	if x, ok := v.items[alias]; ok && !x.stale {
		return nil, fmt.Errorf("%w: alias %d", common.ErrExists, alias)
	}
	it := &Item{
		Alias:       alias,
		GID:         gid,
		Type:        typ,
		Name:        name,
		Parent:      parent.Alias,
		Controlled:  true,
		OnDisk:      true,
		Created:     true,
		startName:   name,
		startParent: parent.Alias,
	}
	if tne, err := v.tx.TNERowByAlias(ctx, v.tne, alias); err == nil {
		it.Base = tne
	}
	v.items[alias] = it
	d.insert(it)
	if typ == common.TypeDir {
		v.dirs[alias] = &Dir{Alias: alias}
	}
	return it, nil
}

// SynthesizeReplacement replaces an item with a fresh copy of its
// identity, linked into the same directory and the item cache. The old
// item becomes stale.
func (v *View) SynthesizeReplacement(ctx context.Context, old *Item) (*Item, error) {
	if err := old.Check(); err != nil {
		return nil, err
	}
	nu := &Item{
		Alias:        old.Alias,
		GID:          old.GID,
		Type:         old.Type,
		Name:         old.Name,
		Parent:       old.Parent,
		Controlled:   old.Controlled,
		Deleted:      old.Deleted,
		OnDisk:       old.OnDisk,
		Base:         old.Base,
		Disk:         old.Disk,
		AddSpecial:   old.AddSpecial,
		HIDMerge:     old.HIDMerge,
		Issue:        old.Issue,
		orig:         old.orig,
		startName:    old.startName,
		startParent:  old.startParent,
		startDeleted: old.startDeleted,
	}
	if old.Parent != 0 {
		d, err := v.dirOf(ctx, old.Parent)
		if err != nil {
			return nil, err
		}
		d.replace(old, nu)
	}
	v.items[old.Alias] = nu
	old.stale = true
	if old == v.root {
		v.root = nu
	}
	return nu, nil
}

// SetIssue records or clears the issue of an item.
func (v *View) SetIssue(it *Item, is *wcdb.Issue) {
	it.Issue = is
	if is == nil {
		delete(v.issues, it.Alias)
		return
	}
	v.issues[it.Alias] = is
}

// Issues returns the recorded issues ordered by alias.
func (v *View) Issues() []*wcdb.Issue {
	out := make([]*wcdb.Issue, 0, len(v.issues))
	for _, a := range sortedAliases(v.issues) {
		out = append(out, v.issues[a])
	}
	return out
}

// Rebase points the view at a new baseline. Every controlled item must be
// cached (see LoadAll); its baseline row becomes the one in rows.
func (v *View) Rebase(tne, pc string, rows map[int64]*wcdb.TNERow) {
	v.tne, v.pcTable = tne, pc
	v.pc = make(map[int64]*wcdb.PCRow)
	for _, it := range v.items {
		if !it.Controlled {
			continue
		}
		it.Base = rows[it.Alias]
		it.orig = nil
	}
}

// PendingChanges computes the pending-change rows of every cached item.
// Rows to delete are the cached items that had a row and no longer need
// one.
func (v *View) PendingChanges() (upserts []wcdb.PCRow, deletes []int64) {
	for _, it := range v.Items() {
		if it.stale || wcdb.IsTemp(it.Alias) {
			continue
		}
		row := it.pcRow()
		if row == nil {
			if _, had := v.pc[it.Alias]; had {
				deletes = append(deletes, it.Alias)
			}
			continue
		}
		upserts = append(upserts, *row)
	}
	return upserts, deletes
}

// CurrentAttrbits returns the attribute bits an item has now or will have
// once the journal is applied.
func (v *View) CurrentAttrbits(it *Item) common.Attrbits {
	if it.PendingAttrbits != nil {
		return *it.PendingAttrbits & v.opts.AttrMask
	}
	if it.Disk != nil && it.OnDisk {
		return it.Disk.Attrbits(v.opts.AttrMask)
	}
	if it.Base != nil {
		return it.Base.Attrbits & v.opts.AttrMask
	}
	return 0
}

// CurrentHID returns the content HID of a file or symlink as it is on
// disk, or as queued.
func (v *View) CurrentHID(ctx context.Context, it *Item) (string, error) {
	if err := it.Check(); err != nil {
		return "", err
	}
	if it.Type == common.TypeDir {
		return "", fmt.Errorf("%w: %s", common.ErrIsDir, v.Path(it))
	}
	if it.PendingHID != "" {
		return it.PendingHID, nil
	}
	if !it.OnDisk || it.Disk == nil {
		return "", fmt.Errorf("%w: %s is not on disk", common.ErrNotFound, v.Path(it))
	}
	gid := it.GID
	if !it.Controlled {
		gid = ""
	}
	h, _, err := it.Disk.ContentHID(ctx, v.opts.FS, v.opts.TSC, gid, v.opts.NoTSC)
	return h, err
}

// Scan collects the classification inputs of an item.
func (v *View) Scan(ctx context.Context, it *Item) (ScanInfo, error) {
	if err := it.Check(); err != nil {
		return ScanInfo{}, err
	}
	si := ScanInfo{
		Controlled:    it.Controlled,
		InBaseline:    it.Base != nil,
		Deleted:       it.Deleted,
		OnDisk:        it.OnDisk,
		Ignored:       it.Ignored,
		Reserved:      it.Reserved,
		Sparse:        it.orig != nil && it.orig.Flags&wcdb.PCSparse != 0,
		Conflicted:    it.Issue != nil && !it.Issue.Resolved,
		UpdateCreated: it.AddSpecial&wcdb.PCAddSpecialU != 0,
		MergeCreated:  it.AddSpecial&wcdb.PCAddSpecialM != 0,
	}
	if !it.Controlled {
		return si, nil
	}
	if it.Base != nil {
		si.Moved = it.Parent != it.Base.ParentAlias
		si.Renamed = it.Name != it.Base.Name
	}
	if it.Deleted || !it.OnDisk {
		return si, nil
	}
	if it.Base != nil {
		si.AttrChanged = v.CurrentAttrbits(it) != it.Base.Attrbits&v.opts.AttrMask
	}
	if it.Type == common.TypeDir {
		return si, nil
	}
	if it.Disk != nil && it.PendingHID == "" && it.Disk.Type != it.Type {
		si.ContentChanged = true
		return si, nil
	}
	h, err := v.CurrentHID(ctx, it)
	if err != nil {
		return si, err
	}
	if it.Base != nil {
		si.ContentChanged = h != it.Base.HID
	}
	if it.HIDMerge != "" {
		if h == it.HIDMerge {
			si.AutoMerge = AutoMergeClean
		} else {
			si.AutoMerge = AutoMergeEdited
		}
	}
	return si, nil
}

// Status classifies an item.
func (v *View) Status(ctx context.Context, it *Item) (Status, error) {
	si, err := v.Scan(ctx, it)
	if err != nil {
		return 0, err
	}
	return Classify(si), nil
}

// ItemStatus is one line of a status report.
type ItemStatus struct {
	Alias  int64
	GID    string
	Path   string
	Type   common.EntryType
	Status Status
}

// StatusUnder reports every item under start whose status is not clean.
// Deleted items are included; children of uncontrolled directories and
// the reserved drawer are not.
func (v *View) StatusUnder(ctx context.Context, start *Item) ([]ItemStatus, error) {
	var out []ItemStatus
	err := v.Walk(ctx, start, true, func(it *Item, p string) error {
		s, err := v.Status(ctx, it)
		if err != nil {
			return fmt.Errorf("failed to classify %q: %w", p, err)
		}
		if s.Primary() == StatusReserved {
			return nil
		}
		if !s.Clean() {
			out = append(out, ItemStatus{Alias: it.Alias, GID: it.GID, Path: p, Type: it.Type, Status: s})
		}
		return nil
	})
	return out, err
}
