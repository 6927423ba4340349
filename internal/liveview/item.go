package liveview

import (
	"fmt"
	"sort"

	"wcengine/internal/common"
	"wcengine/internal/readdir"
	"wcengine/internal/wcdb"
)

// Item is the per-transaction view of one entry: its baseline row, its
// pending structural state and what the directory scan saw on disk.
type Item struct {
	Alias      int64
	GID        string
	Type       common.EntryType
	Name       string
	Parent     int64 // current parent alias, 0 for the root
	Controlled bool
	Deleted    bool
	Ignored    bool
	Reserved   bool
	OnDisk     bool

	Base *wcdb.TNERow // nil when the item is not in the baseline
	Disk *readdir.Row // scan result at transaction start

	AddSpecial wcdb.PCFlags // PCAddSpecialM or PCAddSpecialU
	HIDMerge   string
	Issue      *wcdb.Issue

	// Content and attributes queued to be written by the journal.
	PendingHID      string
	PendingAttrbits *common.Attrbits
	Created         bool

	orig         *wcdb.PCRow
	startName    string
	startParent  int64
	startDeleted bool
	stale        bool
}

// Check fails for an item replaced by SynthesizeReplacement.
func (it *Item) Check() error {
	if it.stale {
		return fmt.Errorf("%w: item %s was replaced", common.ErrStale, it.GID)
	}
	return nil
}

// Stale reports whether the item was replaced.
func (it *Item) Stale() bool { return it.stale }

// Active reports whether the item currently occupies its name.
func (it *Item) Active() bool { return !it.Deleted && !it.stale }

// Added reports a controlled item with no baseline entry.
func (it *Item) Added() bool { return it.Controlled && it.Base == nil }

// IsDir reports whether the item is a directory.
func (it *Item) IsDir() bool { return it.Type == common.TypeDir }

// StartName and StartParent return the location at transaction start.
func (it *Item) StartName() string  { return it.startName }
func (it *Item) StartParent() int64 { return it.startParent }

// pcRow derives the pending-change row of an item from its state. nil
// means the item needs no row.
func (it *Item) pcRow() *wcdb.PCRow {
	if !it.Controlled || wcdb.IsTemp(it.Alias) {
		return nil
	}
	if it.Deleted && it.Base == nil {
		return nil
	}
	row := &wcdb.PCRow{
		Alias:       it.Alias,
		ParentAlias: it.Parent,
		Type:        it.Type,
		Name:        it.Name,
		HIDMerge:    wcdb.StrPtr(it.HIDMerge),
	}
	switch {
	case it.Deleted:
		row.Flags = wcdb.PCDeleted
	case it.Base == nil:
		row.Flags = wcdb.PCAdded | it.AddSpecial
	default:
		if it.Parent != it.Base.ParentAlias {
			row.Flags |= wcdb.PCMoved
		}
		if it.Name != it.Base.Name {
			row.Flags |= wcdb.PCRenamed
		}
	}
	if it.orig != nil && it.orig.Flags&wcdb.PCSparse != 0 && !it.Deleted {
		row.Flags |= wcdb.PCSparse
		row.SparseAttrbits = it.orig.SparseAttrbits
		row.SparseHID = it.orig.SparseHID
		row.RefAttrbits = it.orig.RefAttrbits
	}
	if row.Flags == 0 && row.HIDMerge == nil {
		return nil
	}
	return row
}

// Dir is the set of items that are currently children of a directory.
type Dir struct {
	Alias int64
	items []*Item
}

func (d *Dir) insert(it *Item) {
	for _, x := range d.items {
		if x == it {
			return
		}
	}
	d.items = append(d.items, it)
	d.sort()
}

func (d *Dir) remove(it *Item) {
	for i, x := range d.items {
		if x == it {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return
		}
	}
}

func (d *Dir) replace(old, nu *Item) {
	for i, x := range d.items {
		if x == old {
			d.items[i] = nu
			return
		}
	}
	d.insert(nu)
}

func (d *Dir) sort() {
	sort.SliceStable(d.items, func(i, j int) bool {
		a, b := d.items[i], d.items[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Alias < b.Alias
	})
}

// find returns the child named name. Active children win over inactive
// ones; inactive children are returned only when inactive is set.
func (d *Dir) find(name string, inactive bool) *Item {
	var fallback *Item
	for _, it := range d.items {
		if it.Name != name {
			continue
		}
		if it.Active() {
			return it
		}
		if inactive && fallback == nil {
			fallback = it
		}
	}
	return fallback
}

// Items returns the children in name order.
func (d *Dir) Items(inactive bool) []*Item {
	out := make([]*Item, 0, len(d.items))
	for _, it := range d.items {
		if it.Active() || inactive {
			out = append(out, it)
		}
	}
	return out
}
