// Package collider detects entrynames that are unportable on their own or
// that would collide with a sibling on a case-insensitive, normalizing or
// otherwise lossy filesystem.
package collider

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"wcengine/internal/common"
)

// Item is one registered entryname.
type Item struct {
	GID   string
	Name  string
	Type  common.EntryType
	Flags Flags

	notes []string
	group *group
	seq   int
}

type group struct {
	members map[*Item]struct{}
}

type keyEntry struct {
	item *Item
	mask Flags
}

type pair struct {
	a, b    *Item
	reasons Flags
}

// Collider accumulates the names of one directory.
type Collider struct {
	mask    Flags
	folder  cases.Caser
	literal map[string]*Item
	keys    map[string][]keyEntry
	items   []*Item
	pairs   []*pair
	pairIdx map[[2]*Item]*pair
}

// New returns an empty Collider reporting only the problems in mask.
func New(mask Flags) *Collider {
	return &Collider{
		mask:    mask,
		folder:  newFolder(),
		literal: make(map[string]*Item),
		keys:    make(map[string][]keyEntry),
		pairIdx: make(map[[2]*Item]*pair),
	}
}

func (c *Collider) fold(s string) string {
	return c.folder.String(s)
}

// AddItem registers name. If the literal name is already registered it
// reports duplicate and leaves the index untouched.
func (c *Collider) AddItem(gid, name string, typ common.EntryType) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: empty entryname", common.ErrInvalidArg)
	}
	if typ == common.TypeUnknown {
		return false, fmt.Errorf("%w: unknown entry type for %q", common.ErrInvalidArg, name)
	}
	if _, ok := c.literal[name]; ok {
		return true, nil
	}

	it := &Item{GID: gid, Name: name, Type: typ, seq: len(c.items)}
	it.Flags, it.notes = checkName(name)
	c.literal[name] = it
	c.items = append(c.items, it)

	if it.Flags&FlagCharset != 0 {
		return false, nil
	}
	for _, fam := range families {
		key, mask := fam.fold(c, name)
		k := fam.id + "\x00" + key
		for _, e := range c.keys[k] {
			c.collide(it, e.item, (mask|e.mask)&CollisionMask)
		}
		c.keys[k] = append(c.keys[k], keyEntry{item: it, mask: mask})
	}
	return false, nil
}

func (c *Collider) collide(a, b *Item, reasons Flags) {
	if a == b {
		return
	}
	a.Flags |= reasons
	b.Flags |= reasons

	k := [2]*Item{b, a}
	if p, ok := c.pairIdx[k]; ok {
		p.reasons |= reasons
	} else {
		p := &pair{a: a, b: b, reasons: reasons}
		c.pairIdx[k] = p
		c.pairs = append(c.pairs, p)
	}
	c.link(a, b)
}

// link merges the collided-with sets of a and b so that the relation stays
// transitively closed.
func (c *Collider) link(a, b *Item) {
	if a.group != nil && a.group == b.group {
		return
	}
	ga, gb := a.group, b.group
	if ga == nil {
		ga = &group{members: map[*Item]struct{}{a: {}}}
		a.group = ga
	}
	if gb == nil {
		gb = &group{members: map[*Item]struct{}{b: {}}}
		b.group = gb
	}
	if len(ga.members) < len(gb.members) {
		ga, gb = gb, ga
	}
	for m := range gb.members {
		ga.members[m] = struct{}{}
		m.group = ga
	}
}

// Results returns the union of masked problems across all registered names
// and a human-readable log.
func (c *Collider) Results() (Flags, []string) {
	var flags Flags
	var log []string
	for _, it := range c.items {
		flags |= it.Flags & c.mask
		log = append(log, c.individualLog(it)...)
	}
	for _, p := range c.pairs {
		if p.reasons&c.mask == 0 {
			continue
		}
		log = append(log, pairLine(p.a, p.b, p.reasons&c.mask))
	}
	return flags, log
}

// ItemResult returns the masked problems of one registered name.
func (c *Collider) ItemResult(name string) (Flags, []string, error) {
	it, ok := c.literal[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q is not registered", common.ErrNotFound, name)
	}
	log := c.individualLog(it)
	for _, p := range c.pairs {
		if p.reasons&c.mask == 0 || (p.a != it && p.b != it) {
			continue
		}
		other := p.a
		if other == it {
			other = p.b
		}
		log = append(log, pairLine(it, other, p.reasons&c.mask))
	}
	return it.Flags & c.mask, log, nil
}

// CollidedWith returns the names that name transitively collides with, in
// registration order.
func (c *Collider) CollidedWith(name string) []string {
	it, ok := c.literal[name]
	if !ok || it.group == nil {
		return nil
	}
	var members []*Item
	for m := range it.group.members {
		if m != it {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}

func (c *Collider) individualLog(it *Item) []string {
	if it.Flags&IndividualMask&c.mask == 0 {
		return nil
	}
	lines := make([]string, 0, len(it.notes))
	for _, n := range it.notes {
		lines = append(lines, fmt.Sprintf("%q: %s", it.Name, n))
	}
	return lines
}

func pairLine(a, b *Item, reasons Flags) string {
	return fmt.Sprintf("%q collides with %q (%s)", a.Name, b.Name, reasons)
}

// PortabilityError reports names flagged by the caller's mask.
type PortabilityError struct {
	Flags Flags
	Log   []string
}

func (e *PortabilityError) Error() string {
	return fmt.Sprintf("portability problem (%s): %s", e.Flags, strings.Join(e.Log, "; "))
}

func (e *PortabilityError) Unwrap() error {
	return common.ErrPortability
}

// AsPortabilityError extracts a PortabilityError from err.
func AsPortabilityError(err error) (*PortabilityError, bool) {
	var pe *PortabilityError
	ok := errors.As(err, &pe)
	return pe, ok
}
