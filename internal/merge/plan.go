package merge

import (
	"context"
	"fmt"
	"sort"

	"wcengine/internal/collider"
	"wcengine/internal/common"
	"wcengine/internal/hid"
	"wcengine/internal/liveview"
	"wcengine/internal/readdir"
	"wcengine/internal/repo"
	"wcengine/internal/wctx"
)

// side is the state of one item in one version.
type side struct {
	Parent   string // parent GID, empty for the root
	Name     string
	Type     common.EntryType
	HID      string // empty for directories
	Attrbits common.Attrbits
}

func (s side) sameLocation(o side) bool {
	return s.Parent == o.Parent && s.Name == o.Name
}

// witem is a controlled item of the working copy as the plan found it.
type witem struct {
	side
	it     *liveview.Item
	path   string
	active bool
}

// entry is an item that exists once the plan is carried out.
type entry struct {
	gid   string
	final side
	// w is the item the working copy had, active or deleted; nil when
	// the item is created.
	w             *witem
	undelete      bool
	updateCreated bool
	merged        []byte
	autoMerged    bool
	issue         *Issue

	item   *liveview.Item
	parked bool
}

func (e *entry) create() bool { return e.w == nil }

type planner struct {
	mode     mode
	tx       *wctx.Tx
	store    *repo.Repo
	portMask collider.Flags

	a, o    map[string]side
	w       map[string]*witem
	rootGID string

	final    map[string]*entry
	removals map[string]*witem
	unadds   map[string]*witem
}

func newPlanner(m mode, tx *wctx.Tx, store *repo.Repo, portMask collider.Flags) *planner {
	return &planner{
		mode:     m,
		tx:       tx,
		store:    store,
		portMask: portMask & collider.CollisionMask,
		final:    make(map[string]*entry),
		removals: make(map[string]*witem),
		unadds:   make(map[string]*witem),
	}
}

// snapshotSides reads the tree of a changeset.
func snapshotSides(ctx context.Context, store *repo.Repo, csetHID string, mask common.Attrbits) (map[string]side, string, error) {
	cs, err := store.LoadChangeset(ctx, csetHID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load changeset %s: %w", csetHID, err)
	}
	snap, err := repo.Snapshot(ctx, store, cs.Root)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read tree of %s: %w", csetHID, err)
	}
	out := make(map[string]side, len(snap))
	rootGID := ""
	for gid, we := range snap {
		s := side{Parent: we.ParentGID, Name: we.Name, Type: we.Type}
		if we.Type != common.TypeDir {
			s.HID = we.HID
			s.Attrbits = we.Attrbits & mask
		}
		if we.ParentGID == "" {
			s.Name = common.RootName
			rootGID = gid
		}
		out[gid] = s
	}
	return out, rootGID, nil
}

// loadWorking collects every controlled item. A lost file counts as its
// baseline content; RestoreLost brings it back before anything moves.
func (p *planner) loadWorking(ctx context.Context) error {
	view := p.tx.View()
	if err := view.LoadAll(ctx); err != nil {
		return err
	}
	p.w = make(map[string]*witem)
	for _, it := range view.Items() {
		if !it.Controlled || it.Stale() {
			continue
		}
		wi := &witem{it: it, path: view.Path(it), active: !it.Deleted}
		wi.Name, wi.Type = it.Name, it.Type
		if it == view.Root() {
			wi.Name = common.RootName
			p.rootGID = it.GID
		} else {
			parent, err := view.ItemByAlias(ctx, it.Parent)
			if err != nil {
				return err
			}
			wi.Parent = parent.GID
		}
		if !it.IsDir() {
			wi.Attrbits = view.CurrentAttrbits(it)
			if !it.Deleted && (it.OnDisk || it.PendingHID != "") {
				h, err := view.CurrentHID(ctx, it)
				if err != nil {
					return err
				}
				wi.HID = h
			} else if it.Base != nil {
				wi.HID = it.Base.HID
			}
		}
		p.w[it.GID] = wi
	}
	return nil
}

// workingAsAncestor makes the working copy its own ancestor, so every
// field comes from the other side.
func (p *planner) workingAsAncestor() map[string]side {
	out := make(map[string]side, len(p.w))
	for gid, wi := range p.w {
		if wi.active {
			out[gid] = wi.side
		}
	}
	return out
}

func (p *planner) build(ctx context.Context) error {
	gids := make(map[string]struct{})
	for _, m := range []map[string]side{p.a, p.o} {
		for g := range m {
			gids[g] = struct{}{}
		}
	}
	for g := range p.w {
		gids[g] = struct{}{}
	}
	for _, g := range sortedKeys(gids) {
		if err := p.decide(ctx, g); err != nil {
			return err
		}
	}
	if err := p.keepOccupiedDirs(ctx); err != nil {
		return err
	}
	if err := p.keepAncestors(); err != nil {
		return err
	}
	return p.resolveCollisions(ctx)
}

func (p *planner) keep(gid string, wi *witem) *entry {
	e := &entry{gid: gid, final: wi.side, w: wi, item: wi.it}
	p.final[gid] = e
	return e
}

func (p *planner) decide(ctx context.Context, gid string) error {
	a, inA := p.a[gid]
	o, inO := p.o[gid]
	wi := p.w[gid]
	active := wi != nil && wi.active

	switch {
	case p.mode == modeRevert && inA && !inO:
		p.unadds[gid] = wi
	case inA && inO:
		if active {
			return p.mergeBoth(ctx, gid, a, o, wi)
		}
	case inA:
		if !active {
			return nil
		}
		if wi.side != a {
			p.keep(gid, wi).updateCreated = true
		} else {
			p.removals[gid] = wi
		}
	case inO:
		switch {
		case active:
			p.keep(gid, wi)
		case wi != nil:
			p.final[gid] = &entry{gid: gid, final: o, w: wi, undelete: true}
		default:
			p.final[gid] = &entry{gid: gid, final: o}
		}
	case active:
		p.keep(gid, wi)
	}
	return nil
}

// pick takes the other side's value when only it changed, the working
// value otherwise. conflict is set when both changed differently.
func pick[T comparable](a, o, w T) (v T, conflict bool) {
	switch {
	case w == a:
		return o, false
	case o == a || o == w:
		return w, false
	}
	return w, true
}

func (p *planner) mergeBoth(ctx context.Context, gid string, a, o side, wi *witem) error {
	e := p.keep(gid, wi)
	if wi.Parent == "" {
		return nil
	}
	var c1, c2 bool
	e.final.Parent, c1 = pick(a.Parent, o.Parent, wi.Parent)
	e.final.Name, c2 = pick(a.Name, o.Name, wi.Name)
	if c1 || c2 {
		e.issue = &Issue{Kind: IssueLocation, Ours: wi.path, Theirs: o.Name}
	}
	if wi.Type == common.TypeDir || o.Type != wi.Type || a.Type != wi.Type {
		return nil
	}
	e.final.Attrbits, _ = pick(a.Attrbits, o.Attrbits, wi.Attrbits)

	h, conflict := pick(a.HID, o.HID, wi.HID)
	if !conflict {
		e.final.HID = h
		return nil
	}
	if wi.Type == common.TypeFile {
		merged, ok, err := p.automerge(ctx, wi, a.HID, o.HID)
		if err != nil {
			return err
		}
		if ok {
			e.merged = merged
			e.final.HID = hid.Sum(merged)
			e.autoMerged = true
			return nil
		}
	}
	e.final.HID = wi.HID
	e.issue = &Issue{Kind: IssueContent, Ours: wi.HID, Theirs: o.HID, Ancestor: a.HID}
	return nil
}

func (p *planner) automerge(ctx context.Context, wi *witem, ancestor, other string) ([]byte, bool, error) {
	base, err := p.store.FetchBlob(ctx, ancestor)
	if err != nil {
		return nil, false, err
	}
	theirs, err := p.store.FetchBlob(ctx, other)
	if err != nil {
		return nil, false, err
	}
	ours, err := readdir.ReadContent(p.tx.Env().FS, wi.path, common.TypeFile)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", wi.path, err)
	}
	merged, ok := Merge3(base, ours, theirs)
	return merged, ok, nil
}

// keepOccupiedDirs keeps directories that would be removed but hold
// uncontrolled items.
func (p *planner) keepOccupiedDirs(ctx context.Context) error {
	for _, gid := range sortedKeys(p.removals) {
		wi := p.removals[gid]
		if wi.Type != common.TypeDir {
			continue
		}
		kids, err := p.tx.View().Children(ctx, wi.it, false)
		if err != nil {
			return err
		}
		for _, k := range kids {
			if !k.Controlled {
				delete(p.removals, gid)
				p.keep(gid, wi).updateCreated = true
				break
			}
		}
	}
	return nil
}

// keepAncestors brings back every directory a kept or created item ends
// up in.
func (p *planner) keepAncestors() error {
	work := sortedKeys(p.final)
	for len(work) > 0 {
		gid := work[len(work)-1]
		work = work[:len(work)-1]
		parent := p.final[gid].final.Parent
		if parent == "" {
			continue
		}
		if _, ok := p.final[parent]; ok {
			continue
		}
		wi := p.w[parent]
		switch {
		case p.removals[parent] != nil:
			delete(p.removals, parent)
			p.keep(parent, wi).updateCreated = true
		case wi != nil && !wi.active:
			o, inO := p.o[parent]
			if !inO {
				o = wi.side
			}
			p.final[parent] = &entry{gid: parent, final: o, w: wi, undelete: true, updateCreated: !inO}
		default:
			return fmt.Errorf("%w: directory %s of %s", common.ErrNotFound, parent, gid)
		}
		work = append(work, parent)
	}
	return nil
}

// resolveCollisions renames incoming items whose final name is taken by
// an item staying where it is, or by an earlier incoming item.
func (p *planner) resolveCollisions(ctx context.Context) error {
	groups := make(map[string][]*entry)
	for _, e := range p.final {
		if e.final.Parent != "" {
			groups[e.final.Parent] = append(groups[e.final.Parent], e)
		}
	}
	for _, dir := range sortedKeys(groups) {
		var taken []*collider.Item
		var incoming []*entry
		for _, e := range groups[dir] {
			if e.w != nil && e.w.active && e.w.sameLocation(e.final) {
				taken = append(taken, &collider.Item{GID: e.gid, Name: e.final.Name, Type: e.final.Type})
			} else {
				incoming = append(incoming, e)
			}
		}
		for gid, wi := range p.unadds {
			if wi.Parent == dir {
				taken = append(taken, &collider.Item{GID: gid, Name: wi.Name, Type: wi.Type})
			}
		}
		if de, ok := p.final[dir]; ok && de.w != nil && de.w.active {
			kids, err := p.tx.View().Children(ctx, de.w.it, false)
			if err != nil {
				return err
			}
			for _, k := range kids {
				if !k.Controlled {
					taken = append(taken, &collider.Item{GID: k.GID, Name: k.Name, Type: k.Type})
				}
			}
		}
		sort.Slice(incoming, func(i, j int) bool {
			if incoming[i].create() != incoming[j].create() {
				return !incoming[i].create()
			}
			if incoming[i].final.Name != incoming[j].final.Name {
				return incoming[i].final.Name < incoming[j].final.Name
			}
			return incoming[i].gid < incoming[j].gid
		})
		for _, e := range incoming {
			name := e.final.Name
			for n := 0; p.collides(taken, e.gid, name, e.final.Type); n++ {
				name = fmt.Sprintf("%s~%s", e.final.Name, common.GIDPrefix(e.gid))
				if n > 0 {
					name = fmt.Sprintf("%s~%d", name, n)
				}
			}
			if name != e.final.Name {
				e.issue = &Issue{Kind: IssueCollision, Ours: name, Theirs: e.final.Name}
				e.final.Name = name
			}
			taken = append(taken, &collider.Item{GID: e.gid, Name: name, Type: e.final.Type})
		}
	}
	return nil
}

func (p *planner) collides(taken []*collider.Item, gid, name string, typ common.EntryType) bool {
	c := collider.New(p.portMask)
	for _, t := range taken {
		if t.Name == name {
			return true
		}
		_, _ = c.AddItem(t.GID, t.Name, t.Type)
	}
	if dup, err := c.AddItem(gid, name, typ); err != nil || dup {
		return true
	}
	flags, _, err := c.ItemResult(name)
	return err != nil || flags&p.portMask != 0
}

// depth is the number of directories above an item once the plan is
// carried out.
func (p *planner) depth(gid string) int {
	d := 0
	for g := gid; d <= len(p.final); d++ {
		e, ok := p.final[g]
		if !ok || e.final.Parent == "" {
			break
		}
		g = e.final.Parent
	}
	return d
}

func (p *planner) entries(keep func(*entry) bool) []*entry {
	var out []*entry
	for _, e := range p.final {
		if keep(e) {
			out = append(out, e)
		}
	}
	depths := make(map[string]int, len(out))
	for _, e := range out {
		depths[e.gid] = p.depth(e.gid)
	}
	sort.Slice(out, func(i, j int) bool {
		if depths[out[i].gid] != depths[out[j].gid] {
			return depths[out[i].gid] < depths[out[j].gid]
		}
		return out[i].gid < out[j].gid
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
