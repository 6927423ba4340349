package pendingtree

import (
	"context"
	"fmt"

	"wcengine/internal/common"
)

// WalkFlags control GetChild and WalkPath.
type WalkFlags int

const (
	// IncludeInactive also matches deleted children.
	IncludeInactive WalkFlags = 1 << iota
	// Undelete restores a deleted child in place instead of failing.
	Undelete
	// CreateMissing adds missing directories.
	CreateMissing
)

// Detached is a node removed from the tree by Move with no new parent.
// It must be passed to Attach or Free before Commit.
type Detached struct {
	id NodeID
}

// ID returns the detached node.
func (d *Detached) ID() NodeID { return d.id }

// MoveOpts describe a move. Zero fields leave the property unchanged,
// except NewParent: nil detaches the node.
type MoveOpts struct {
	NewGID     string
	NewName    string
	NewParent  *NodeID
	PushDelete bool
}

func (t *Tree) live(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil, fmt.Errorf("%w: node %d", common.ErrInvalidArg, id)
	}
	n := &t.nodes[id]
	if n.freed {
		return nil, fmt.Errorf("%w: node %d was freed", common.ErrStale, id)
	}
	return n, nil
}

// findChild returns the child of dir named name. Active children win
// over deleted ones.
func (t *Tree) findChild(dir NodeID, name string) (NodeID, bool) {
	found := NoNode
	for _, cid := range t.nodes[dir].children {
		c := &t.nodes[cid]
		if c.Name != name {
			continue
		}
		if !c.deleted {
			return cid, true
		}
		if found == NoNode || c.GID < t.nodes[found].GID {
			found = cid
		}
	}
	return found, found != NoNode
}

// GetChild resolves one path component below parent.
func (t *Tree) GetChild(ctx context.Context, parent NodeID, name string, flags WalkFlags) (NodeID, error) {
	p, err := t.live(parent)
	if err != nil {
		return NoNode, err
	}
	if p.Type != common.TypeDir {
		return NoNode, fmt.Errorf("%w: %s", common.ErrNotDir, p.Name)
	}
	if err := t.load(ctx, parent); err != nil {
		return NoNode, err
	}
	cid, ok := t.findChild(parent, name)
	if ok && t.nodes[cid].deleted {
		switch {
		case flags&Undelete != 0:
			t.nodes[cid].deleted = false
			t.nodes[parent].structDirty = true
		case flags&IncludeInactive == 0:
			ok = false
		}
	}
	if ok {
		return cid, nil
	}
	if flags&CreateMissing != 0 {
		return t.AddNode(ctx, parent, "", name, common.TypeDir)
	}
	return NoNode, fmt.Errorf("%w: %s", common.ErrNotFound, common.JoinPath(t.Path(parent), name))
}

// WalkPath resolves a slash separated path from the root.
func (t *Tree) WalkPath(ctx context.Context, p string, flags WalkFlags) (NodeID, error) {
	if t.root == NoNode {
		return NoNode, fmt.Errorf("%w: root not loaded", common.ErrInvalidArg)
	}
	cur := t.root
	for _, part := range common.SplitPath(p) {
		next, err := t.GetChild(ctx, cur, part, flags)
		if err != nil {
			return NoNode, err
		}
		cur = next
	}
	return cur, nil
}

func (t *Tree) checkNameFree(dir NodeID, name string, except NodeID) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: name %q", common.ErrInvalidPath, name)
	}
	for _, cid := range t.nodes[dir].children {
		c := &t.nodes[cid]
		if cid != except && !c.deleted && c.Name == name {
			return fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(t.Path(dir), name))
		}
	}
	return nil
}

// AddNode creates a new node under parent. An empty gid allocates one.
func (t *Tree) AddNode(ctx context.Context, parent NodeID, gid, name string, typ common.EntryType) (NodeID, error) {
	p, err := t.live(parent)
	if err != nil {
		return NoNode, err
	}
	if p.Type != common.TypeDir || p.deleted {
		return NoNode, fmt.Errorf("%w: %s", common.ErrNotDir, p.Name)
	}
	if !typ.Versionable() {
		return NoNode, fmt.Errorf("%w: %s", common.ErrUnsupportedType, typ)
	}
	if err := t.load(ctx, parent); err != nil {
		return NoNode, err
	}
	if err := t.checkNameFree(parent, name, NoNode); err != nil {
		return NoNode, err
	}
	if gid == "" {
		gid = common.NewGID()
	}
	if _, ok := t.byGID[gid]; ok {
		return NoNode, fmt.Errorf("%w: gid %s", common.ErrExists, gid)
	}
	id := t.alloc(Node{
		GID:    gid,
		Type:   typ,
		Name:   name,
		parent: parent,
		added:  true,
		loaded: typ == common.TypeDir,
	})
	t.nodes[parent].children[gid] = id
	t.nodes[parent].structDirty = true
	return id, nil
}

// Delete marks a node deleted. It stays in its parent as an inactive child.
func (t *Tree) Delete(ctx context.Context, id NodeID) error {
	n, err := t.live(id)
	if err != nil {
		return err
	}
	if id == t.root {
		return fmt.Errorf("%w: cannot delete the root", common.ErrInvalidArg)
	}
	if n.deleted {
		return nil
	}
	parent := n.parent
	if n.added {
		// An added node has nothing to delete; drop it.
		delete(t.nodes[parent].children, n.GID)
		t.free(id)
		return nil
	}
	n.deleted = true
	t.nodes[parent].structDirty = true
	return nil
}

// Move detaches a node and optionally renames, re-identifies, or
// re-attaches it. With a nil NewParent the node is returned detached.
func (t *Tree) Move(ctx context.Context, id NodeID, opts MoveOpts) (*Detached, error) {
	n, err := t.live(id)
	if err != nil {
		return nil, err
	}
	if id == t.root {
		return nil, fmt.Errorf("%w: cannot move the root", common.ErrInvalidArg)
	}
	if opts.NewGID != "" && opts.NewGID != n.GID {
		if _, ok := t.byGID[opts.NewGID]; ok {
			return nil, fmt.Errorf("%w: gid %s", common.ErrExists, opts.NewGID)
		}
	}
	if opts.NewParent != nil {
		if err := t.checkAttach(ctx, id, *opts.NewParent, pick(opts.NewName, n.Name)); err != nil {
			return nil, err
		}
	}
	rekey := opts.NewGID != "" && opts.NewGID != n.GID
	if n.Type == common.TypeDir && (opts.PushDelete || rekey) {
		// Children must be loaded while the baseline is still known.
		if err := t.load(ctx, id); err != nil {
			return nil, err
		}
	}

	// Detach. The child index is keyed by GID, so a GID change is a
	// remove followed by a reinsert.
	oldParent := t.nodes[id].parent
	if oldParent != NoNode {
		delete(t.nodes[oldParent].children, t.nodes[id].GID)
		t.nodes[oldParent].structDirty = true
	}
	n = &t.nodes[id]
	n.parent = NoNode

	if rekey {
		delete(t.byGID, n.GID)
		n.GID = opts.NewGID
		t.byGID[n.GID] = id
		// A new identity has no baseline; keep the content it had.
		if n.Type != common.TypeDir {
			for i := range n.hids {
				n.hids[i] = n.EffectiveHID(i)
			}
		}
		n.base = baseline{hids: make([]string, t.slots)}
		n.added = true
		n.structDirty = true
	}
	if opts.NewName != "" {
		n.Name = opts.NewName
	}
	if opts.PushDelete {
		n.deleted = false
		if n.Type == common.TypeDir {
			for _, cid := range n.children {
				if !t.nodes[cid].added {
					t.nodes[cid].deleted = true
				}
			}
			n.structDirty = true
		}
	}

	if opts.NewParent == nil {
		t.detached[id] = true
		return &Detached{id: id}, nil
	}
	t.attach(id, *opts.NewParent)
	return nil, nil
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (t *Tree) checkAttach(ctx context.Context, id, parent NodeID, name string) error {
	p, err := t.live(parent)
	if err != nil {
		return err
	}
	if p.Type != common.TypeDir || p.deleted {
		return fmt.Errorf("%w: %s", common.ErrNotDir, p.Name)
	}
	for cur := parent; cur != NoNode; cur = t.nodes[cur].parent {
		if cur == id {
			return fmt.Errorf("%w: cannot move a directory into itself", common.ErrInvalidArg)
		}
	}
	if err := t.load(ctx, parent); err != nil {
		return err
	}
	return t.checkNameFree(parent, name, id)
}

func (t *Tree) attach(id, parent NodeID) {
	t.nodes[id].parent = parent
	t.nodes[parent].children[t.nodes[id].GID] = id
	t.nodes[parent].structDirty = true
	delete(t.detached, id)
}

// Attach re-attaches a detached node under parent.
func (t *Tree) Attach(ctx context.Context, d *Detached, parent NodeID) error {
	if d == nil || !t.detached[d.id] {
		return fmt.Errorf("%w: node is not detached", common.ErrInvalidArg)
	}
	if err := t.checkAttach(ctx, d.id, parent, t.nodes[d.id].Name); err != nil {
		return err
	}
	t.attach(d.id, parent)
	return nil
}

// Free releases a detached node and its subtree.
func (t *Tree) Free(d *Detached) error {
	if d == nil || !t.detached[d.id] {
		return fmt.Errorf("%w: node is not detached", common.ErrInvalidArg)
	}
	delete(t.detached, d.id)
	t.free(d.id)
	return nil
}

func (t *Tree) free(id NodeID) {
	n := &t.nodes[id]
	for _, cid := range n.children {
		if t.nodes[cid].parent == id {
			t.free(cid)
		}
	}
	delete(t.byGID, n.GID)
	n.freed = true
	n.children = nil
	n.parent = NoNode
}

// CopyNode copies src (recursively for directories) under parent with a
// new GID. The copy shares src's content HIDs.
func (t *Tree) CopyNode(ctx context.Context, src, parent NodeID, name string) (NodeID, error) {
	s, err := t.live(src)
	if err != nil {
		return NoNode, err
	}
	typ, attrs := s.Type, s.Attrbits
	hids := make([]string, t.slots)
	for i := range hids {
		hids[i] = s.EffectiveHID(i)
	}
	if typ == common.TypeDir {
		if err := t.load(ctx, src); err != nil {
			return NoNode, err
		}
	}
	id, err := t.AddNode(ctx, parent, "", name, typ)
	if err != nil {
		return NoNode, err
	}
	t.nodes[id].Attrbits = attrs
	if typ != common.TypeDir {
		copy(t.nodes[id].hids, hids)
		return id, nil
	}
	kids, err := t.Children(ctx, src, false)
	if err != nil {
		return NoNode, err
	}
	for _, cid := range kids {
		if _, err := t.CopyNode(ctx, cid, id, t.nodes[cid].Name); err != nil {
			return NoNode, err
		}
	}
	return id, nil
}

// SetContent sets the content HID of a file or symlink in every repo.
// A HID equal to the baseline collapses to "unchanged".
func (t *Tree) SetContent(id NodeID, h string) error {
	n, err := t.live(id)
	if err != nil {
		return err
	}
	if n.Type == common.TypeDir {
		return fmt.Errorf("%w: directories have no content before commit", common.ErrInvalidArg)
	}
	for i := range n.hids {
		if h == n.BaseHID(i) {
			n.hids[i] = ""
		} else {
			n.hids[i] = h
		}
	}
	return nil
}

// SetAttrbits sets the attribute bits of a node.
func (t *Tree) SetAttrbits(id NodeID, bits common.Attrbits) error {
	n, err := t.live(id)
	if err != nil {
		return err
	}
	n.Attrbits = bits
	return nil
}

// Changed reports whether a node differs from its baseline in any way
// visible to its parent: presence, name, parent, attributes or content.
func (t *Tree) Changed(id NodeID) bool {
	n := &t.nodes[id]
	if n.added || n.deleted || !n.base.present {
		return true
	}
	if n.Name != n.base.name || n.Attrbits != n.base.attrbits {
		return true
	}
	if n.parent != NoNode && t.nodes[n.parent].GID != n.base.parent {
		return true
	}
	for _, h := range n.hids {
		if h != "" {
			return true
		}
	}
	return n.structDirty
}
