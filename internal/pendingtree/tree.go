// Package pendingtree is an in-memory mutable tree of pending nodes over
// one or more repository baselines. Edits never touch a backing store
// until Commit.
//
// Nodes live in an arena and refer to each other by NodeID. A node
// detached by Move without a new parent is handed to the caller as a
// Detached value that must be re-attached or freed before Commit.
package pendingtree

import (
	"context"
	"fmt"
	"sort"

	"wcengine/internal/common"
	"wcengine/internal/repo"
)

// NodeID addresses a node in the tree arena.
type NodeID int

// NoNode is the nil NodeID.
const NoNode NodeID = -1

type baseline struct {
	present  bool
	name     string
	attrbits common.Attrbits
	parent   string // GID of the baseline parent, "" for the root
	hids     []string
}

// Node is one pending node.
type Node struct {
	GID      string
	Type     common.EntryType
	Name     string
	Attrbits common.Attrbits

	base baseline
	hids []string // current content per repo; "" means unchanged

	parent       NodeID
	children     map[string]NodeID // keyed by GID; includes deleted children
	baseChildren map[string]NodeID // children according to the baseline
	loaded       bool
	deleted      bool
	added        bool
	structDirty  bool
	freed        bool
}

// Parent returns the parent node or NoNode.
func (n *Node) Parent() NodeID { return n.parent }

// Deleted reports whether the node is deleted.
func (n *Node) Deleted() bool { return n.deleted }

// Added reports whether the node has no baseline.
func (n *Node) Added() bool { return n.added }

// BaseName returns the baseline name.
func (n *Node) BaseName() string { return n.base.name }

// BaseHID returns the baseline content HID in repo idx.
func (n *Node) BaseHID(idx int) string {
	if idx < len(n.base.hids) {
		return n.base.hids[idx]
	}
	return ""
}

// CurrentHID returns the pending content HID in repo idx, "" when the
// content is unchanged.
func (n *Node) CurrentHID(idx int) string {
	if idx < len(n.hids) {
		return n.hids[idx]
	}
	return ""
}

// EffectiveHID returns the content HID the node has now in repo idx.
func (n *Node) EffectiveHID(idx int) string {
	if h := n.CurrentHID(idx); h != "" {
		return h
	}
	return n.BaseHID(idx)
}

// Tree is the pending-node tree.
type Tree struct {
	resolver RepoResolver
	slots    int
	nodes    []Node
	byGID    map[string]NodeID
	super    NodeID
	superHID []string // loaded super-root per repo
	root     NodeID
	detached map[NodeID]bool
}

// New returns an empty tree resolving repositories through r.
func New(r RepoResolver) *Tree {
	return &Tree{
		resolver: r,
		slots:    r.Count(),
		byGID:    make(map[string]NodeID),
		super:    NoNode,
		root:     NoNode,
		detached: make(map[NodeID]bool),
	}
}

// Node returns the node with the given id. The pointer is valid until the
// next allocation.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// ByGID returns the loaded node with gid.
func (t *Tree) ByGID(gid string) (NodeID, bool) {
	id, ok := t.byGID[gid]
	return id, ok
}

// Root returns the root directory node.
func (t *Tree) Root() NodeID {
	return t.root
}

func (t *Tree) alloc(n Node) NodeID {
	if n.hids == nil {
		n.hids = make([]string, t.slots)
	}
	if n.base.hids == nil {
		n.base.hids = make([]string, t.slots)
	}
	if n.Type == common.TypeDir && n.children == nil {
		n.children = make(map[string]NodeID)
		n.baseChildren = make(map[string]NodeID)
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, n)
	if n.GID != "" {
		t.byGID[n.GID] = id
	}
	return id
}

// LoadRoot initializes the tree from per-repo super-root HIDs. An empty
// HID means the repository has no baseline; with no baseline at all the
// root directory rootGID is created as added.
func (t *Tree) LoadRoot(ctx context.Context, rootGID string, superRootHIDs []string) error {
	if t.root != NoNode {
		return fmt.Errorf("%w: root already loaded", common.ErrExists)
	}
	if len(superRootHIDs) > t.slots {
		return fmt.Errorf("%w: %d super-roots for %d repos", common.ErrInvalidArg, len(superRootHIDs), t.slots)
	}
	t.super = t.alloc(Node{Type: common.TypeDir, parent: NoNode, loaded: true})
	t.superHID = make([]string, t.slots)
	copy(t.superHID, superRootHIDs)

	root := Node{GID: rootGID, Type: common.TypeDir, Name: common.RootName, parent: t.super}
	root.base.hids = make([]string, t.slots)
	for idx, h := range superRootHIDs {
		if h == "" {
			continue
		}
		sr, err := t.resolver.LoadTreenode(ctx, idx, h)
		if err != nil {
			return fmt.Errorf("failed to load super-root: %w", err)
		}
		gid, e, err := sr.RootEntry()
		if err != nil {
			return err
		}
		if root.GID == "" {
			root.GID = gid
		} else if root.GID != gid {
			return fmt.Errorf("%w: repo %d root is %s, expected %s", common.ErrInvalidArg, idx, gid, root.GID)
		}
		root.base.present = true
		root.base.name = common.RootName
		root.base.hids[idx] = e.HID
	}
	if root.GID == "" {
		return fmt.Errorf("%w: root gid required", common.ErrInvalidArg)
	}
	if !root.base.present {
		root.added = true
		root.loaded = true
	}
	t.root = t.alloc(root)
	t.nodes[t.super].children[root.GID] = t.root
	t.nodes[t.super].baseChildren[root.GID] = t.root
	return nil
}

// load reads the baseline children of a directory from every repo that
// has it. Loading is idempotent.
func (t *Tree) load(ctx context.Context, id NodeID) error {
	n := &t.nodes[id]
	if n.loaded {
		return nil
	}
	if n.Type != common.TypeDir {
		return fmt.Errorf("%w: %s", common.ErrNotDir, n.Name)
	}
	dirGID := n.GID
	baseHIDs := append([]string(nil), n.base.hids...)

	for idx, h := range baseHIDs {
		if h == "" {
			continue
		}
		tn, err := t.resolver.LoadTreenode(ctx, idx, h)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", dirGID, err)
		}
		for _, gid := range tn.SortedGIDs() {
			e := tn.Entries[gid]
			if existing, ok := t.byGID[gid]; ok {
				c := &t.nodes[existing]
				if c.base.present && c.base.parent != dirGID {
					return fmt.Errorf("%w: %s appears under two parents", common.ErrInvalidArg, gid)
				}
				c.base.present = true
				c.base.parent = dirGID
				c.base.name = e.Name
				c.base.attrbits = e.Attrbits
				c.base.hids[idx] = e.HID
				t.nodes[id].baseChildren[gid] = existing
				if c.parent != id {
					// Already moved elsewhere before its baseline parent was loaded.
					t.nodes[id].structDirty = true
				}
				continue
			}
			child := Node{
				GID:      gid,
				Type:     e.Type,
				Name:     e.Name,
				Attrbits: e.Attrbits,
				parent:   id,
				base: baseline{
					present:  true,
					name:     e.Name,
					attrbits: e.Attrbits,
					parent:   dirGID,
					hids:     make([]string, t.slots),
				},
			}
			child.base.hids[idx] = e.HID
			cid := t.alloc(child)
			t.nodes[id].children[gid] = cid
			t.nodes[id].baseChildren[gid] = cid
		}
	}
	t.nodes[id].loaded = true
	return nil
}

// Children returns the children of a directory in name order, loading
// them first. Deleted children are included only when inactive is set.
func (t *Tree) Children(ctx context.Context, id NodeID, inactive bool) ([]NodeID, error) {
	if err := t.load(ctx, id); err != nil {
		return nil, err
	}
	var out []NodeID
	for _, cid := range t.nodes[id].children {
		if t.nodes[cid].deleted && !inactive {
			continue
		}
		out = append(out, cid)
	}
	sortByName(t, out)
	return out, nil
}

func sortByName(t *Tree, ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		return less(&t.nodes[ids[i]], &t.nodes[ids[j]])
	})
}

func less(a, b *Node) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.GID < b.GID
}

// Path returns the slash path of a node below the root, "" for the root.
func (t *Tree) Path(id NodeID) string {
	var parts []string
	for cur := id; cur != NoNode && cur != t.root && cur != t.super; cur = t.nodes[cur].parent {
		parts = append([]string{t.nodes[cur].Name}, parts...)
	}
	return common.JoinPath(parts...)
}

// treeEntry returns the serialized entry of a node for repo idx with the
// given content HID.
func (n *Node) treeEntry(h string) repo.TreeEntry {
	return repo.TreeEntry{Name: n.Name, Type: n.Type, HID: h, Attrbits: n.Attrbits}
}

func (n *Node) baseEntry(idx int) repo.TreeEntry {
	return repo.TreeEntry{Name: n.base.name, Type: n.Type, HID: n.BaseHID(idx), Attrbits: n.base.attrbits}
}
