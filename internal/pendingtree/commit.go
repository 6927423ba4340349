package pendingtree

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/hid"
	"wcengine/internal/repo"
)

// Sink receives every directory Commit serializes. gid is "" for the
// super-root. dirtyChildren lists the children whose content was produced
// or copied by this commit; they must be stored before the directory.
type Sink interface {
	StoreTreenode(ctx context.Context, idx int, gid string, data []byte, h string, dirtyChildren []string) error
}

// Predicate decides whether node id is committed to repo idx.
type Predicate func(idx int, id NodeID) bool

// All commits every node to every repo.
func All(int, NodeID) bool { return true }

// Commit serializes the dirty part of the tree into every repo and returns
// the new super-root HID per repo. A repo whose tree is unchanged keeps
// its loaded super-root HID.
func (t *Tree) Commit(ctx context.Context, pred Predicate, sink Sink) ([]string, error) {
	if t.root == NoNode {
		return nil, fmt.Errorf("%w: root not loaded", common.ErrInvalidArg)
	}
	if len(t.detached) > 0 {
		return nil, fmt.Errorf("%w: %d detached nodes were neither attached nor freed", common.ErrInvalidArg, len(t.detached))
	}
	if pred == nil {
		pred = All
	}
	out := make([]string, t.slots)
	for idx := 0; idx < t.slots; idx++ {
		out[idx] = t.superHID[idx]
		if !pred(idx, t.root) {
			continue
		}
		rootHID, produced, err := t.commitNode(ctx, idx, t.root, pred, sink)
		if err != nil {
			return nil, err
		}
		if !produced && t.superHID[idx] != "" {
			continue
		}
		sr := repo.NewSuperRoot(t.nodes[t.root].GID, rootHID)
		data, h, err := sr.Encode()
		if err != nil {
			return nil, err
		}
		if h == t.superHID[idx] {
			continue
		}
		if err := sink.StoreTreenode(ctx, idx, "", data, h, []string{t.nodes[t.root].GID}); err != nil {
			return nil, err
		}
		out[idx] = h
	}
	return out, nil
}

// commitNode returns the content HID of id in repo idx and whether the
// HID is new to that repo.
func (t *Tree) commitNode(ctx context.Context, idx int, id NodeID, pred Predicate, sink Sink) (string, bool, error) {
	n := &t.nodes[id]
	if n.Type != common.TypeDir {
		if h := n.EffectiveHID(idx); h != "" {
			return h, n.CurrentHID(idx) != "", nil
		}
		h, err := t.borrow(ctx, idx, id, false)
		return h, true, err
	}

	if n.BaseHID(idx) != "" && !t.divergent(id) && !t.touched(idx, id) {
		return n.BaseHID(idx), false, nil
	}
	if n.BaseHID(idx) == "" && !n.loaded && !n.added {
		// Only another repo knows this directory.
		h, err := t.borrow(ctx, idx, id, true)
		return h, true, err
	}
	if err := t.load(ctx, id); err != nil {
		return "", false, err
	}

	tn := repo.NewTreenode()
	var dirty []string
	kids, err := t.Children(ctx, id, false)
	if err != nil {
		return "", false, err
	}
	for _, cid := range kids {
		if !pred(idx, cid) {
			continue
		}
		ch, produced, err := t.commitNode(ctx, idx, cid, pred, sink)
		if err != nil {
			return "", false, err
		}
		c := &t.nodes[cid]
		tn.Entries[c.GID] = c.treeEntry(ch)
		if produced {
			dirty = append(dirty, c.GID)
		}
	}
	// Uncommitted children keep their baseline entry.
	for gid, cid := range t.nodes[id].baseChildren {
		c := &t.nodes[cid]
		if pred(idx, cid) || c.BaseHID(idx) == "" {
			continue
		}
		if _, ok := tn.Entries[gid]; !ok {
			tn.Entries[gid] = c.baseEntry(idx)
		}
	}

	data, h, err := tn.Encode()
	if err != nil {
		return "", false, err
	}
	n = &t.nodes[id]
	if h == n.BaseHID(idx) {
		log.Tracef("pendingtree: %s collapsed to baseline", n.GID)
		return h, false, nil
	}
	if err := sink.StoreTreenode(ctx, idx, n.GID, data, h, dirty); err != nil {
		return "", false, err
	}
	return h, true, nil
}

// borrow finds the content of a node in the single other repo holding it
// and copies it into idx.
func (t *Tree) borrow(ctx context.Context, idx int, id NodeID, recursive bool) (string, error) {
	n := &t.nodes[id]
	from := -1
	found := ""
	for j := 0; j < t.slots; j++ {
		if j == idx {
			continue
		}
		h := n.EffectiveHID(j)
		if h == "" {
			continue
		}
		if found != "" && h != found {
			return "", fmt.Errorf("%w: %s", common.ErrAmbiguousContent, t.Path(id))
		}
		if found == "" {
			from, found = j, h
		}
	}
	if found == "" {
		return "", fmt.Errorf("%w: no content for %s", common.ErrNotFound, t.Path(id))
	}
	if err := t.resolver.CopyBlob(ctx, from, idx, found, recursive); err != nil {
		return "", fmt.Errorf("failed to copy %s from repo %d: %w", t.Path(id), from, err)
	}
	return found, nil
}

// divergent reports whether repos disagree on a directory's baseline.
func (t *Tree) divergent(id NodeID) bool {
	seen := ""
	for _, h := range t.nodes[id].base.hids {
		if h == "" {
			continue
		}
		if seen != "" && h != seen {
			return true
		}
		seen = h
	}
	return false
}

// touched reports whether anything below a directory differs from the
// baseline of repo idx.
func (t *Tree) touched(idx int, id NodeID) bool {
	n := &t.nodes[id]
	if n.structDirty || n.added {
		return true
	}
	if !n.loaded {
		return false
	}
	for _, cid := range n.children {
		c := &t.nodes[cid]
		if c.deleted {
			if c.BaseHID(idx) != "" {
				return true
			}
			continue
		}
		if t.Changed(cid) || c.BaseHID(idx) == "" {
			return true
		}
		if c.Type == common.TypeDir && t.touched(idx, cid) {
			return true
		}
	}
	return false
}

// StoreSink writes serialized directories straight into repositories.
type StoreSink struct {
	Write []BlobStorer
}

// StoreTreenode implements Sink.
func (s StoreSink) StoreTreenode(ctx context.Context, idx int, gid string, data []byte, h string, _ []string) error {
	if idx < 0 || idx >= len(s.Write) || s.Write[idx] == nil {
		return fmt.Errorf("%w: repo index %d", common.ErrInvalidArg, idx)
	}
	got, err := s.Write[idx].StoreBlob(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to store treenode %s: %w", gid, err)
	}
	return hid.Verify(gid, h, got)
}
