package repo

import (
	"context"
	"fmt"

	"wcengine/internal/common"
)

// WalkEntry is one item visited by WalkTree.
type WalkEntry struct {
	GID       string
	ParentGID string // empty for the root directory
	Path      string // working-copy relative; empty for the root directory
	TreeEntry
}

// WalkTree visits every item reachable from a super-root in pre-order,
// children ordered by name. The root directory is visited first.
func WalkTree(ctx context.Context, s Store, superRootHID string, fn func(WalkEntry) error) error {
	super, err := s.LoadTreenode(ctx, superRootHID)
	if err != nil {
		return err
	}
	rootGID, rootEntry, err := super.RootEntry()
	if err != nil {
		return err
	}
	return walk(ctx, s, WalkEntry{GID: rootGID, TreeEntry: rootEntry}, fn)
}

func walk(ctx context.Context, s Store, we WalkEntry, fn func(WalkEntry) error) error {
	if err := fn(we); err != nil {
		return err
	}
	if we.Type != common.TypeDir {
		return nil
	}
	tn, err := s.LoadTreenode(ctx, we.HID)
	if err != nil {
		return fmt.Errorf("failed to load directory %q: %w", we.Path, err)
	}
	for _, gid := range tn.SortedGIDs() {
		e := tn.Entries[gid]
		child := WalkEntry{
			GID:       gid,
			ParentGID: we.GID,
			Path:      common.JoinPath(we.Path, e.Name),
			TreeEntry: e,
		}
		if err := walk(ctx, s, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns every item of a changeset tree keyed by GID.
func Snapshot(ctx context.Context, s Store, superRootHID string) (map[string]WalkEntry, error) {
	out := make(map[string]WalkEntry)
	err := WalkTree(ctx, s, superRootHID, func(we WalkEntry) error {
		out[we.GID] = we
		return nil
	})
	return out, err
}
