package pendingtree

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/repo"
)

// RepoResolver resolves repository slot indexes for the tree.
type RepoResolver interface {
	// Count is the number of repository slots.
	Count() int
	LoadTreenode(ctx context.Context, idx int, h string) (*repo.Treenode, error)
	HasBlob(ctx context.Context, idx int, h string) (bool, error)
	// CopyBlob copies h from one slot to another, with the whole subtree
	// when recursive is set.
	CopyBlob(ctx context.Context, from, to int, h string, recursive bool) error
}

// BlobStorer is the write side needed to copy blobs into a repository.
type BlobStorer interface {
	StoreBlob(ctx context.Context, data []byte) (string, error)
}

// SingleRepo resolves slot 0 to one store.
type SingleRepo struct {
	Store repo.Store
}

// Count implements RepoResolver.
func (s SingleRepo) Count() int { return 1 }

// LoadTreenode implements RepoResolver.
func (s SingleRepo) LoadTreenode(ctx context.Context, idx int, h string) (*repo.Treenode, error) {
	if idx != 0 {
		return nil, fmt.Errorf("%w: repo index %d", common.ErrInvalidArg, idx)
	}
	return s.Store.LoadTreenode(ctx, h)
}

// HasBlob implements RepoResolver.
func (s SingleRepo) HasBlob(ctx context.Context, idx int, h string) (bool, error) {
	if idx != 0 {
		return false, fmt.Errorf("%w: repo index %d", common.ErrInvalidArg, idx)
	}
	return s.Store.HasBlob(ctx, h)
}

// CopyBlob implements RepoResolver. A single repository never copies.
func (s SingleRepo) CopyBlob(ctx context.Context, from, to int, h string, recursive bool) error {
	return fmt.Errorf("%w: copy between repo %d and %d", common.ErrInvalidArg, from, to)
}

// DualRepo resolves two slots, each with its own read and write side.
// It is used to assemble a tree in one repository from content that
// lives in another.
type DualRepo struct {
	Read  [2]repo.Store
	Write [2]BlobStorer
}

// Count implements RepoResolver.
func (d DualRepo) Count() int { return 2 }

func (d DualRepo) check(idx int) error {
	if idx < 0 || idx > 1 || d.Read[idx] == nil {
		return fmt.Errorf("%w: repo index %d", common.ErrInvalidArg, idx)
	}
	return nil
}

// LoadTreenode implements RepoResolver.
func (d DualRepo) LoadTreenode(ctx context.Context, idx int, h string) (*repo.Treenode, error) {
	if err := d.check(idx); err != nil {
		return nil, err
	}
	return d.Read[idx].LoadTreenode(ctx, h)
}

// HasBlob implements RepoResolver.
func (d DualRepo) HasBlob(ctx context.Context, idx int, h string) (bool, error) {
	if err := d.check(idx); err != nil {
		return false, err
	}
	return d.Read[idx].HasBlob(ctx, h)
}

// CopyBlob implements RepoResolver.
func (d DualRepo) CopyBlob(ctx context.Context, from, to int, h string, recursive bool) error {
	if err := d.check(from); err != nil {
		return err
	}
	if err := d.check(to); err != nil {
		return err
	}
	if d.Write[to] == nil {
		return fmt.Errorf("%w: repo %d is read-only", common.ErrInvalidArg, to)
	}
	if ok, err := d.Read[to].HasBlob(ctx, h); err != nil {
		return err
	} else if ok {
		return nil
	}
	if recursive {
		tn, err := d.Read[from].LoadTreenode(ctx, h)
		if err != nil {
			return err
		}
		for _, gid := range tn.SortedGIDs() {
			e := tn.Entries[gid]
			if err := d.CopyBlob(ctx, from, to, e.HID, e.Type == common.TypeDir); err != nil {
				return err
			}
		}
	}
	data, err := d.Read[from].FetchBlob(ctx, h)
	if err != nil {
		return err
	}
	if _, err := d.Write[to].StoreBlob(ctx, data); err != nil {
		return err
	}
	log.Tracef("pendingtree: copied %s from repo %d to %d", h, from, to)
	return nil
}
