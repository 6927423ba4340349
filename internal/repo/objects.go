package repo

import (
	"encoding/json"
	"fmt"
	"sort"

	"wcengine/internal/common"
	"wcengine/internal/hid"
)

// TreenodeVersion and ChangesetVersion are the serialization versions.
const (
	TreenodeVersion  = 1
	ChangesetVersion = 1
)

// TreeEntry is one child of a treenode, keyed by GID in Treenode.Entries.
type TreeEntry struct {
	Name     string           `json:"name"`
	Type     common.EntryType `json:"type"`
	HID      string           `json:"hid"`
	Attrbits common.Attrbits  `json:"bits,omitempty"`
}

// Treenode is a directory snapshot. The super-root is a treenode with a
// single entry named "@" for the root directory.
type Treenode struct {
	Version int                  `json:"version"`
	Entries map[string]TreeEntry `json:"entries"`
}

// NewTreenode returns an empty treenode.
func NewTreenode() *Treenode {
	return &Treenode{Version: TreenodeVersion, Entries: make(map[string]TreeEntry)}
}

// NewSuperRoot returns the super-root treenode pointing at the root
// directory rootGID with treenode HID rootHID.
func NewSuperRoot(rootGID, rootHID string) *Treenode {
	tn := NewTreenode()
	tn.Entries[rootGID] = TreeEntry{Name: common.RootName, Type: common.TypeDir, HID: rootHID}
	return tn
}

// RootEntry returns the single entry of a super-root.
func (t *Treenode) RootEntry() (string, TreeEntry, error) {
	if len(t.Entries) != 1 {
		return "", TreeEntry{}, fmt.Errorf("%w: super-root has %d entries", common.ErrInvalidArg, len(t.Entries))
	}
	for gid, e := range t.Entries {
		return gid, e, nil
	}
	panic("unreachable")
}

// SortedGIDs returns the entry GIDs ordered by entry name, then GID.
func (t *Treenode) SortedGIDs() []string {
	gids := make([]string, 0, len(t.Entries))
	for gid := range t.Entries {
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool {
		a, b := t.Entries[gids[i]], t.Entries[gids[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return gids[i] < gids[j]
	})
	return gids
}

// Encode returns the canonical serialization and its HID. Map keys are
// emitted sorted, so equal trees always hash equal.
func (t *Treenode) Encode() ([]byte, string, error) {
	if t.Entries == nil {
		t.Entries = make(map[string]TreeEntry)
	}
	if t.Version == 0 {
		t.Version = TreenodeVersion
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode treenode: %w", err)
	}
	return data, hid.Sum(data), nil
}

// DecodeTreenode parses a serialized treenode.
func DecodeTreenode(data []byte) (*Treenode, error) {
	var t Treenode
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Version != TreenodeVersion {
		return nil, fmt.Errorf("%w: treenode version %d", common.ErrInvalidArg, t.Version)
	}
	if t.Entries == nil {
		t.Entries = make(map[string]TreeEntry)
	}
	return &t, nil
}

// Changeset is an immutable snapshot: parents plus the super-root HID.
type Changeset struct {
	Version    int      `json:"version"`
	Generation int64    `json:"generation"`
	Parents    []string `json:"parents"`
	Root       string   `json:"root"`
}

// Encode returns the canonical serialization and its HID.
func (c *Changeset) Encode() ([]byte, string, error) {
	if c.Version == 0 {
		c.Version = ChangesetVersion
	}
	if c.Parents == nil {
		c.Parents = []string{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode changeset: %w", err)
	}
	return data, hid.Sum(data), nil
}

// DecodeChangeset parses a serialized changeset.
func DecodeChangeset(data []byte) (*Changeset, error) {
	var c Changeset
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != ChangesetVersion {
		return nil, fmt.Errorf("%w: changeset version %d", common.ErrInvalidArg, c.Version)
	}
	return &c, nil
}
