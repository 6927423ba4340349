// Package journal holds the ordered list of mutations a working-copy
// transaction has queued but not yet applied.
package journal

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
)

// Kind is the type of a journal entry.
type Kind int

const (
	KindMkdir Kind = iota + 1
	KindWriteFile
	KindSymlink
	KindMove
	KindRemove
	KindChmod
	KindStoreBlob
	KindCommitDir
)

func (k Kind) String() string {
	switch k {
	case KindMkdir:
		return "mkdir"
	case KindWriteFile:
		return "write"
	case KindSymlink:
		return "symlink"
	case KindMove:
		return "move"
	case KindRemove:
		return "remove"
	case KindChmod:
		return "chmod"
	case KindStoreBlob:
		return "store-blob"
	case KindCommitDir:
		return "commit-dir"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one queued mutation with what apply needs to perform and
// verify it. Paths are working-copy relative and reflect every entry
// queued before this one.
type Entry struct {
	Seq   int
	Kind  Kind
	Alias int64
	GID   string
	Type  common.EntryType

	Path string // target path
	From string // source path of a move

	// HID is the expected content HID of what the entry writes or stores.
	HID  string
	Data []byte

	Attrbits common.Attrbits

	// Force removes a directory together with whatever it still holds.
	Force bool

	// Children lists the GIDs a CommitDir entry depends on.
	Children []string
	Repo     int
}

func (e Entry) String() string {
	switch e.Kind {
	case KindMove:
		return fmt.Sprintf("#%d %s %s -> %s", e.Seq, e.Kind, e.From, e.Path)
	case KindCommitDir, KindStoreBlob:
		return fmt.Sprintf("#%d %s %s %s", e.Seq, e.Kind, e.GID, e.HID)
	default:
		return fmt.Sprintf("#%d %s %s", e.Seq, e.Kind, e.Path)
	}
}

// Journal is append-only from the caller's point of view. Entries are
// only ever dropped when a later operation cancels them out.
type Journal struct {
	entries []Entry
	seq     int
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{}
}

// Append adds e and returns its sequence number. Two adjacent moves of
// the same item fold into one, and fold away entirely when the second
// move returns the item to where the first one found it.
func (j *Journal) Append(e Entry) int {
	if e.Kind == KindMove && len(j.entries) > 0 {
		last := &j.entries[len(j.entries)-1]
		if last.Kind == KindMove && last.Alias == e.Alias && last.Path == e.From {
			if last.From == e.Path {
				log.Tracef("journal: %s cancels #%d", e.Path, last.Seq)
				j.entries = j.entries[:len(j.entries)-1]
				return 0
			}
			last.Path = e.Path
			return last.Seq
		}
	}
	j.seq++
	e.Seq = j.seq
	j.entries = append(j.entries, e)
	log.Tracef("journal: queued %s", e)
	return e.Seq
}

// Entries returns a copy of the entries in order.
func (j *Journal) Entries() []Entry {
	return append([]Entry(nil), j.entries...)
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Find returns the last entry of kind for alias.
func (j *Journal) Find(alias int64, kind Kind) (Entry, bool) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		if e := j.entries[i]; e.Alias == alias && e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// Drop removes the entry with sequence number seq.
func (j *Journal) Drop(seq int) bool {
	for i, e := range j.entries {
		if e.Seq == seq {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return true
		}
	}
	return false
}

// DropAlias removes every entry of kind for alias and returns how many
// were removed.
func (j *Journal) DropAlias(alias int64, kind Kind) int {
	kept := j.entries[:0]
	n := 0
	for _, e := range j.entries {
		if e.Alias == alias && e.Kind == kind {
			n++
			continue
		}
		kept = append(kept, e)
	}
	j.entries = kept
	return n
}

// Reset discards every entry.
func (j *Journal) Reset() {
	j.entries = nil
}

// CheckOrder verifies that every CommitDir entry comes after the entries
// storing its children in the same repo.
func CheckOrder(entries []Entry) error {
	stored := make(map[int]map[string]bool)
	for _, e := range entries {
		switch e.Kind {
		case KindStoreBlob, KindCommitDir:
		default:
			continue
		}
		if e.Kind == KindCommitDir {
			for _, c := range e.Children {
				if !stored[e.Repo][c] {
					return fmt.Errorf("%w: %s needs %s", common.ErrJournalOrder, e, c)
				}
			}
		}
		if stored[e.Repo] == nil {
			stored[e.Repo] = make(map[string]bool)
		}
		stored[e.Repo][e.GID] = true
	}
	return nil
}
