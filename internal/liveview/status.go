package liveview

import "strings"

// Status is the classification of one item. Exactly one primary bit is
// set; modifier bits are layered on top.
type Status uint32

// Primary states.
const (
	StatusMatched Status = 1 << iota
	StatusAdded
	StatusDeleted
	StatusLost
	StatusFound
	StatusIgnored
	StatusReserved
)

// Modifiers.
const (
	StatusMoved Status = 1 << (iota + 8)
	StatusRenamed
	StatusAttrChanged
	StatusContentChanged
	StatusSparse
	StatusConflicted
	StatusMultiple
)

// Merge and update annotations.
const (
	StatusUpdateCreated Status = 1 << (iota + 20)
	StatusMergeCreated
	StatusAutoMerged
	StatusAutoMergedEdited
)

const (
	primaryMask  = StatusMatched | StatusAdded | StatusDeleted | StatusLost | StatusFound | StatusIgnored | StatusReserved
	modifierMask = StatusMoved | StatusRenamed | StatusAttrChanged | StatusContentChanged | StatusSparse | StatusConflicted
)

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusMatched, "MATCHED"},
	{StatusAdded, "ADDED"},
	{StatusDeleted, "DELETED"},
	{StatusLost, "LOST"},
	{StatusFound, "FOUND"},
	{StatusIgnored, "IGNORED"},
	{StatusReserved, "RESERVED"},
	{StatusMoved, "MOVED"},
	{StatusRenamed, "RENAMED"},
	{StatusAttrChanged, "ATTRBITS"},
	{StatusContentChanged, "MODIFIED"},
	{StatusSparse, "SPARSE"},
	{StatusConflicted, "CONFLICTED"},
	{StatusMultiple, "MULTIPLE"},
	{StatusUpdateCreated, "UPDATE_CREATED"},
	{StatusMergeCreated, "MERGE_CREATED"},
	{StatusAutoMerged, "AUTO_MERGED"},
	{StatusAutoMergedEdited, "AUTO_MERGED_EDITED"},
}

func (s Status) String() string {
	var parts []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Primary returns the primary state bit.
func (s Status) Primary() Status { return s & primaryMask }

// Modifiers returns the modifier bits without MULTIPLE.
func (s Status) Modifiers() Status { return s & modifierMask }

// Clean reports a matched item with no modifiers or annotations.
func (s Status) Clean() bool { return s == StatusMatched }

// AutoMerge describes how the current content relates to an automatic
// merge result.
type AutoMerge int

const (
	AutoMergeNone AutoMerge = iota
	AutoMergeClean
	AutoMergeEdited
)

// ScanInfo is everything classification looks at.
type ScanInfo struct {
	Controlled bool
	InBaseline bool
	Deleted    bool
	OnDisk     bool
	Ignored    bool
	Reserved   bool

	Moved          bool
	Renamed        bool
	AttrChanged    bool
	ContentChanged bool
	Sparse         bool
	Conflicted     bool

	UpdateCreated bool
	MergeCreated  bool
	AutoMerge     AutoMerge
}

// Classify maps scan facts to a status.
func Classify(si ScanInfo) Status {
	var s Status
	switch {
	case si.Reserved:
		return StatusReserved
	case !si.Controlled && si.Ignored:
		return StatusIgnored
	case !si.Controlled:
		return StatusFound
	case si.Deleted:
		s = StatusDeleted
	case !si.OnDisk && !si.Sparse:
		s = StatusLost
	case !si.InBaseline:
		s = StatusAdded
	default:
		s = StatusMatched
	}

	if si.Moved {
		s |= StatusMoved
	}
	if si.Renamed {
		s |= StatusRenamed
	}
	if si.Sparse {
		s |= StatusSparse
	}
	if si.Conflicted {
		s |= StatusConflicted
	}
	// Deleted and lost items have nothing on disk to compare.
	if s&(StatusDeleted|StatusLost) == 0 {
		if si.AttrChanged && si.InBaseline {
			s |= StatusAttrChanged
		}
		if si.ContentChanged && si.InBaseline {
			s |= StatusContentChanged
		}
	}
	s = WithMultiple(s)

	if si.UpdateCreated {
		s |= StatusUpdateCreated
	}
	if si.MergeCreated {
		s |= StatusMergeCreated
	}
	switch si.AutoMerge {
	case AutoMergeClean:
		s |= StatusAutoMerged
	case AutoMergeEdited:
		s |= StatusAutoMergedEdited
	}
	return s
}

// WithMultiple adds StatusMultiple when more than one modifier is set.
func WithMultiple(s Status) Status {
	if bitCount(s&modifierMask) > 1 {
		s |= StatusMultiple
	}
	return s
}

func bitCount(s Status) int {
	n := 0
	for ; s != 0; s &= s - 1 {
		n++
	}
	return n
}
