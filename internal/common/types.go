package common

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntryType is the kind of a versioned or observed entry.
type EntryType int

const (
	TypeUnknown EntryType = iota
	TypeFile
	TypeDir
	TypeSymlink
	// TypeDevice covers FIFOs, sockets and device nodes. They take part in
	// collision checks but can never be versioned.
	TypeDevice
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Versionable reports whether entries of this type can be placed under
// version control.
func (t EntryType) Versionable() bool {
	return t == TypeFile || t == TypeDir || t == TypeSymlink
}

// Attrbits is the versioned attribute bitfield of an entry.
type Attrbits int64

const (
	AttrExec Attrbits = 1 << iota
)

// ParseAttrbitsMask converts config names ("exec") into a mask.
func ParseAttrbitsMask(names []string) (Attrbits, error) {
	var mask Attrbits
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "exec", "x":
			mask |= AttrExec
		case "":
		default:
			return 0, fmt.Errorf("%w: unknown attribute %q", ErrInvalidArg, n)
		}
	}
	return mask, nil
}

// NewGID returns a fresh item identifier.
func NewGID() string {
	u := uuid.New()
	return "g" + strings.ReplaceAll(u.String(), "-", "")
}

// ValidGID reports whether s looks like an identifier produced by NewGID.
func ValidGID(s string) bool {
	if len(s) != 33 || s[0] != 'g' {
		return false
	}
	for _, c := range s[1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// GIDPrefix returns the short form of a GID used in generated names.
func GIDPrefix(gid string) string {
	s := strings.TrimPrefix(gid, "g")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
