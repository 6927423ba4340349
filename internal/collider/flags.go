package collider

import (
	"fmt"
	"strings"

	"wcengine/internal/common"
)

// Flags is a bitfield of portability problems. The low bits describe a
// single name on its own; the high bits give the reason two different names
// collide.
type Flags uint32

// Individual-name problems.
const (
	FlagInvalidChars Flags = 1 << iota
	FlagReservedName
	FlagTrailingDotSpace
	FlagLength
	FlagNonBMP
	FlagHasIgnorable
	FlagNonCanonical
	FlagCharset
)

// Collision reasons.
const (
	FlagCase Flags = 1 << (iota + 16)
	FlagNFC
	FlagIgnorable
	FlagSFM
	FlagFinalDotSpace
	FlagShare25
)

const (
	IndividualMask = FlagInvalidChars | FlagReservedName | FlagTrailingDotSpace |
		FlagLength | FlagNonBMP | FlagHasIgnorable | FlagNonCanonical | FlagCharset
	CollisionMask = FlagCase | FlagNFC | FlagIgnorable | FlagSFM | FlagFinalDotSpace | FlagShare25
	AllFlags      = IndividualMask | CollisionMask
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagInvalidChars, "INVALID_CHARS"},
	{FlagReservedName, "RESERVED_NAME"},
	{FlagTrailingDotSpace, "TRAILING_DOT_SPACE"},
	{FlagLength, "LENGTH"},
	{FlagNonBMP, "NON_BMP"},
	{FlagHasIgnorable, "HAS_IGNORABLE"},
	{FlagNonCanonical, "NON_CANONICAL"},
	{FlagCharset, "CHARSET"},
	{FlagCase, "CASE"},
	{FlagNFC, "NFC"},
	{FlagIgnorable, "IGNORABLE"},
	{FlagSFM, "SFM"},
	{FlagFinalDotSpace, "FINAL_DOT_SPACE"},
	{FlagShare25, "SHARE_25"},
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseMask turns config names into a mask. "all" selects every flag,
// "individual" and "collisions" select the two halves.
func ParseMask(names []string) (Flags, error) {
	var mask Flags
	for _, raw := range names {
		n := strings.ToUpper(strings.TrimSpace(raw))
		switch n {
		case "":
			continue
		case "ALL":
			mask |= AllFlags
			continue
		case "NONE":
			continue
		case "INDIVIDUAL":
			mask |= IndividualMask
			continue
		case "COLLISIONS":
			mask |= CollisionMask
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				mask |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown portability flag %q", common.ErrInvalidArg, raw)
		}
	}
	return mask, nil
}
