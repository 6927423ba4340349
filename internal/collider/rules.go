package collider

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const maxNameBytes = 255

var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// sfmToASCII maps the private-use code points used by the Services for
// Macintosh encoding back to the characters they stand in for.
var sfmToASCII = map[rune]rune{
	0xF020: '"', 0xF021: '*', 0xF022: ':', 0xF023: '<',
	0xF024: '>', 0xF025: '?', 0xF026: '\\', 0xF027: '|',
	0xF028: ' ', 0xF029: '.',
}

func isInvalidChar(r rune) bool {
	if r < 0x20 {
		return true
	}
	return strings.ContainsRune(`<>:"/\|?*`, r)
}

// isIgnorable reports code points that HFS+ drops when comparing names.
func isIgnorable(r rune) bool {
	switch {
	case r >= 0x200C && r <= 0x200F:
		return true
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x206A && r <= 0x206F:
		return true
	case r == 0xFEFF:
		return true
	}
	return false
}

// checkName returns the individual problems of a single name.
func checkName(name string) (Flags, []string) {
	var flags Flags
	var notes []string
	add := func(f Flags, note string) {
		if flags&f == 0 {
			notes = append(notes, note)
		}
		flags |= f
	}

	if len(name) > maxNameBytes {
		add(FlagLength, "name is longer than 255 bytes")
	}
	if !utf8.ValidString(name) {
		add(FlagCharset, "name is not valid UTF-8")
		return flags, notes
	}
	if name == "." || name == ".." {
		add(FlagReservedName, "name is a relative directory reference")
	}
	for _, r := range name {
		switch {
		case isInvalidChar(r):
			add(FlagInvalidChars, "name contains characters invalid on Windows")
		case r > 0xFFFF:
			add(FlagNonBMP, "name contains characters outside the BMP")
		case isIgnorable(r):
			add(FlagHasIgnorable, "name contains ignorable code points")
		}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		add(FlagTrailingDotSpace, "name ends with a dot or space")
	}
	base := strings.ToUpper(strings.TrimRight(name, " "))
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedDeviceNames[base] {
		add(FlagReservedName, "name is a reserved device name on Windows")
	}
	if !norm.NFC.IsNormalString(name) {
		add(FlagNonCanonical, "name is not in canonical (NFC) form")
	}
	return flags, notes
}

// family is one platform's folding rule set. fold returns the folded key
// and the collision reasons for every rule that changed the name.
type family struct {
	id   string
	fold func(c *Collider, name string) (string, Flags)
}

var families = []family{
	{id: "win", fold: foldWindows},
	{id: "mac", fold: foldMac},
	{id: "share", fold: foldShare25},
}

func foldWindows(c *Collider, name string) (string, Flags) {
	var mask Flags
	s := strings.TrimRight(name, ". ")
	if s != name && s != "" {
		mask |= FlagFinalDotSpace
	} else {
		s = name
	}
	if f := c.fold(s); f != s {
		mask |= FlagCase
		s = f
	}
	return s, mask
}

func foldMac(c *Collider, name string) (string, Flags) {
	var mask Flags
	s := name
	if m := strings.Map(func(r rune) rune {
		if a, ok := sfmToASCII[r]; ok {
			return a
		}
		return r
	}, s); m != s {
		mask |= FlagSFM
		s = m
	}
	if n := norm.NFC.String(s); n != s {
		mask |= FlagNFC
		s = n
	}
	if st := strings.Map(func(r rune) rune {
		if isIgnorable(r) {
			return -1
		}
		return r
	}, s); st != s {
		mask |= FlagIgnorable
		s = st
	}
	if f := c.fold(s); f != s {
		mask |= FlagCase
		s = f
	}
	return s, mask
}

// foldShare25 simulates a file-sharing host that unescapes "%25" to "%".
func foldShare25(_ *Collider, name string) (string, Flags) {
	if s := strings.ReplaceAll(name, "%25", "%"); s != name {
		return s, FlagShare25
	}
	return name, 0
}

func newFolder() cases.Caser {
	return cases.Fold()
}
