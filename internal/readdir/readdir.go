// Package readdir captures filesystem entries as observed by a directory
// scan and computes their content HIDs on demand.
package readdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/hid"
	"wcengine/internal/tscache"
)

// Row is one entry of a directory scan.
type Row struct {
	Name string
	Path string // working-copy relative, slash separated
	Info os.FileInfo
	Type common.EntryType

	attrbits    common.Attrbits
	attrbitsSet bool

	hid    string
	size   int64
	hashed bool
}

// TypeOf maps a file mode to an entry type.
func TypeOf(mode os.FileMode) common.EntryType {
	switch {
	case mode.IsRegular():
		return common.TypeFile
	case mode.IsDir():
		return common.TypeDir
	case mode&os.ModeSymlink != 0:
		return common.TypeSymlink
	default:
		return common.TypeDevice
	}
}

func newRow(relPath string, info os.FileInfo) *Row {
	return &Row{
		Name: common.BaseName(relPath),
		Path: relPath,
		Info: info,
		Type: TypeOf(info.Mode()),
	}
}

// Stat returns the row for relPath without following symlinks.
func Stat(fs billy.Filesystem, relPath string) (*Row, error) {
	relPath = common.NormalizePath(relPath)
	info, err := fs.Lstat(diskName(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	return newRow(relPath, info), nil
}

// ReadDir scans relDir and returns its rows sorted by name in byte order.
func ReadDir(fs billy.Filesystem, relDir string) ([]*Row, error) {
	relDir = common.NormalizePath(relDir)
	infos, err := fs.ReadDir(diskName(relDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, relDir)
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", relDir, err)
	}
	rows := make([]*Row, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, newRow(common.JoinPath(relDir, info.Name()), info))
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare([]byte(rows[i].Name), []byte(rows[j].Name)) < 0
	})
	return rows, nil
}

// Attrbits derives the versioned attribute bits from the stat permissions,
// limited to mask. The result is cached on the row.
func (r *Row) Attrbits(mask common.Attrbits) common.Attrbits {
	if r.attrbitsSet {
		return r.attrbits & mask
	}
	var bits common.Attrbits
	if r.Type == common.TypeFile && r.Info.Mode().Perm()&0o100 != 0 {
		bits |= common.AttrExec
	}
	r.attrbits = bits
	r.attrbitsSet = true
	return bits & mask
}

// ContentHID returns the content HID and size of the entry. For files the
// timestamp cache is consulted unless noTSC is set or gid is empty; the
// row is re-validated against a fresh stat first, so edits made since the
// scan force a recompute.
func (r *Row) ContentHID(ctx context.Context, fs billy.Filesystem, tsc *tscache.Cache, gid string, noTSC bool) (string, int64, error) {
	switch r.Type {
	case common.TypeDir:
		return "", 0, fmt.Errorf("%w: %s", common.ErrIsDir, r.Path)
	case common.TypeDevice:
		return "", 0, fmt.Errorf("%w: %s", common.ErrUnsupportedType, r.Path)
	}

	if err := r.revalidate(fs); err != nil {
		return "", 0, err
	}
	if r.hashed {
		return r.hid, r.size, nil
	}

	switch r.Type {
	case common.TypeSymlink:
		target, err := fs.Readlink(diskName(r.Path))
		if err != nil {
			return "", 0, fmt.Errorf("failed to read link %s: %w", r.Path, err)
		}
		r.hid, r.size, r.hashed = hid.Sum([]byte(target)), int64(len(target)), true
		return r.hid, r.size, nil

	case common.TypeFile:
		mtime, size := r.Info.ModTime(), r.Info.Size()
		if !noTSC && gid != "" {
			if h, ok := tsc.Lookup(ctx, gid, mtime, size); ok {
				r.hid, r.size, r.hashed = h, size, true
				return r.hid, r.size, nil
			}
		}
		f, err := fs.Open(diskName(r.Path))
		if err != nil {
			return "", 0, fmt.Errorf("failed to open %s: %w", r.Path, err)
		}
		h, n, err := hid.FromReader(f)
		f.Close()
		if err != nil {
			return "", 0, err
		}
		r.hid, r.size, r.hashed = h, n, true
		if gid != "" {
			tsc.Put(gid, mtime, size, h)
		}
		log.Tracef("readdir: hashed %s -> %s", r.Path, h)
		return r.hid, r.size, nil
	}
	return "", 0, fmt.Errorf("%w: %s", common.ErrUnsupportedType, r.Path)
}

// revalidate refreshes the stat snapshot and drops a memoized hash when
// the entry changed since it was taken.
func (r *Row) revalidate(fs billy.Filesystem) error {
	info, err := fs.Lstat(diskName(r.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", common.ErrNotFound, r.Path)
		}
		return fmt.Errorf("failed to stat %s: %w", r.Path, err)
	}
	if TypeOf(info.Mode()) != r.Type {
		return fmt.Errorf("%w: %s changed type", common.ErrStale, r.Path)
	}
	if !info.ModTime().Equal(r.Info.ModTime()) || info.Size() != r.Info.Size() || info.Mode() != r.Info.Mode() {
		r.Info = info
		r.hashed = false
		r.attrbitsSet = false
	}
	return nil
}

// ReadContent returns the bytes of a file, or the target of a symlink.
func ReadContent(fs billy.Filesystem, relPath string, typ common.EntryType) ([]byte, error) {
	switch typ {
	case common.TypeSymlink:
		target, err := fs.Readlink(diskName(relPath))
		if err != nil {
			return nil, err
		}
		return []byte(target), nil
	case common.TypeFile:
		f, err := fs.Open(diskName(relPath))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(f); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedType, relPath)
}

// Exists reports whether relPath exists (without following symlinks).
func Exists(fs billy.Filesystem, relPath string) (bool, error) {
	_, err := fs.Lstat(diskName(relPath))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func diskName(relPath string) string {
	if relPath == "" {
		return "."
	}
	return relPath
}
