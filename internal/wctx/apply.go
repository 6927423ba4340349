package wctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/hid"
	"wcengine/internal/journal"
	"wcengine/internal/readdir"
	"wcengine/internal/repo"
)

// RepoWriter is the repository side of apply.
type RepoWriter interface {
	repo.Store
	StoreBlob(ctx context.Context, data []byte) (string, error)
	StoreBlobExpect(ctx context.Context, data []byte, expect string) error
}

// ApplyJournal performs the queued entries in order. Entries that store
// into the repository need rtx; file content not carried by an entry is
// read from rtx, or from the working copy's repository when rtx is nil.
//
// Written content is re-hashed and compared with the HID recorded at
// queue time. A difference fails with ErrContentMismatch. A directory
// entry whose children were not stored earlier fails with
// ErrJournalOrder. Nothing already done to the working directory is
// undone on failure.
func (t *Tx) ApplyJournal(ctx context.Context, rtx RepoWriter) error {
	if err := t.checkQueuing(); err != nil {
		return err
	}
	t.state = StateApplying
	stored := make(map[int]map[string]bool)
	entries := t.journal.Entries()
	log.Debugf("wctx: applying %d journal entries", len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.applyEntry(ctx, rtx, e, stored); err != nil {
			return fmt.Errorf("failed to apply %s: %w", e, err)
		}
	}
	t.journal.Reset()
	return nil
}

func (t *Tx) applyEntry(ctx context.Context, rtx RepoWriter, e journal.Entry, stored map[int]map[string]bool) error {
	fs := t.env.FS
	log.Tracef("wctx: apply %s", e)
	switch e.Kind {
	case journal.KindMkdir:
		return fs.MkdirAll(e.Path, 0o755)

	case journal.KindWriteFile:
		data, err := t.entryData(ctx, rtx, e)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(fs, e.Path, data, fileMode(e.Attrbits), t.chmod); err != nil {
			return err
		}
		return t.verify(ctx, e)

	case journal.KindSymlink:
		data, err := t.entryData(ctx, rtx, e)
		if err != nil {
			return err
		}
		if err := removeIfExists(fs, e.Path); err != nil {
			return err
		}
		if err := fs.Symlink(string(data), e.Path); err != nil {
			return err
		}
		return t.verify(ctx, e)

	case journal.KindMove:
		return fs.Rename(e.From, e.Path)

	case journal.KindRemove:
		var err error
		if e.Force {
			err = util.RemoveAll(fs, e.Path)
		} else {
			err = fs.Remove(e.Path)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil

	case journal.KindChmod:
		return t.chmod(e.Path, fileMode(e.Attrbits))

	case journal.KindStoreBlob:
		if rtx == nil {
			return fmt.Errorf("%w: no repository transaction", common.ErrInvalidArg)
		}
		data, err := readdir.ReadContent(fs, e.Path, e.Type)
		if err != nil {
			return err
		}
		if err := rtx.StoreBlobExpect(ctx, data, e.HID); err != nil {
			return err
		}
		markStored(stored, e.Repo, e.GID)
		return nil

	case journal.KindCommitDir:
		if rtx == nil {
			return fmt.Errorf("%w: no repository transaction", common.ErrInvalidArg)
		}
		for _, c := range e.Children {
			if !stored[e.Repo][c] {
				return fmt.Errorf("%w: child %s not stored yet", common.ErrJournalOrder, c)
			}
		}
		got, err := rtx.StoreBlob(ctx, e.Data)
		if err != nil {
			return err
		}
		if err := hid.Verify(e.GID, e.HID, got); err != nil {
			return err
		}
		markStored(stored, e.Repo, e.GID)
		return nil
	}
	return fmt.Errorf("%w: journal entry kind %s", common.ErrInvalidArg, e.Kind)
}

func markStored(stored map[int]map[string]bool, idx int, gid string) {
	if stored[idx] == nil {
		stored[idx] = make(map[string]bool)
	}
	stored[idx][gid] = true
}

func (t *Tx) entryData(ctx context.Context, rtx RepoWriter, e journal.Entry) ([]byte, error) {
	if e.Data != nil {
		return e.Data, nil
	}
	if rtx != nil {
		return rtx.FetchBlob(ctx, e.HID)
	}
	if t.env.Repo == nil {
		return nil, fmt.Errorf("%w: no repository to read %s from", common.ErrInvalidArg, e.HID)
	}
	return t.env.Repo.FetchBlob(ctx, e.HID)
}

// verify re-hashes what was written and warms the timestamp cache.
func (t *Tx) verify(ctx context.Context, e journal.Entry) error {
	row, err := readdir.Stat(t.env.FS, e.Path)
	if err != nil {
		return err
	}
	got, _, err := row.ContentHID(ctx, t.env.FS, t.env.DB.TSC(), e.GID, true)
	if err != nil {
		return err
	}
	return hid.Verify(e.Path, e.HID, got)
}

// chmod goes through the filesystem when it supports mode changes and
// falls back to the working directory on the host otherwise.
func (t *Tx) chmod(name string, mode os.FileMode) error {
	if ch, ok := t.env.FS.(billy.Change); ok {
		return ch.Chmod(name, mode)
	}
	if t.env.Root == "" {
		return fmt.Errorf("%w: filesystem cannot change modes", common.ErrNotImplemented)
	}
	return os.Chmod(filepath.Join(t.env.Root, filepath.FromSlash(name)), mode)
}

func fileMode(bits common.Attrbits) os.FileMode {
	if bits&common.AttrExec != 0 {
		return 0o755
	}
	return 0o644
}

// writeFileAtomic writes through a temporary file in the same directory
// and renames it into place.
func writeFileAtomic(fs billy.Filesystem, name string, data []byte, mode os.FileMode, chmod func(string, os.FileMode) error) error {
	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := fs.TempFile(dir, ".wc-tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = chmod(tmp, mode)
	}
	if err == nil {
		err = removeIfExists(fs, name)
	}
	if err == nil {
		err = fs.Rename(tmp, name)
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

func removeIfExists(fs billy.Filesystem, name string) error {
	info, err := fs.Lstat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", common.ErrIsDir, name)
	}
	return fs.Remove(name)
}
