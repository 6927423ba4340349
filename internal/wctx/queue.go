package wctx

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/collider"
	"wcengine/internal/common"
	"wcengine/internal/journal"
	"wcengine/internal/liveview"
)

// AddOptions control Add.
type AddOptions struct {
	// Recursive adds the uncontrolled contents of a directory too.
	Recursive bool
	// NoIgnores adds ignored items found while recursing.
	NoIgnores bool
}

// Add puts an uncontrolled item under version control. Uncontrolled
// parent directories are added first. Adding an item that is already
// controlled has no effect.
func (t *Tx) Add(ctx context.Context, target string, opts AddOptions) error {
	it, err := t.Lookup(ctx, target, false)
	if err != nil {
		return err
	}
	return t.add(ctx, it, opts, true)
}

func (t *Tx) add(ctx context.Context, it *liveview.Item, opts AddOptions, explicit bool) error {
	if it.Reserved {
		return fmt.Errorf("%w: %s", common.ErrReserved, t.view.Path(it))
	}
	if !it.Controlled {
		if it.Ignored && !explicit && !opts.NoIgnores {
			return nil
		}
		if !it.Type.Versionable() {
			if explicit {
				return fmt.Errorf("%w: %s is a %s", common.ErrUnsupportedType, t.view.Path(it), it.Type)
			}
			log.Debugf("wctx: skipping %s %s", it.Type, t.view.Path(it))
			return nil
		}
		parent, err := t.view.ItemByAlias(ctx, it.Parent)
		if err != nil {
			return err
		}
		if !parent.Controlled {
			if err := t.add(ctx, parent, AddOptions{}, true); err != nil {
				return err
			}
		}
		if parent.Deleted {
			return fmt.Errorf("%w: parent of %s is deleted", common.ErrNotFound, t.view.Path(it))
		}
		if err := t.checkPortability(ctx, parent, it, it.Name); err != nil {
			return err
		}
		alias, err := t.db.AliasForGID(ctx, it.GID)
		if err != nil {
			return err
		}
		if err := t.view.Promote(it, alias); err != nil {
			return err
		}
		log.Debugf("wctx: added %s", t.view.Path(it))
	} else if it.Deleted {
		return fmt.Errorf("%w: %s is deleted", common.ErrInvalidArg, t.view.Path(it))
	}

	if !opts.Recursive || !it.IsDir() {
		return nil
	}
	kids, err := t.view.Children(ctx, it, false)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := t.add(ctx, k, opts, false); err != nil {
			return err
		}
	}
	return nil
}

// checkPortability fails with a collider.PortabilityError when name is
// unportable on its own or would collide with a controlled sibling in
// parent.
func (t *Tx) checkPortability(ctx context.Context, parent, it *liveview.Item, name string) error {
	if t.portMask == 0 {
		return nil
	}
	kids, err := t.view.Children(ctx, parent, false)
	if err != nil {
		return err
	}
	c := collider.New(t.portMask)
	for _, k := range kids {
		if k == it || !k.Controlled {
			continue
		}
		if _, err := c.AddItem(k.GID, k.Name, k.Type); err != nil {
			return err
		}
	}
	dup, err := c.AddItem(it.GID, name, it.Type)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(t.view.Path(parent), name))
	}
	flags, lines, err := c.ItemResult(name)
	if err != nil {
		return err
	}
	if flags != 0 {
		return &collider.PortabilityError{Flags: flags, Log: lines}
	}
	return nil
}

// RemoveOptions control Remove.
type RemoveOptions struct {
	// Keep leaves the files on disk.
	Keep bool
	// Force removes modified files and uncontrolled contents of
	// directories.
	Force bool
}

// Remove deletes a controlled item. A directory is removed with its
// contents; the children are queued before the directory. Removing an
// added item only undoes the add.
func (t *Tx) Remove(ctx context.Context, target string, opts RemoveOptions) error {
	it, err := t.Lookup(ctx, target, false)
	if err != nil {
		return err
	}
	if !it.Controlled {
		return fmt.Errorf("%w: %s", common.ErrNotControlled, t.view.Path(it))
	}
	if it == t.view.Root() {
		return fmt.Errorf("%w: cannot remove the root", common.ErrInvalidArg)
	}
	if err := t.checkRemovable(ctx, it, opts); err != nil {
		return err
	}
	return t.remove(ctx, it, opts)
}

// checkRemovable fails before anything is queued when removing it would
// lose data the options do not allow losing.
func (t *Tx) checkRemovable(ctx context.Context, it *liveview.Item, opts RemoveOptions) error {
	if it.Added() || opts.Keep {
		return nil
	}
	p := t.view.Path(it)
	if !it.IsDir() {
		if !it.OnDisk || opts.Force {
			return nil
		}
		st, err := t.view.Status(ctx, it)
		if err != nil {
			return err
		}
		if st&(liveview.StatusContentChanged|liveview.StatusAttrChanged) != 0 {
			return fmt.Errorf("%w: %s is modified", common.ErrDirty, p)
		}
		return nil
	}
	kids, err := t.view.Children(ctx, it, false)
	if err != nil {
		return err
	}
	for _, k := range kids {
		switch {
		case k.Controlled:
			if err := t.checkRemovable(ctx, k, opts); err != nil {
				return err
			}
		case !k.Ignored && !opts.Force:
			return fmt.Errorf("%w: %s contains uncontrolled %s", common.ErrDirty, p, k.Name)
		}
	}
	return nil
}

func (t *Tx) remove(ctx context.Context, it *liveview.Item, opts RemoveOptions) error {
	p := t.view.Path(it)
	force := false
	if it.IsDir() {
		kids, err := t.view.Children(ctx, it, false)
		if err != nil {
			return err
		}
		for _, k := range kids {
			if k.Controlled {
				if err := t.remove(ctx, k, opts); err != nil {
					return err
				}
				continue
			}
			force = true
		}
	}
	if it.Added() {
		log.Debugf("wctx: un-adding %s", p)
		return t.view.Demote(it)
	}

	if err := t.view.MarkDeleted(it, true); err != nil {
		return err
	}
	if it.OnDisk && !opts.Keep {
		t.journal.Append(journal.Entry{
			Kind:  journal.KindRemove,
			Alias: it.Alias,
			GID:   it.GID,
			Type:  it.Type,
			Path:  p,
			Force: force,
		})
	}
	log.Debugf("wctx: removed %s", p)
	return nil
}

// PlaceOutcome is the result of trying to put an item at a name.
type PlaceOutcome int

const (
	Placed PlaceOutcome = iota
	// Collided means another active item holds the name.
	Collided
	// NoEffect means the item already is at that place.
	NoEffect
)

func (o PlaceOutcome) String() string {
	switch o {
	case Placed:
		return "placed"
	case Collided:
		return "collided"
	case NoEffect:
		return "no-effect"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// TryPlace moves a controlled item to name in parent. A taken name is not
// an error; it is reported as Collided.
func (t *Tx) TryPlace(ctx context.Context, it, parent *liveview.Item, name string) (PlaceOutcome, error) {
	return t.tryPlace(ctx, it, parent, name, true)
}

// PlaceIncoming is TryPlace for names that come from a changeset. Only an
// exact name collision stops it; portability is not checked.
func (t *Tx) PlaceIncoming(ctx context.Context, it, parent *liveview.Item, name string) (PlaceOutcome, error) {
	return t.tryPlace(ctx, it, parent, name, false)
}

func (t *Tx) tryPlace(ctx context.Context, it, parent *liveview.Item, name string, portable bool) (PlaceOutcome, error) {
	if err := t.checkQueuing(); err != nil {
		return Placed, err
	}
	if err := it.Check(); err != nil {
		return Placed, err
	}
	if !it.Controlled {
		return Placed, fmt.Errorf("%w: %s", common.ErrNotControlled, t.view.Path(it))
	}
	if it.Deleted {
		return Placed, fmt.Errorf("%w: %s is deleted", common.ErrNotFound, t.view.Path(it))
	}
	if it == t.view.Root() {
		return Placed, fmt.Errorf("%w: cannot move the root", common.ErrInvalidArg)
	}
	if err := t.checkTarget(parent, name); err != nil {
		return Placed, err
	}
	if parent.Alias == it.Parent && name == it.Name {
		return NoEffect, nil
	}
	for cur := parent; cur != nil; {
		if cur == it {
			return Placed, fmt.Errorf("%w: cannot move %s into itself", common.ErrInvalidArg, t.view.Path(it))
		}
		if cur.Parent == 0 {
			break
		}
		next, err := t.view.ItemByAlias(ctx, cur.Parent)
		if err != nil {
			return Placed, err
		}
		cur = next
	}
	if other, err := t.view.Child(ctx, parent, name, false); err == nil && other != it {
		return Collided, nil
	} else if err != nil && !errors.Is(err, common.ErrNotFound) {
		return Placed, err
	}
	if portable {
		if err := t.checkPortability(ctx, parent, it, name); err != nil {
			return Placed, err
		}
	}

	from := t.view.Path(it)
	if err := t.view.Relocate(ctx, it, parent, name); err != nil {
		return Placed, err
	}
	if it.OnDisk {
		t.journal.Append(journal.Entry{
			Kind:  journal.KindMove,
			Alias: it.Alias,
			GID:   it.GID,
			Type:  it.Type,
			From:  from,
			Path:  t.view.Path(it),
		})
	}
	log.Debugf("wctx: moved %s -> %s", from, t.view.Path(it))
	return Placed, nil
}

func (t *Tx) checkTarget(parent *liveview.Item, name string) error {
	if err := parent.Check(); err != nil {
		return err
	}
	if !parent.IsDir() {
		return fmt.Errorf("%w: %s", common.ErrNotDir, t.view.Path(parent))
	}
	if !parent.Controlled || parent.Deleted {
		return fmt.Errorf("%w: %s", common.ErrNotControlled, t.view.Path(parent))
	}
	if name == "" || name == "." || name == ".." || common.BaseName(name) != name {
		return fmt.Errorf("%w: bad entryname %q", common.ErrInvalidPath, name)
	}
	return nil
}

func (t *Tx) place(ctx context.Context, it, parent *liveview.Item, name string) error {
	out, err := t.TryPlace(ctx, it, parent, name)
	if err != nil {
		return err
	}
	switch out {
	case Collided:
		return fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(t.view.Path(parent), name))
	case NoEffect:
		return fmt.Errorf("%w: %s is already there", common.ErrNoEffect, t.view.Path(it))
	}
	return nil
}

// Move moves a controlled item into the directory destDir, keeping its
// name.
func (t *Tx) Move(ctx context.Context, target, destDir string) error {
	it, err := t.Lookup(ctx, target, false)
	if err != nil {
		return err
	}
	parent, err := t.Lookup(ctx, destDir, false)
	if err != nil {
		return err
	}
	return t.place(ctx, it, parent, it.Name)
}

// Rename gives a controlled item a new entryname in the same directory.
func (t *Tx) Rename(ctx context.Context, target, newName string) error {
	it, err := t.Lookup(ctx, target, false)
	if err != nil {
		return err
	}
	if it == t.view.Root() {
		return fmt.Errorf("%w: cannot rename the root", common.ErrInvalidArg)
	}
	parent, err := t.view.ItemByAlias(ctx, it.Parent)
	if err != nil {
		return err
	}
	return t.place(ctx, it, parent, newName)
}

// UndeleteDest optionally overrides where an undeleted item goes.
type UndeleteDest struct {
	Parent string // directory; empty keeps the original parent
	Name   string // empty keeps the original name
}

// UndoDelete restores a deleted item. A removal queued in this
// transaction is dropped from the journal when the item goes back to
// where it was; otherwise the content is restored from the repository.
// A directory comes back empty: its children stay deleted. The returned
// item replaces the one looked up; references to the old one are stale.
func (t *Tx) UndoDelete(ctx context.Context, target string, dest *UndeleteDest) (*liveview.Item, error) {
	it, err := t.Lookup(ctx, target, true)
	if err != nil {
		return nil, err
	}
	if !it.Deleted {
		return nil, fmt.Errorf("%w: %s is not deleted", common.ErrNoEffect, t.view.Path(it))
	}
	parent, err := t.view.ItemByAlias(ctx, it.Parent)
	if err != nil {
		return nil, err
	}
	name := it.Name
	if dest != nil && dest.Parent != "" {
		if parent, err = t.Lookup(ctx, dest.Parent, false); err != nil {
			return nil, err
		}
	}
	if dest != nil && dest.Name != "" {
		name = dest.Name
	}
	if err := t.checkTarget(parent, name); err != nil {
		return nil, err
	}
	if other, err := t.view.Child(ctx, parent, name, false); err == nil && other != it {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(t.view.Path(parent), name))
	} else if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if err := t.checkPortability(ctx, parent, it, name); err != nil {
		return nil, err
	}

	inPlace := parent.Alias == it.Parent && name == it.Name
	queued, hasQueued := t.journal.Find(it.Alias, journal.KindRemove)
	if inPlace && hasQueued && !queued.Force {
		t.journal.Drop(queued.Seq)
		if err := t.view.MarkDeleted(it, false); err != nil {
			return nil, err
		}
		log.Debugf("wctx: undelete of %s cancels the queued removal", queued.Path)
		return t.view.SynthesizeReplacement(ctx, it)
	}

	if it.Base == nil {
		return nil, fmt.Errorf("%w: %s has no baseline content", common.ErrNotFound, t.view.Path(it))
	}
	from := t.view.Path(it)
	if err := t.view.MarkDeleted(it, false); err != nil {
		return nil, err
	}
	if !inPlace {
		if err := t.view.Relocate(ctx, it, parent, name); err != nil {
			return nil, err
		}
	}
	if hasQueued || !it.OnDisk {
		if err := t.materialize(ctx, it, it.Base.HID, nil, it.Base.Attrbits); err != nil {
			return nil, err
		}
	} else if !inPlace {
		// Removed with --keep: the file is still where it was.
		t.journal.Append(journal.Entry{
			Kind: journal.KindMove, Alias: it.Alias, GID: it.GID, Type: it.Type,
			From: from, Path: t.view.Path(it),
		})
	}
	return t.view.SynthesizeReplacement(ctx, it)
}

// materialize queues the creation of an item's content on disk at its
// current path.
func (t *Tx) materialize(ctx context.Context, it *liveview.Item, h string, data []byte, bits common.Attrbits) error {
	p := t.view.Path(it)
	bits &= t.attrMask
	switch it.Type {
	case common.TypeDir:
		t.journal.Append(journal.Entry{Kind: journal.KindMkdir, Alias: it.Alias, GID: it.GID, Type: it.Type, Path: p})
		it.Created = true
	case common.TypeFile:
		t.journal.Append(journal.Entry{
			Kind: journal.KindWriteFile, Alias: it.Alias, GID: it.GID, Type: it.Type,
			Path: p, HID: h, Data: data, Attrbits: bits,
		})
		it.PendingHID = h
		it.PendingAttrbits = &bits
	case common.TypeSymlink:
		t.journal.Append(journal.Entry{
			Kind: journal.KindSymlink, Alias: it.Alias, GID: it.GID, Type: it.Type,
			Path: p, HID: h, Data: data,
		})
		it.PendingHID = h
	default:
		return fmt.Errorf("%w: %s", common.ErrUnsupportedType, p)
	}
	it.OnDisk = true
	return nil
}

// SetAttrbits changes the attribute bits of a controlled file.
func (t *Tx) SetAttrbits(ctx context.Context, target string, bits common.Attrbits) error {
	it, err := t.Lookup(ctx, target, false)
	if err != nil {
		return err
	}
	return t.SetItemAttrbits(ctx, it, bits)
}

// SetItemAttrbits is SetAttrbits for an item already looked up.
func (t *Tx) SetItemAttrbits(ctx context.Context, it *liveview.Item, bits common.Attrbits) error {
	if err := it.Check(); err != nil {
		return err
	}
	if !it.Controlled {
		return fmt.Errorf("%w: %s", common.ErrNotControlled, t.view.Path(it))
	}
	if it.Type != common.TypeFile {
		return fmt.Errorf("%w: attribute bits apply to files only", common.ErrInvalidArg)
	}
	if !it.OnDisk {
		return fmt.Errorf("%w: %s is not on disk", common.ErrNotFound, t.view.Path(it))
	}
	bits &= t.attrMask
	if t.view.CurrentAttrbits(it) == bits {
		return nil
	}
	t.journal.Append(journal.Entry{
		Kind: journal.KindChmod, Alias: it.Alias, GID: it.GID, Type: it.Type,
		Path: t.view.Path(it), Attrbits: bits,
	})
	it.PendingAttrbits = &bits
	return nil
}

// NewItem describes an item to create from repository content.
type NewItem struct {
	GID      string
	Name     string
	Type     common.EntryType
	HID      string
	Attrbits common.Attrbits
	// Data is written instead of fetching HID from the repository.
	Data []byte
}

// Create queues the creation of a controlled item under parent. The name
// must be free; a taken name is reported as Collided and nothing is
// queued.
func (t *Tx) Create(ctx context.Context, parent *liveview.Item, ni NewItem) (*liveview.Item, PlaceOutcome, error) {
	if err := t.checkQueuing(); err != nil {
		return nil, Placed, err
	}
	if err := t.checkTarget(parent, ni.Name); err != nil {
		return nil, Placed, err
	}
	if _, err := t.view.Child(ctx, parent, ni.Name, false); err == nil {
		return nil, Collided, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, Placed, err
	}
	alias, err := t.db.AliasForGID(ctx, ni.GID)
	if err != nil {
		return nil, Placed, err
	}
	it, err := t.view.CreateItem(ctx, parent, ni.GID, alias, ni.Name, ni.Type)
	if err != nil {
		return nil, Placed, err
	}
	if err := t.materialize(ctx, it, ni.HID, ni.Data, ni.Attrbits); err != nil {
		return nil, Placed, err
	}
	log.Debugf("wctx: created %s", t.view.Path(it))
	return it, Placed, nil
}

// WriteContent queues new content for an existing controlled file or
// symlink. data may be nil when h is in the repository.
func (t *Tx) WriteContent(ctx context.Context, it *liveview.Item, h string, data []byte, bits common.Attrbits) error {
	if err := t.checkQueuing(); err != nil {
		return err
	}
	if err := it.Check(); err != nil {
		return err
	}
	if it.IsDir() {
		return fmt.Errorf("%w: %s", common.ErrIsDir, t.view.Path(it))
	}
	return t.materialize(ctx, it, h, data, bits)
}

// QueueStoreBlob queues storing the current content of a file or symlink
// in the repository and returns its HID.
func (t *Tx) QueueStoreBlob(ctx context.Context, it *liveview.Item) (string, error) {
	h, err := t.view.CurrentHID(ctx, it)
	if err != nil {
		return "", err
	}
	t.journal.Append(journal.Entry{
		Kind: journal.KindStoreBlob, Alias: it.Alias, GID: it.GID, Type: it.Type,
		Path: t.view.Path(it), HID: h,
	})
	return h, nil
}

// QueueCommitDir queues storing a serialized directory. children are the
// GIDs whose content must be stored before it.
func (t *Tx) QueueCommitDir(gid string, data []byte, h string, children []string, repoIdx int) {
	t.journal.Append(journal.Entry{
		Kind: journal.KindCommitDir, GID: gid, HID: h, Data: data,
		Children: append([]string(nil), children...), Repo: repoIdx,
	})
}
