// Package commit turns the pending changes of a working copy into a new
// changeset.
//
// A commit marks the items it covers, replays their changes onto a
// pending tree over the baseline, queues every blob and directory the
// tree produces into the journal, validates, and then applies the journal
// inside one repository transaction. Branch heads, comments, stamps,
// associations and the after-commit broadcast follow the repository
// commit; their failures are reported but cannot undo it.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/liveview"
	"wcengine/internal/pendingtree"
	"wcengine/internal/repo"
	"wcengine/internal/wcdb"
	"wcengine/internal/wctx"
)

// Options describe one commit.
type Options struct {
	// Paths limits the commit to these items and their contents. Empty
	// commits everything.
	Paths []string
	// Message is the commit comment. When empty, MessageFn is asked for
	// one after every other check has passed.
	Message   string
	MessageFn func() (string, error)
	// User defaults to the configured user.
	User string
	// Branch must match the branch the working copy is attached to.
	Branch       string
	Stamps       []string
	Associations []string
	// When defaults to now.
	When time.Time
}

// Result describes a new changeset.
type Result struct {
	CsetHID  string
	SuperHID string
	Parents  []string
	Branch   string
}

// PostCommitError reports a failure after the changeset was committed.
type PostCommitError struct {
	CsetHID string
	Err     error
}

func (e *PostCommitError) Error() string {
	return fmt.Sprintf("changeset %s was committed, but: %v", e.CsetHID, e.Err)
}

func (e *PostCommitError) Unwrap() error { return e.Err }

// Commit commits the working copy of env. On success, and on a
// PostCommitError, the result names the new changeset.
func Commit(ctx context.Context, env *wctx.Env, opts Options) (*Result, error) {
	tx, err := wctx.Begin(ctx, env, true)
	if err != nil {
		return nil, err
	}
	c := &committer{env: env, tx: tx, opts: opts}
	res, err := c.run(ctx)
	if res == nil {
		if tx.State() == wctx.StateQueuing || tx.State() == wctx.StateApplying {
			c.cancel(ctx)
		}
		return nil, err
	}
	// The changeset exists from here on; nothing below can undo it.
	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to record new baseline: %w", err))
	}
	errs = append(errs, c.postCommit(ctx, res)...)
	if len(errs) > 0 {
		return res, &PostCommitError{CsetHID: res.CsetHID, Err: errors.Join(errs...)}
	}
	return res, nil
}

type committer struct {
	env  *wctx.Env
	tx   *wctx.Tx
	opts Options

	view    *liveview.View
	marked  map[int64]bool // committed with its changes
	bubbled map[int64]bool // ancestors of marked items
	pt      *pendingtree.Tree

	user    string
	message string
}

func (c *committer) run(ctx context.Context) (*Result, error) {
	c.view = c.tx.View()
	parents, err := c.tx.Parents(ctx)
	if err != nil {
		return nil, err
	}
	if len(c.opts.Paths) > 0 && len(parents) > 1 {
		return nil, fmt.Errorf("%w: %d parents", common.ErrPartialCommitAfterMerge, len(parents))
	}
	branch, err := c.tx.DB().GetMeta(ctx, wcdb.MetaBranch)
	if err != nil {
		return nil, err
	}
	if c.opts.Branch != "" && c.opts.Branch != branch {
		return nil, fmt.Errorf("%w: working copy is attached to %q, not %q", common.ErrBranchMismatch, branch, c.opts.Branch)
	}
	base, err := c.tx.Baseline(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.mark(ctx); err != nil {
		return nil, err
	}
	if err := c.buildTree(ctx, base.HIDSuperRoot); err != nil {
		return nil, err
	}
	supers, err := c.pt.Commit(ctx, pendingtree.All, journalSink{tx: c.tx})
	if err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}
	superHID := supers[0]
	if c.tx.Journal().Len() == 0 && len(parents) == 1 {
		return nil, common.ErrNothingToCommit
	}

	if err := c.validate(ctx); err != nil {
		return nil, err
	}

	if c.opts.When.IsZero() {
		c.opts.When = time.Now()
	}
	rtx, err := c.env.Repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()
	if err := c.tx.ApplyJournal(ctx, rtx); err != nil {
		return nil, err
	}
	cset, err := rtx.CommitChangeset(ctx, parents, superHID, c.user, c.opts.When)
	if err != nil {
		return nil, err
	}
	if err := rtx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repository transaction: %w", err)
	}
	log.Infof("commit: %s (parents %v)", cset, parents)

	res := &Result{CsetHID: cset, SuperHID: superHID, Parents: parents, Branch: branch}
	return res, c.finish(ctx, res)
}

// mark resolves the commit paths. A marked directory brings its whole
// subtree; every ancestor of a marked item is bubbled so that it is part
// of the tree without committing its other children.
func (c *committer) mark(ctx context.Context) error {
	if err := c.view.LoadAll(ctx); err != nil {
		return err
	}
	c.marked = make(map[int64]bool)
	c.bubbled = make(map[int64]bool)
	if len(c.opts.Paths) == 0 {
		for _, it := range c.view.Items() {
			if it.Controlled && !it.Stale() {
				c.marked[it.Alias] = true
			}
		}
		return nil
	}
	for _, p := range c.opts.Paths {
		it, err := c.tx.Lookup(ctx, p, true)
		if err != nil {
			return err
		}
		if it.Reserved {
			return fmt.Errorf("%w: %s", common.ErrReserved, p)
		}
		if !it.Controlled {
			return fmt.Errorf("%w: %s", common.ErrNotControlled, p)
		}
		err = c.view.Walk(ctx, it, true, func(k *liveview.Item, _ string) error {
			if k.Controlled {
				c.marked[k.Alias] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		for cur := it; cur.Parent != 0; {
			parent, err := c.view.ItemByAlias(ctx, cur.Parent)
			if err != nil {
				return err
			}
			c.bubbled[parent.Alias] = true
			cur = parent
		}
	}
	log.Debugf("commit: %d items marked, %d bubbled", len(c.marked), len(c.bubbled))
	return nil
}

// included reports whether an item takes part in the commit at all.
func (c *committer) included(it *liveview.Item) bool {
	return c.marked[it.Alias] || c.bubbled[it.Alias]
}

// buildTree replays the changes of included items onto a pending tree
// over the baseline and queues the blobs they need.
func (c *committer) buildTree(ctx context.Context, superHID string) error {
	c.pt = pendingtree.New(pendingtree.SingleRepo{Store: c.env.Repo})
	root := c.view.Root()
	if err := c.pt.LoadRoot(ctx, root.GID, []string{superHID}); err != nil {
		return err
	}
	if err := loadAll(ctx, c.pt, c.pt.Root()); err != nil {
		return err
	}

	items := c.view.Items()
	sort.Slice(items, func(i, j int) bool {
		di, dj := depth(c.view.Path(items[i])), depth(c.view.Path(items[j]))
		if di != dj {
			return di < dj
		}
		return items[i].Alias < items[j].Alias
	})

	// Detach everything that moves first so that swapped names do not
	// collide while re-attaching.
	type move struct {
		d  *pendingtree.Detached
		it *liveview.Item
	}
	var moves []move
	for _, it := range items {
		if !it.Controlled || it.Stale() || it.Deleted || it.Base == nil || !c.marked[it.Alias] || it == root {
			continue
		}
		if it.Parent == it.Base.ParentAlias && it.Name == it.Base.Name {
			continue
		}
		id, ok := c.pt.ByGID(it.GID)
		if !ok {
			return fmt.Errorf("%w: %s is not in the baseline tree", common.ErrNotFound, it.GID)
		}
		d, err := c.pt.Move(ctx, id, pendingtree.MoveOpts{NewName: it.Name})
		if err != nil {
			return err
		}
		moves = append(moves, move{d: d, it: it})
	}

	for _, it := range items {
		if !it.Controlled || it.Stale() || it.Deleted || it.Base != nil || !c.included(it) {
			continue
		}
		parent, err := c.node(ctx, it.Parent)
		if err != nil {
			return err
		}
		if _, err := c.pt.AddNode(ctx, parent, it.GID, it.Name, it.Type); err != nil {
			return fmt.Errorf("failed to add %s: %w", c.view.Path(it), err)
		}
	}

	for _, m := range moves {
		parent, err := c.node(ctx, m.it.Parent)
		if err != nil {
			return err
		}
		if err := c.pt.Attach(ctx, m.d, parent); err != nil {
			return fmt.Errorf("failed to move %s: %w", c.view.Path(m.it), err)
		}
	}

	for _, it := range items {
		if !it.Controlled || it.Stale() || !c.marked[it.Alias] || it == root {
			continue
		}
		id, ok := c.pt.ByGID(it.GID)
		if !ok {
			continue
		}
		if it.Deleted {
			if err := c.pt.Delete(ctx, id); err != nil {
				return err
			}
			continue
		}
		if it.IsDir() {
			continue
		}
		if err := c.queueContent(ctx, it, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *committer) queueContent(ctx context.Context, it *liveview.Item, id pendingtree.NodeID) error {
	h, err := c.view.CurrentHID(ctx, it)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.view.Path(it), err)
	}
	if err := c.pt.SetContent(id, h); err != nil {
		return err
	}
	if c.pt.Node(id).CurrentHID(0) != "" {
		if _, err := c.tx.QueueStoreBlob(ctx, it); err != nil {
			return err
		}
	}
	bits := c.view.CurrentAttrbits(it)
	if it.Base == nil || bits != it.Base.Attrbits&c.tx.AttrMask() {
		return c.pt.SetAttrbits(id, bits)
	}
	return nil
}

func (c *committer) node(ctx context.Context, alias int64) (pendingtree.NodeID, error) {
	it, err := c.view.ItemByAlias(ctx, alias)
	if err != nil {
		return pendingtree.NoNode, err
	}
	id, ok := c.pt.ByGID(it.GID)
	if !ok {
		return pendingtree.NoNode, fmt.Errorf("%w: %s is not part of the commit", common.ErrNotFound, c.view.Path(it))
	}
	return id, nil
}

func loadAll(ctx context.Context, pt *pendingtree.Tree, id pendingtree.NodeID) error {
	kids, err := pt.Children(ctx, id, true)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if pt.Node(k).Type == common.TypeDir {
			if err := loadAll(ctx, pt, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// validate checks the user, the associations and, last of all, the
// message.
func (c *committer) validate(ctx context.Context) error {
	c.user = c.opts.User
	if c.user == "" && c.env.Config != nil {
		c.user = c.env.Config.User
	}
	if c.user == "" {
		return fmt.Errorf("%w: no user configured", common.ErrInvalidArg)
	}
	u, err := c.env.Repo.UserByName(ctx, c.user)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return fmt.Errorf("unknown user: %w", err)
	case err != nil:
		return err
	case u.Inactive:
		return fmt.Errorf("%w: %s", common.ErrInactiveUser, c.user)
	}
	if err := c.env.Repo.ValidateAssociations(ctx, c.opts.Associations); err != nil {
		return err
	}

	msg := c.opts.Message
	if strings.TrimSpace(msg) == "" && c.opts.MessageFn != nil {
		if msg, err = c.opts.MessageFn(); err != nil {
			return err
		}
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return common.ErrEmptyComment
	}
	max := 0
	if c.env.Config != nil {
		max = c.env.Config.MaxCommentLength
	}
	if max > 0 && len(msg) > max {
		return fmt.Errorf("%w: %d bytes, at most %d", common.ErrCommentTooLong, len(msg), max)
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("%w: comment is not valid UTF-8", common.ErrInvalidArg)
	}
	c.message = msg
	return nil
}

// finish moves the baseline to the new changeset and commits the
// working-copy database.
func (c *committer) finish(ctx context.Context, res *Result) error {
	if err := c.tx.SetBaseline(ctx, c.env.Repo, res.CsetHID, res.SuperHID); err != nil {
		c.cancel(ctx)
		return err
	}
	for _, it := range c.view.Items() {
		it.HIDMerge = ""
		it.AddSpecial = 0
		c.view.SetIssue(it, nil)
	}
	if err := c.tx.DropOther(ctx); err != nil {
		c.cancel(ctx)
		return err
	}
	return c.tx.Finish(ctx)
}

// cancel abandons the working-copy transaction, logging any failure.
func (c *committer) cancel(ctx context.Context) {
	if err := c.tx.Cancel(ctx); err != nil {
		log.Warnf("commit: failed to cancel working-copy transaction: %v", err)
	}
}

func (c *committer) postCommit(ctx context.Context, res *Result) []error {
	r := c.env.Repo
	var errs []error
	if res.Branch != "" {
		if err := r.MoveBranchHead(ctx, res.Branch, res.Parents, res.CsetHID); err != nil {
			errs = append(errs, fmt.Errorf("failed to move branch %s: %w", res.Branch, err))
		}
	}
	if err := r.AddComment(ctx, res.CsetHID, c.user, c.message, c.opts.When); err != nil {
		errs = append(errs, err)
	}
	for _, s := range c.opts.Stamps {
		if err := r.AddStamp(ctx, res.CsetHID, s, c.user, c.opts.When); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range c.opts.Associations {
		if err := r.AddAssociation(ctx, res.CsetHID, id); err != nil {
			errs = append(errs, err)
		}
	}
	r.Broadcast(repo.CommitEvent{CsetHID: res.CsetHID, Branch: res.Branch, Who: c.user})
	return errs
}

// journalSink queues serialized directories behind the blobs of their
// children.
type journalSink struct {
	tx *wctx.Tx
}

func (s journalSink) StoreTreenode(_ context.Context, idx int, gid string, data []byte, h string, dirtyChildren []string) error {
	s.tx.QueueCommitDir(gid, data, h, dirtyChildren, idx)
	return nil
}
