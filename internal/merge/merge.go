// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package merge moves a working copy between changesets.
//
// Update, Merge and RevertAll share one three-way model. Each item has an
// ancestor version, an other version and a working version; a field the
// other side changed relative to the ancestor is taken from it, anything
// else keeps what the working copy has. Uncommitted changes ride along:
// an edit the other side did not touch stays an edit, and an edited item
// the other side deleted is kept as update-created.
//
//   - Update: the ancestor is the baseline and the other side becomes the
//     new baseline.
//   - Merge: the ancestor is the common ancestor of the baseline and the
//     other changeset, which is recorded as a second parent.
//   - RevertAll: the working copy is its own ancestor and the baseline is
//     the other side, so the baseline wins everywhere.
package merge

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/liveview"
	"wcengine/internal/wcdb"
	"wcengine/internal/wctx"
)

type mode int

const (
	modeUpdate mode = iota
	modeMerge
	modeRevert
)

func (m mode) String() string {
	switch m {
	case modeUpdate:
		return "update"
	case modeMerge:
		return "merge"
	case modeRevert:
		return "revert"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Issue kinds.
const (
	IssueContent   = "content"
	IssueLocation  = "location"
	IssueCollision = "collision"
)

// Issue is a conflict left for the user.
type Issue struct {
	GID      string `json:"gid"`
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Ours     string `json:"ours,omitempty"`
	Theirs   string `json:"theirs,omitempty"`
	Ancestor string `json:"ancestor,omitempty"`
}

// Entry is one item in a report.
type Entry struct {
	GID    string
	Path   string
	Type   common.EntryType
	Status liveview.Status
}

// Report describes what an update, merge or revert did.
type Report struct {
	From, To string
	// Status is the status of the working copy afterwards, against its
	// new baseline.
	Status []liveview.ItemStatus
	// Changes lists what happened to each item relative to the working
	// copy before the operation.
	Changes []Entry
	Issues  []Issue
}

// Update moves the working copy to target, carrying uncommitted changes
// along. An empty target is the single head of the attached branch.
func Update(ctx context.Context, env *wctx.Env, target string) (*Report, error) {
	return run(ctx, env, modeUpdate, target)
}

// Merge folds other into the working copy and records it as a pending
// second parent for the next commit.
func Merge(ctx context.Context, env *wctx.Env, other string) (*Report, error) {
	if other == "" {
		return nil, fmt.Errorf("%w: no changeset to merge", common.ErrInvalidArg)
	}
	return run(ctx, env, modeMerge, other)
}

// RevertAll discards every uncommitted change and any pending merge.
// Uncontrolled files are left alone; added items become uncontrolled.
func RevertAll(ctx context.Context, env *wctx.Env) (*Report, error) {
	return run(ctx, env, modeRevert, "")
}

func run(ctx context.Context, env *wctx.Env, m mode, target string) (*Report, error) {
	tx, err := wctx.Begin(ctx, env, true)
	if err != nil {
		return nil, err
	}
	rep, err := execute(ctx, env, tx, m, target)
	if err == nil {
		if err = tx.Apply(ctx); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", m, err)
		}
		log.Infof("merge: %s %s -> %s: %d changes, %d issues", m, rep.From, rep.To, len(rep.Changes), len(rep.Issues))
		return rep, nil
	}
	if tx.State() == wctx.StateQueuing || tx.State() == wctx.StateApplying {
		if cerr := tx.Cancel(ctx); cerr != nil {
			log.Debugf("merge: cancel: %v", cerr)
		}
	}
	return nil, err
}

func execute(ctx context.Context, env *wctx.Env, tx *wctx.Tx, m mode, target string) (*Report, error) {
	parents, err := tx.Parents(ctx)
	if err != nil {
		return nil, err
	}
	if m != modeRevert && len(parents) > 1 {
		return nil, fmt.Errorf("%w: commit or revert the merge of %s first", common.ErrPendingMerge, parents[1])
	}
	base := parents[0]
	portMask, err := env.Config.PortabilityMask()
	if err != nil {
		return nil, err
	}
	p := newPlanner(m, tx, env.Repo, portMask)
	if err := p.loadWorking(ctx); err != nil {
		return nil, err
	}

	mask := tx.AttrMask()
	rep := &Report{From: base, To: base}
	switch m {
	case modeUpdate:
		if target == "" {
			if target, err = branchHead(ctx, env, tx); err != nil {
				return nil, err
			}
		}
		if p.a, _, err = snapshotSides(ctx, env.Repo, base, mask); err != nil {
			return nil, err
		}
		if p.o, _, err = snapshotSides(ctx, env.Repo, target, mask); err != nil {
			return nil, err
		}
		rep.To = target
	case modeMerge:
		if target == base {
			return nil, fmt.Errorf("%w: %s is the baseline", common.ErrNoEffect, target)
		}
		lca, err := env.Repo.LCA(ctx, base, target)
		if err != nil {
			return nil, err
		}
		if lca == target {
			return nil, fmt.Errorf("%w: %s is already merged", common.ErrNoEffect, target)
		}
		if p.a, _, err = snapshotSides(ctx, env.Repo, lca, mask); err != nil {
			return nil, err
		}
		if p.o, _, err = snapshotSides(ctx, env.Repo, target, mask); err != nil {
			return nil, err
		}
	case modeRevert:
		p.a = p.workingAsAncestor()
		if p.o, _, err = snapshotSides(ctx, env.Repo, base, mask); err != nil {
			return nil, err
		}
	}

	if err := p.build(ctx); err != nil {
		return nil, err
	}
	ap := &applier{p: p, tx: tx, view: tx.View(), maxPark: env.Config.ParkMaxAttempts}
	if err := ap.run(ctx); err != nil {
		return nil, err
	}
	if m == modeRevert {
		if err := clearAnnotations(ctx, tx.View()); err != nil {
			return nil, err
		}
	}
	if rep.Issues, err = ap.annotate(); err != nil {
		return nil, err
	}
	if rep.Changes, err = p.changes(ctx, tx.View()); err != nil {
		return nil, err
	}

	switch m {
	case modeUpdate:
		cs, err := env.Repo.LoadChangeset(ctx, target)
		if err != nil {
			return nil, err
		}
		if err := tx.SetBaseline(ctx, env.Repo, target, cs.Root); err != nil {
			return nil, err
		}
		for _, e := range p.final {
			if e.updateCreated && e.item.Added() {
				e.item.AddSpecial |= wcdb.PCAddSpecialU
			}
		}
	case modeMerge:
		cs, err := env.Repo.LoadChangeset(ctx, target)
		if err != nil {
			return nil, err
		}
		if err := tx.SetOther(ctx, env.Repo, target, cs.Root); err != nil {
			return nil, err
		}
		for _, e := range p.final {
			switch {
			case e.updateCreated && e.item.Added():
				e.item.AddSpecial |= wcdb.PCAddSpecialU
			case e.item.Added() && (e.w == nil || e.undelete):
				e.item.AddSpecial |= wcdb.PCAddSpecialM
			}
		}
	case modeRevert:
		if err := tx.DropOther(ctx); err != nil {
			return nil, err
		}
	}

	if rep.Status, err = tx.Status(ctx, ""); err != nil {
		return nil, err
	}
	return rep, nil
}

func branchHead(ctx context.Context, env *wctx.Env, tx *wctx.Tx) (string, error) {
	branch, err := tx.DB().GetMeta(ctx, wcdb.MetaBranch)
	if err != nil {
		return "", err
	}
	if branch == "" {
		return "", fmt.Errorf("%w: working copy is not attached to a branch", common.ErrInvalidArg)
	}
	heads, err := env.Repo.BranchHeads(ctx, branch)
	if err != nil {
		return "", err
	}
	if len(heads) != 1 {
		return "", fmt.Errorf("%w: branch %s has %d heads", common.ErrInvalidArg, branch, len(heads))
	}
	return heads[0], nil
}

func clearAnnotations(ctx context.Context, view *liveview.View) error {
	for _, is := range view.Issues() {
		it, err := view.ItemByAlias(ctx, is.Alias)
		if err != nil {
			return err
		}
		view.SetIssue(it, nil)
	}
	for _, it := range view.Items() {
		it.HIDMerge = ""
		it.AddSpecial = 0
	}
	return nil
}

// changes compares every item with the working copy the plan started
// from.
func (p *planner) changes(ctx context.Context, view *liveview.View) ([]Entry, error) {
	var out []Entry
	for _, e := range p.final {
		s := liveview.StatusMatched
		wi := e.w
		switch {
		case wi == nil || !wi.active:
			s = liveview.StatusAdded
		default:
			if wi.Parent != e.final.Parent {
				s |= liveview.StatusMoved
			}
			if wi.Name != e.final.Name {
				s |= liveview.StatusRenamed
			}
			if wi.Type != common.TypeDir {
				if wi.HID != e.final.HID {
					s |= liveview.StatusContentChanged
				}
				if wi.Attrbits != e.final.Attrbits {
					s |= liveview.StatusAttrChanged
				}
			}
		}
		if e.issue != nil {
			s |= liveview.StatusConflicted
		}
		s = liveview.WithMultiple(s)
		if e.updateCreated {
			s |= liveview.StatusUpdateCreated
		}
		if p.mode == modeMerge && !e.updateCreated && (e.create() || e.undelete) {
			s |= liveview.StatusMergeCreated
		}
		if e.autoMerged {
			h, err := view.CurrentHID(ctx, e.item)
			if err != nil {
				return nil, err
			}
			if h == e.final.HID {
				s |= liveview.StatusAutoMerged
			} else {
				s |= liveview.StatusAutoMergedEdited
			}
		}
		if s != liveview.StatusMatched {
			out = append(out, Entry{GID: e.gid, Path: view.Path(e.item), Type: e.final.Type, Status: s})
		}
	}
	for gid, wi := range p.removals {
		out = append(out, Entry{GID: gid, Path: wi.path, Type: wi.Type, Status: liveview.StatusDeleted})
	}
	for gid, wi := range p.unadds {
		out = append(out, Entry{GID: gid, Path: wi.path, Type: wi.Type, Status: liveview.StatusFound})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].GID < out[j].GID
	})
	return out, nil
}
