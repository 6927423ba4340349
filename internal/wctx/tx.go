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

// Package wctx is a working-copy transaction: the liveview, the journal
// of queued mutations and the apply step that performs them.
//
// Queue operations only change the in-memory view and append journal
// entries. Apply performs the entries in order against the working
// directory and, when given one, a repository transaction, then writes
// the pending changes and commits the database transaction.
//
// If apply fails after it has changed the working directory, those
// changes stay on disk while the database transaction is rolled back.
// The next status scan reports the difference.
package wctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/collider"
	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/ignore"
	"wcengine/internal/journal"
	"wcengine/internal/liveview"
	"wcengine/internal/repo"
	"wcengine/internal/tscache"
	"wcengine/internal/wcdb"
)

// Env is an open working copy.
type Env struct {
	Root   string
	FS     billy.Filesystem
	DB     *wcdb.DB
	Repo   *repo.Repo
	Config *config.Config
}

// State is the position of a transaction in its life cycle.
type State int

const (
	StateIdle State = iota
	StateQueuing
	StateApplying
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueuing:
		return "queuing"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tx is one working-copy transaction.
type Tx struct {
	env     *Env
	db      *wcdb.Tx
	view    *liveview.View
	journal *journal.Journal
	state   State

	attrMask common.Attrbits
	portMask collider.Flags
}

// Begin opens a transaction on env. Begin fails with ErrCannotNest while
// another transaction of the same database is open.
func Begin(ctx context.Context, env *Env, exclusive bool) (*Tx, error) {
	cfg := env.Config
	if cfg == nil {
		cfg = config.Default()
	}
	attrMask, err := cfg.AttrbitsMask()
	if err != nil {
		return nil, err
	}
	portMask, err := cfg.PortabilityMask()
	if err != nil {
		return nil, err
	}
	matcher, err := ignore.New(env.Root, config.DrawerName, cfg.GitignoreEnabled(), cfg.Ignores)
	if err != nil {
		return nil, err
	}

	dbtx, err := env.DB.Begin(ctx, exclusive)
	if err != nil {
		return nil, err
	}
	view, err := liveview.Open(ctx, dbtx, liveview.Options{
		FS:       env.FS,
		TSC:      env.DB.TSC(),
		Ignore:   matcher,
		AttrMask: attrMask,
		NoTSC:    tscache.Disabled,
	})
	if err != nil {
		if rbErr := env.DB.Rollback(ctx); rbErr != nil {
			log.Debugf("wctx: rollback after failed open: %v", rbErr)
		}
		return nil, err
	}
	return &Tx{
		env:      env,
		db:       dbtx,
		view:     view,
		journal:  journal.New(),
		state:    StateQueuing,
		attrMask: attrMask,
		portMask: portMask,
	}, nil
}

// View returns the liveview of the transaction.
func (t *Tx) View() *liveview.View { return t.view }

// DB returns the database transaction.
func (t *Tx) DB() *wcdb.Tx { return t.db }

// Journal returns the queued entries.
func (t *Tx) Journal() *journal.Journal { return t.journal }

// Env returns the working copy the transaction belongs to.
func (t *Tx) Env() *Env { return t.env }

// State returns the current state.
func (t *Tx) State() State { return t.state }

// AttrMask returns the attribute bits tracked by the working copy.
func (t *Tx) AttrMask() common.Attrbits { return t.attrMask }

func (t *Tx) checkQueuing() error {
	if t.state != StateQueuing {
		return fmt.Errorf("%w: transaction is %s", common.ErrNotInTx, t.state)
	}
	return nil
}

// Lookup resolves a GID, a repo path ("@/a/b") or a working-copy relative
// path to an item. With inactive set a deleted item may be returned.
func (t *Tx) Lookup(ctx context.Context, target string, inactive bool) (*liveview.Item, error) {
	if err := t.checkQueuing(); err != nil {
		return nil, err
	}
	if common.ValidGID(target) {
		it, err := t.view.ItemByGID(ctx, target)
		if err != nil {
			return nil, err
		}
		if it.Deleted && !inactive {
			return nil, fmt.Errorf("%w: %s is deleted", common.ErrNotFound, target)
		}
		return it, nil
	}
	p := common.NormalizePath(target)
	if common.IsRepoPath(target) {
		p = common.DiskPath(target)
	}
	return t.view.ItemByPath(ctx, p, inactive)
}

// Parents returns the changesets the working copy is based on: the
// baseline, followed by the pending merge parent if there is one.
func (t *Tx) Parents(ctx context.Context) ([]string, error) {
	csets, err := t.db.CSets(ctx)
	if err != nil {
		return nil, err
	}
	var base, other string
	for _, cs := range csets {
		switch cs.Label {
		case wcdb.LabelBaseline:
			base = cs.HIDCset
		case wcdb.LabelOther:
			other = cs.HIDCset
		}
	}
	if base == "" {
		return nil, fmt.Errorf("%w: no baseline", common.ErrNotFound)
	}
	if other == "" {
		return []string{base}, nil
	}
	return []string{base, other}, nil
}

// Status reports every item under target whose status is not clean.
func (t *Tx) Status(ctx context.Context, target string) ([]liveview.ItemStatus, error) {
	start := t.view.Root()
	if target != "" {
		it, err := t.Lookup(ctx, target, true)
		if err != nil {
			return nil, err
		}
		start = it
	}
	return t.view.StatusUnder(ctx, start)
}

// Finish writes the pending changes and issues of the view and commits
// the database transaction. It does not touch the working directory.
func (t *Tx) Finish(ctx context.Context) error {
	if t.state != StateQueuing && t.state != StateApplying {
		return fmt.Errorf("%w: transaction is %s", common.ErrNotInTx, t.state)
	}
	if err := t.writePending(ctx); err != nil {
		t.abort(ctx)
		return err
	}
	if err := t.env.DB.Commit(ctx); err != nil {
		t.state = StateIdle
		return err
	}
	t.state = StateCommitted
	log.Debugf("wctx: committed")
	return nil
}

func (t *Tx) writePending(ctx context.Context) error {
	_, pcTable := t.view.Tables()
	ups, dels := t.view.PendingChanges()
	for _, alias := range dels {
		if err := t.db.DeletePC(ctx, pcTable, alias); err != nil {
			return fmt.Errorf("failed to delete pending change: %w", err)
		}
	}
	for i := range ups {
		if err := t.db.UpsertPC(ctx, pcTable, &ups[i]); err != nil {
			return fmt.Errorf("failed to write pending change for %d: %w", ups[i].Alias, err)
		}
	}
	if err := t.db.ClearIssues(ctx); err != nil {
		return err
	}
	for _, is := range t.view.Issues() {
		if wcdb.IsTemp(is.Alias) {
			continue
		}
		if err := t.db.PutIssue(ctx, is); err != nil {
			return fmt.Errorf("failed to write issue: %w", err)
		}
	}
	return nil
}

// Apply performs the journal against the working directory and commits.
// Repository entries need ApplyJournal with a repository transaction.
func (t *Tx) Apply(ctx context.Context) error {
	if err := t.ApplyJournal(ctx, nil); err != nil {
		t.abort(ctx)
		return err
	}
	return t.Finish(ctx)
}

// Cancel discards the journal and rolls back the database transaction.
func (t *Tx) Cancel(ctx context.Context) error {
	if t.state == StateIdle || t.state == StateCommitted {
		return common.ErrNotInTx
	}
	t.journal.Reset()
	t.state = StateIdle
	return t.env.DB.Rollback(ctx)
}

func (t *Tx) abort(ctx context.Context) {
	t.state = StateIdle
	if err := t.env.DB.Rollback(ctx); err != nil && !errors.Is(err, common.ErrNotInTx) {
		log.Warnf("wctx: rollback: %v", err)
	}
}
