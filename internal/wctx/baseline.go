package wctx

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/liveview"
	"wcengine/internal/repo"
	"wcengine/internal/wcdb"
)

// loadSlot fills fresh entry and pending-change tables with the tree of a
// changeset and returns the slot row, keyed by alias.
func (t *Tx) loadSlot(ctx context.Context, store repo.Store, label, csetHID, superHID string) (*wcdb.CSetRow, map[int64]*wcdb.TNERow, string, error) {
	snap, err := repo.Snapshot(ctx, store, superHID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read tree of %s: %w", csetHID, err)
	}
	entries := make([]repo.WalkEntry, 0, len(snap))
	for _, we := range snap {
		entries = append(entries, we)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].GID < entries[j].GID
	})

	aliases := make(map[string]int64, len(entries))
	rootGID := ""
	rows := make([]wcdb.TNERow, 0, len(entries))
	for _, we := range entries {
		alias, err := t.db.AliasForGID(ctx, we.GID)
		if err != nil {
			return nil, nil, "", err
		}
		aliases[we.GID] = alias
		row := wcdb.TNERow{Alias: alias, Type: we.Type, HID: we.HID, Name: we.Name, Attrbits: we.Attrbits}
		if we.ParentGID == "" {
			rootGID = we.GID
			row.Name = common.RootName
		} else {
			row.ParentAlias = aliases[we.ParentGID]
		}
		rows = append(rows, row)
	}

	tne, pc := wcdb.NewTableNames()
	if err := t.db.CreateTNETable(ctx, tne); err != nil {
		return nil, nil, "", err
	}
	if err := t.db.CreatePCTable(ctx, pc); err != nil {
		return nil, nil, "", err
	}
	if err := t.db.InsertTNE(ctx, tne, rows...); err != nil {
		return nil, nil, "", err
	}
	byAlias := make(map[int64]*wcdb.TNERow, len(rows))
	for i := range rows {
		byAlias[rows[i].Alias] = &rows[i]
	}
	cs := &wcdb.CSetRow{Label: label, HIDCset: csetHID, TNETable: tne, PCTable: pc, HIDSuperRoot: superHID}
	return cs, byAlias, rootGID, nil
}

func (t *Tx) replaceSlot(ctx context.Context, cs *wcdb.CSetRow) error {
	old, err := t.db.GetCSet(ctx, cs.Label)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if err := t.db.PutCSet(ctx, cs); err != nil {
		return err
	}
	if old != nil {
		if err := t.db.DropTable(ctx, old.TNETable); err != nil {
			return err
		}
		if err := t.db.DropTable(ctx, old.PCTable); err != nil {
			return err
		}
	}
	return nil
}

// SetBaseline makes csetHID the baseline. Every controlled item of the
// view is kept; its pending changes are recomputed against the new
// baseline when the transaction finishes.
func (t *Tx) SetBaseline(ctx context.Context, store repo.Store, csetHID, superHID string) error {
	if t.state != StateQueuing && t.state != StateApplying {
		return fmt.Errorf("%w: transaction is %s", common.ErrNotInTx, t.state)
	}
	if err := t.view.LoadAll(ctx); err != nil {
		return err
	}
	cs, rows, rootGID, err := t.loadSlot(ctx, store, wcdb.LabelBaseline, csetHID, superHID)
	if err != nil {
		return err
	}
	if err := t.replaceSlot(ctx, cs); err != nil {
		return err
	}
	if err := t.db.SetMeta(ctx, wcdb.MetaRootGID, rootGID); err != nil {
		return err
	}
	t.view.Rebase(cs.TNETable, cs.PCTable, rows)
	log.Debugf("wctx: baseline is now %s", csetHID)
	return nil
}

// SetOther records csetHID as the pending merge parent.
func (t *Tx) SetOther(ctx context.Context, store repo.Store, csetHID, superHID string) error {
	cs, _, _, err := t.loadSlot(ctx, store, wcdb.LabelOther, csetHID, superHID)
	if err != nil {
		return err
	}
	return t.replaceSlot(ctx, cs)
}

// DropOther forgets the pending merge parent, if any.
func (t *Tx) DropOther(ctx context.Context) error {
	old, err := t.db.GetCSet(ctx, wcdb.LabelOther)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.db.DeleteCSet(ctx, wcdb.LabelOther); err != nil {
		return err
	}
	if err := t.db.DropTable(ctx, old.TNETable); err != nil {
		return err
	}
	return t.db.DropTable(ctx, old.PCTable)
}

// Baseline returns the baseline slot.
func (t *Tx) Baseline(ctx context.Context) (*wcdb.CSetRow, error) {
	return t.db.GetCSet(ctx, wcdb.LabelBaseline)
}

// Bootstrap records the first baseline of a new working copy. The working
// directory is not touched; RestoreLost brings the files out.
func Bootstrap(ctx context.Context, env *Env, store repo.Store, csetHID, superHID string) error {
	dbtx, err := env.DB.Begin(ctx, true)
	if err != nil {
		return err
	}
	t := &Tx{env: env, db: dbtx, state: StateQueuing}
	if err := t.bootstrap(ctx, store, csetHID, superHID); err != nil {
		t.abort(ctx)
		return err
	}
	return env.DB.Commit(ctx)
}

func (t *Tx) bootstrap(ctx context.Context, store repo.Store, csetHID, superHID string) error {
	if _, err := t.db.GetCSet(ctx, wcdb.LabelBaseline); err == nil {
		return fmt.Errorf("%w: working copy already has a baseline", common.ErrExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	cs, _, rootGID, err := t.loadSlot(ctx, store, wcdb.LabelBaseline, csetHID, superHID)
	if err != nil {
		return err
	}
	if err := t.replaceSlot(ctx, cs); err != nil {
		return err
	}
	return t.db.SetMeta(ctx, wcdb.MetaRootGID, rootGID)
}

// RestoreLost queues the re-creation of every lost item from its
// baseline content, parents before children.
func (t *Tx) RestoreLost(ctx context.Context) (int, error) {
	if err := t.checkQueuing(); err != nil {
		return 0, err
	}
	n := 0
	err := t.view.Walk(ctx, t.view.Root(), false, func(it *liveview.Item, _ string) error {
		if !it.Controlled || it.Deleted || it.OnDisk || it.Base == nil {
			return nil
		}
		n++
		return t.materialize(ctx, it, it.Base.HID, nil, it.Base.Attrbits)
	})
	return n, err
}
