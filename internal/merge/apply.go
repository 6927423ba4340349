package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/liveview"
	"wcengine/internal/wcdb"
	"wcengine/internal/wctx"
)

// ParkName is the temporary root-level name of an item that cannot take
// its final place yet.
func ParkName(gid string, attempt int) string {
	return fmt.Sprintf(".park.%s.%02d", common.GIDPrefix(gid), attempt)
}

// applier queues the plan into the transaction. Items are moved parents
// first; anything whose target name is still taken is parked at the root
// and moved into place once removals have freed the name.
type applier struct {
	p       *planner
	tx      *wctx.Tx
	view    *liveview.View
	maxPark int
	parked  []*entry
}

func (ap *applier) run(ctx context.Context) error {
	if _, err := ap.tx.RestoreLost(ctx); err != nil {
		return fmt.Errorf("failed to restore lost items: %w", err)
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"unadd", ap.unadd},
		{"remove files", ap.removeFiles},
		{"undelete", ap.undelete},
		{"create directories", ap.createDirs},
		{"move", ap.move},
		{"remove directories", ap.removeDirs},
		{"unpark", ap.unpark},
		{"create files", ap.createFiles},
		{"write content", ap.writeContent},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("failed to %s: %w", s.name, err)
		}
	}
	return nil
}

// item returns the current item for gid.
func (ap *applier) item(ctx context.Context, gid string) (*liveview.Item, error) {
	if e, ok := ap.p.final[gid]; ok && e.item != nil {
		return e.item, nil
	}
	return ap.view.ItemByGID(ctx, gid)
}

// park tries successive parking names until try places the item.
func (ap *applier) park(gid string, try func(name string) (bool, error)) (string, error) {
	for i := 0; i < ap.maxPark; i++ {
		name := ParkName(gid, i)
		ok, err := try(name)
		if err != nil {
			return "", err
		}
		if ok {
			log.Debugf("merge: parked %s as %s", gid, name)
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts", common.ErrParkExhausted, gid, ap.maxPark)
}

// parkNameTaken reports whether err means the parking name is unusable
// and the next one should be tried.
func parkNameTaken(err error) bool {
	return errors.Is(err, common.ErrExists) ||
		errors.Is(err, common.ErrNoEffect) ||
		errors.Is(err, common.ErrPortability)
}

func (ap *applier) parkItem(ctx context.Context, e *entry) error {
	root := ap.view.Root()
	_, err := ap.park(e.gid, func(name string) (bool, error) {
		out, err := ap.tx.PlaceIncoming(ctx, e.item, root, name)
		return out == wctx.Placed, err
	})
	if err != nil {
		return err
	}
	e.parked = true
	ap.parked = append(ap.parked, e)
	return nil
}

// hasAncestorIn reports whether a parent of wi is also in set.
func (ap *applier) hasAncestorIn(wi *witem, set map[string]*witem) bool {
	for g := wi.Parent; g != ""; {
		if _, ok := set[g]; ok {
			return true
		}
		pw, ok := ap.p.w[g]
		if !ok {
			return false
		}
		g = pw.Parent
	}
	return false
}

func (ap *applier) unadd(ctx context.Context) error {
	for _, gid := range sortedKeys(ap.p.unadds) {
		wi := ap.p.unadds[gid]
		if ap.hasAncestorIn(wi, ap.p.unadds) {
			continue
		}
		if err := ap.tx.Remove(ctx, gid, wctx.RemoveOptions{Keep: true}); err != nil {
			return err
		}
	}
	return nil
}

func (ap *applier) removeFiles(ctx context.Context) error {
	for _, gid := range sortedKeys(ap.p.removals) {
		if ap.p.removals[gid].Type == common.TypeDir {
			continue
		}
		if err := ap.tx.Remove(ctx, gid, wctx.RemoveOptions{Force: true}); err != nil {
			return err
		}
	}
	return nil
}

func (ap *applier) undelete(ctx context.Context) error {
	var todo []*entry
	for _, e := range ap.p.final {
		if e.undelete {
			todo = append(todo, e)
		}
	}
	sort.Slice(todo, func(i, j int) bool {
		di, dj := strings.Count(todo[i].w.path, "/"), strings.Count(todo[j].w.path, "/")
		if di != dj {
			return di < dj
		}
		return todo[i].w.path < todo[j].w.path
	})
	for _, e := range todo {
		parent, err := ap.view.ItemByAlias(ctx, e.w.it.Parent)
		if err != nil {
			return err
		}
		if parent.Active() {
			it, err := ap.tx.UndoDelete(ctx, e.gid, nil)
			if err == nil {
				e.item = it
				continue
			}
			if !errors.Is(err, common.ErrExists) && !errors.Is(err, common.ErrPortability) {
				return err
			}
		}
		_, err = ap.park(e.gid, func(name string) (bool, error) {
			it, err := ap.tx.UndoDelete(ctx, e.gid, &wctx.UndeleteDest{Parent: ap.p.rootGID, Name: name})
			if parkNameTaken(err) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			e.item = it
			return true, nil
		})
		if err != nil {
			return err
		}
		e.parked = true
		ap.parked = append(ap.parked, e)
	}
	return nil
}

func (ap *applier) createDirs(ctx context.Context) error {
	for _, e := range ap.p.entries(func(e *entry) bool { return e.create() && e.final.Type == common.TypeDir }) {
		parent, err := ap.item(ctx, e.final.Parent)
		if err != nil {
			return err
		}
		ni := wctx.NewItem{GID: e.gid, Name: e.final.Name, Type: common.TypeDir}
		it, out, err := ap.tx.Create(ctx, parent, ni)
		if err != nil {
			return err
		}
		if out == wctx.Collided {
			_, err = ap.park(e.gid, func(name string) (bool, error) {
				ni.Name = name
				it, out, err = ap.tx.Create(ctx, ap.view.Root(), ni)
				return out == wctx.Placed, err
			})
			if err != nil {
				return err
			}
			e.parked = true
			ap.parked = append(ap.parked, e)
		}
		e.item = it
	}
	return nil
}

func (ap *applier) atFinal(ctx context.Context, e *entry) (bool, error) {
	if e.item.Name != e.final.Name {
		return false, nil
	}
	parent, err := ap.view.ItemByAlias(ctx, e.item.Parent)
	if err != nil {
		return false, err
	}
	return parent.GID == e.final.Parent, nil
}

func (ap *applier) move(ctx context.Context) error {
	for _, e := range ap.p.entries(func(e *entry) bool { return !e.create() && e.final.Parent != "" }) {
		if e.parked {
			continue
		}
		ok, err := ap.atFinal(ctx, e)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		parent, err := ap.item(ctx, e.final.Parent)
		if err != nil {
			return err
		}
		out, err := ap.tx.PlaceIncoming(ctx, e.item, parent, e.final.Name)
		if errors.Is(err, common.ErrInvalidArg) {
			// Its new parent is still inside it.
			out, err = wctx.Collided, nil
		}
		if err != nil {
			return err
		}
		if out == wctx.Collided {
			if err := ap.parkItem(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ap *applier) removeDirs(ctx context.Context) error {
	for _, gid := range sortedKeys(ap.p.removals) {
		wi := ap.p.removals[gid]
		if wi.Type != common.TypeDir || ap.hasAncestorIn(wi, ap.p.removals) {
			continue
		}
		if err := ap.tx.Remove(ctx, gid, wctx.RemoveOptions{Force: true}); err != nil {
			return err
		}
	}
	return nil
}

func (ap *applier) unpark(ctx context.Context) error {
	sort.SliceStable(ap.parked, func(i, j int) bool {
		return ap.p.depth(ap.parked[i].gid) < ap.p.depth(ap.parked[j].gid)
	})
	for _, e := range ap.parked {
		parent, err := ap.item(ctx, e.final.Parent)
		if err != nil {
			return err
		}
		out, err := ap.tx.PlaceIncoming(ctx, e.item, parent, e.final.Name)
		if err != nil {
			return err
		}
		if out == wctx.Collided {
			return fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(ap.view.Path(parent), e.final.Name))
		}
		e.parked = false
	}
	ap.parked = nil
	return nil
}

func (ap *applier) createFiles(ctx context.Context) error {
	for _, e := range ap.p.entries(func(e *entry) bool { return e.create() && e.final.Type != common.TypeDir }) {
		parent, err := ap.item(ctx, e.final.Parent)
		if err != nil {
			return err
		}
		it, out, err := ap.tx.Create(ctx, parent, wctx.NewItem{
			GID: e.gid, Name: e.final.Name, Type: e.final.Type,
			HID: e.final.HID, Attrbits: e.final.Attrbits,
		})
		if err != nil {
			return err
		}
		if out == wctx.Collided {
			return fmt.Errorf("%w: %s", common.ErrExists, common.JoinPath(ap.view.Path(parent), e.final.Name))
		}
		e.item = it
	}
	return nil
}

func (ap *applier) writeContent(ctx context.Context) error {
	for _, e := range ap.p.entries(func(e *entry) bool {
		return !e.create() && e.final.Type != common.TypeDir && e.final.HID != ""
	}) {
		it := e.item
		if it.Type != e.final.Type {
			continue
		}
		cur := ""
		if it.OnDisk {
			h, err := ap.view.CurrentHID(ctx, it)
			if err != nil {
				return err
			}
			cur = h
		}
		switch {
		case cur != e.final.HID:
			if err := ap.tx.WriteContent(ctx, it, e.final.HID, e.merged, e.final.Attrbits); err != nil {
				return err
			}
		case it.Type == common.TypeFile && ap.view.CurrentAttrbits(it) != e.final.Attrbits:
			if err := ap.tx.SetItemAttrbits(ctx, it, e.final.Attrbits); err != nil {
				return err
			}
		}
	}
	return nil
}

// annotate records issues and automatic merges on the items.
func (ap *applier) annotate() ([]Issue, error) {
	var issues []Issue
	for _, gid := range sortedKeys(ap.p.final) {
		e := ap.p.final[gid]
		if e.autoMerged {
			e.item.HIDMerge = e.final.HID
		}
		if e.issue == nil {
			continue
		}
		is := *e.issue
		is.GID = gid
		is.Path = ap.view.Path(e.item)
		detail, err := json.Marshal(is)
		if err != nil {
			return nil, err
		}
		ap.view.SetIssue(e.item, &wcdb.Issue{Alias: e.item.Alias, Kind: is.Kind, Detail: string(detail)})
		issues = append(issues, is)
	}
	return issues, nil
}
