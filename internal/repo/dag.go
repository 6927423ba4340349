package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"wcengine/internal/common"
)

func generationWith(ctx context.Context, idb bun.IDB, csetHID string) (int64, error) {
	var d DagnodeModel
	err := idb.NewSelect().Model(&d).Where("hid = ?", csetHID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: changeset %s", common.ErrNotFound, csetHID)
	}
	if err != nil {
		return 0, err
	}
	return d.Generation, nil
}

// Generation returns the DAG generation of a changeset.
func (r *Repo) Generation(ctx context.Context, csetHID string) (int64, error) {
	return generationWith(ctx, r.bun, csetHID)
}

// Parents returns the parents of a changeset, sorted.
func (r *Repo) Parents(ctx context.Context, csetHID string) ([]string, error) {
	var parents []string
	err := r.bun.NewRaw(`SELECT parent FROM dag_parents WHERE child = ? ORDER BY parent`, csetHID).Scan(ctx, &parents)
	if err != nil {
		return nil, fmt.Errorf("failed to load parents: %w", err)
	}
	return parents, nil
}

// ancestors returns every ancestor of csetHID including itself.
func (r *Repo) ancestors(ctx context.Context, csetHID string) (map[string]bool, error) {
	seen := map[string]bool{csetHID: true}
	queue := []string{csetHID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := r.Parents(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen, nil
}

// LCA returns the common ancestor of a and b with the highest generation.
func (r *Repo) LCA(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	left, err := r.ancestors(ctx, a)
	if err != nil {
		return "", err
	}
	right, err := r.ancestors(ctx, b)
	if err != nil {
		return "", err
	}
	best, bestGen := "", int64(-1)
	for h := range left {
		if !right[h] {
			continue
		}
		gen, err := r.Generation(ctx, h)
		if err != nil {
			return "", err
		}
		if gen > bestGen || (gen == bestGen && h < best) {
			best, bestGen = h, gen
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no common ancestor of %s and %s", common.ErrNotFound, a, b)
	}
	return best, nil
}

// BranchHeads returns the heads of a branch, sorted.
func (r *Repo) BranchHeads(ctx context.Context, name string) ([]string, error) {
	var heads []string
	err := r.bun.NewRaw(`SELECT hid FROM branches WHERE name = ? ORDER BY hid`, name).Scan(ctx, &heads)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch %s: %w", name, err)
	}
	return heads, nil
}

// Branches returns all branch names, sorted.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	var names []string
	err := r.bun.NewRaw(`SELECT DISTINCT name FROM branches ORDER BY name`).Scan(ctx, &names)
	return names, err
}

// MoveBranchHead replaces the heads in from with to. Heads in from that
// are not present are ignored; an empty from adds a new head.
func (r *Repo) MoveBranchHead(ctx context.Context, name string, from []string, to string) error {
	if name == "" || to == "" {
		return fmt.Errorf("%w: branch name and target required", common.ErrInvalidArg)
	}
	return r.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(from) > 0 {
			if _, err := tx.NewDelete().Model((*BranchModel)(nil)).
				Where("name = ?", name).
				Where("hid IN (?)", bun.In(from)).
				Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewInsert().Model(&BranchModel{Name: name, HID: to}).
			On("CONFLICT (name, hid) DO NOTHING").
			Exec(ctx)
		return err
	})
}

// CreateInitial stores an empty root directory and the first changeset,
// and points branch at it. It returns the changeset HID and root GID.
func (r *Repo) CreateInitial(ctx context.Context, branch, who string) (string, string, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	rootHID, err := tx.StoreTreenode(ctx, NewTreenode())
	if err != nil {
		return "", "", err
	}
	rootGID := common.NewGID()
	superHID, err := tx.StoreTreenode(ctx, NewSuperRoot(rootGID, rootHID))
	if err != nil {
		return "", "", err
	}
	csetHID, err := tx.CommitChangeset(ctx, nil, superHID, who, time.Now())
	if err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	if branch != "" {
		if err := r.MoveBranchHead(ctx, branch, nil, csetHID); err != nil {
			return "", "", err
		}
	}
	return csetHID, rootGID, nil
}

// Audits returns the audit records of a changeset, oldest first.
func (r *Repo) Audits(ctx context.Context, csetHID string) ([]AuditModel, error) {
	var audits []AuditModel
	err := r.bun.NewSelect().Model(&audits).Where("cset_hid = ?", csetHID).Order("at_ns ASC").Scan(ctx)
	return audits, err
}

// Leaves returns changesets without children, sorted by generation then HID.
func (r *Repo) Leaves(ctx context.Context) ([]string, error) {
	var nodes []DagnodeModel
	err := r.bun.NewRaw(`SELECT hid, generation, created_at_ns FROM dagnodes
		WHERE hid NOT IN (SELECT parent FROM dag_parents)`).Scan(ctx, &nodes)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Generation != nodes[j].Generation {
			return nodes[i].Generation < nodes[j].Generation
		}
		return nodes[i].HID < nodes[j].HID
	})
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.HID
	}
	return out, nil
}
