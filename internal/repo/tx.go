package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"wcengine/internal/common"
	"wcengine/internal/hid"
)

// Tx is a repository write transaction. It also implements Store so that
// reads made while it is open see its writes.
type Tx struct {
	repo *Repo
	tx   bun.Tx
	done bool
}

// BeginTx starts a repository transaction.
func (r *Repo) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := r.bun.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin repository tx: %w", err)
	}
	return &Tx{repo: r, tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return common.ErrNotInTx
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit repository tx: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op once committed.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// FetchBlob implements Store.
func (t *Tx) FetchBlob(ctx context.Context, h string) ([]byte, error) {
	return fetchBlobWith(ctx, t.tx, h)
}

// HasBlob implements Store.
func (t *Tx) HasBlob(ctx context.Context, h string) (bool, error) {
	return hasBlobWith(ctx, t.tx, h)
}

// LoadTreenode implements Store.
func (t *Tx) LoadTreenode(ctx context.Context, h string) (*Treenode, error) {
	return loadTreenodeWith(ctx, t.tx, h)
}

// LoadChangeset loads a changeset through the transaction.
func (t *Tx) LoadChangeset(ctx context.Context, h string) (*Changeset, error) {
	return loadChangesetWith(ctx, t.tx, h)
}

// StoreBlob stores data and returns its HID.
func (t *Tx) StoreBlob(ctx context.Context, data []byte) (string, error) {
	return storeBlobWith(ctx, t.tx, data)
}

// StoreBlobFromReader streams r into a blob, returning its HID and size.
func (t *Tx) StoreBlobFromReader(ctx context.Context, r io.Reader) (string, int64, error) {
	var buf bytes.Buffer
	w := hid.NewWriter(&buf)
	if _, err := io.Copy(w, r); err != nil {
		return "", 0, fmt.Errorf("failed to read blob content: %w", err)
	}
	h, err := storeBlobWith(ctx, t.tx, buf.Bytes())
	if err != nil {
		return "", 0, err
	}
	return h, w.Size(), nil
}

// StoreBlobExpect stores data and fails with ErrContentMismatch when its
// HID differs from expect.
func (t *Tx) StoreBlobExpect(ctx context.Context, data []byte, expect string) error {
	if err := hid.Verify("blob", expect, hid.Sum(data)); err != nil {
		return err
	}
	_, err := storeBlobWith(ctx, t.tx, data)
	return err
}

// StoreTreenode serializes and stores a treenode.
func (t *Tx) StoreTreenode(ctx context.Context, tn *Treenode) (string, error) {
	data, h, err := tn.Encode()
	if err != nil {
		return "", err
	}
	if _, err := storeBlobWith(ctx, t.tx, data); err != nil {
		return "", err
	}
	return h, nil
}

// StoreChangeset serializes and stores a changeset.
func (t *Tx) StoreChangeset(ctx context.Context, cs *Changeset) (string, error) {
	data, h, err := cs.Encode()
	if err != nil {
		return "", err
	}
	if _, err := storeBlobWith(ctx, t.tx, data); err != nil {
		return "", err
	}
	return h, nil
}

// StoreDagnode records csetHID in the DAG. It returns ErrExists when the
// dagnode is already present; callers treat that as success.
func (t *Tx) StoreDagnode(ctx context.Context, csetHID string, generation int64, parents []string) error {
	n, err := t.tx.NewSelect().Model((*DagnodeModel)(nil)).Where("hid = ?", csetHID).Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dagnode: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: dagnode %s", common.ErrExists, csetHID)
	}
	if _, err := t.tx.NewInsert().Model(&DagnodeModel{
		HID:         csetHID,
		Generation:  generation,
		CreatedAtNs: time.Now().UnixNano(),
	}).Exec(ctx); err != nil {
		return fmt.Errorf("failed to store dagnode: %w", err)
	}
	for _, p := range parents {
		if _, err := t.tx.NewInsert().Model(&DagParentModel{Child: csetHID, Parent: p}).Exec(ctx); err != nil {
			return fmt.Errorf("failed to store dag edge: %w", err)
		}
	}
	log.Debugf("repo: dagnode %s gen=%d parents=%v", csetHID, generation, parents)
	return nil
}

// StoreAudit records who committed csetHID and when.
func (t *Tx) StoreAudit(ctx context.Context, csetHID, who string, when time.Time) error {
	_, err := t.tx.NewInsert().Model(&AuditModel{CsetHID: csetHID, Who: who, AtNs: when.UnixNano()}).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store audit: %w", err)
	}
	return nil
}

// CommitChangeset stores a changeset, its dagnode and audit in one step.
// An already existing dagnode is not an error.
func (t *Tx) CommitChangeset(ctx context.Context, parents []string, superRootHID, who string, when time.Time) (string, error) {
	var gen int64
	for _, p := range parents {
		pg, err := generationWith(ctx, t.tx, p)
		if err != nil {
			return "", err
		}
		if pg > gen {
			gen = pg
		}
	}
	cs := &Changeset{Generation: gen + 1, Parents: append([]string(nil), parents...), Root: superRootHID}
	csetHID, err := t.StoreChangeset(ctx, cs)
	if err != nil {
		return "", err
	}
	if err := t.StoreDagnode(ctx, csetHID, cs.Generation, cs.Parents); err != nil && !errors.Is(err, common.ErrExists) {
		return "", err
	}
	if err := t.StoreAudit(ctx, csetHID, who, when); err != nil {
		return "", err
	}
	return csetHID, nil
}
