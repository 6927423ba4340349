package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
)

// CommitEvent is broadcast to listeners after a commit completes.
type CommitEvent struct {
	CsetHID string
	Branch  string
	Who     string
}

// --- Users ---

// CreateUser adds an active user.
func (r *Repo) CreateUser(ctx context.Context, name string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty user name", common.ErrInvalidArg)
	}
	if _, err := r.UserByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: user %s", common.ErrExists, name)
	}
	u := &User{ID: uuid.NewString(), Name: name}
	if _, err := r.bun.NewInsert().Model(u).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// UserByName looks up a user.
func (r *Repo) UserByName(ctx context.Context, name string) (*User, error) {
	var u User
	err := r.bun.NewSelect().Model(&u).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", common.ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserInactive marks a user (in)active.
func (r *Repo) SetUserInactive(ctx context.Context, name string, inactive bool) error {
	res, err := r.bun.NewUpdate().Model((*User)(nil)).
		Set("inactive = ?", inactive).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", common.ErrNotFound, name)
	}
	return nil
}

// EnsureUser returns the named user, creating it when missing.
func (r *Repo) EnsureUser(ctx context.Context, name string) (*User, error) {
	u, err := r.UserByName(ctx, name)
	if errors.Is(err, common.ErrNotFound) {
		return r.CreateUser(ctx, name)
	}
	return u, err
}

// --- Comments and stamps ---

// AddComment attaches a comment to a changeset.
func (r *Repo) AddComment(ctx context.Context, csetHID, who, text string, when time.Time) error {
	_, err := r.bun.NewInsert().Model(&CommentModel{
		CsetHID: csetHID,
		Who:     who,
		AtNs:    when.UnixNano(),
		Text:    text,
	}).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

// Comments returns the comments on a changeset, oldest first.
func (r *Repo) Comments(ctx context.Context, csetHID string) ([]CommentModel, error) {
	var comments []CommentModel
	err := r.bun.NewSelect().Model(&comments).Where("cset_hid = ?", csetHID).Order("id ASC").Scan(ctx)
	return comments, err
}

// AddStamp attaches a stamp to a changeset. Re-stamping is a no-op.
func (r *Repo) AddStamp(ctx context.Context, csetHID, name, who string, when time.Time) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty stamp", common.ErrInvalidArg)
	}
	_, err := r.bun.NewInsert().Model(&StampModel{
		CsetHID: csetHID,
		Name:    name,
		Who:     who,
		AtNs:    when.UnixNano(),
	}).On("CONFLICT (cset_hid, name) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add stamp: %w", err)
	}
	return nil
}

// Stamps returns the stamp names on a changeset, sorted.
func (r *Repo) Stamps(ctx context.Context, csetHID string) ([]string, error) {
	var names []string
	err := r.bun.NewRaw(`SELECT name FROM stamps WHERE cset_hid = ? ORDER BY name`, csetHID).Scan(ctx, &names)
	return names, err
}

// --- Work items and associations ---

// AddWorkItem registers a work item that commits may be associated with.
func (r *Repo) AddWorkItem(ctx context.Context, id, title string) error {
	_, err := r.bun.NewInsert().Model(&WorkItemModel{ID: id, Title: title}).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Exec(ctx)
	return err
}

// ValidateAssociations checks that every id names a known work item.
func (r *Repo) ValidateAssociations(ctx context.Context, ids []string) error {
	for _, id := range ids {
		n, err := r.bun.NewSelect().Model((*WorkItemModel)(nil)).Where("id = ?", id).Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: work item %s", common.ErrNotFound, id)
		}
	}
	return nil
}

// AddAssociation links a changeset to a work item.
func (r *Repo) AddAssociation(ctx context.Context, csetHID, itemID string) error {
	_, err := r.bun.NewInsert().Model(&AssociationModel{CsetHID: csetHID, ItemID: itemID}).
		On("CONFLICT (cset_hid, item_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add association: %w", err)
	}
	return nil
}

// Associations returns the work items linked to a changeset, sorted.
func (r *Repo) Associations(ctx context.Context, csetHID string) ([]string, error) {
	var ids []string
	err := r.bun.NewRaw(`SELECT item_id FROM associations WHERE cset_hid = ? ORDER BY item_id`, csetHID).Scan(ctx, &ids)
	return ids, err
}

// --- Broadcast ---

// OnAfterCommit registers fn to be called by Broadcast.
func (r *Repo) OnAfterCommit(fn func(CommitEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Broadcast notifies after-commit listeners in registration order.
func (r *Repo) Broadcast(ev CommitEvent) {
	r.mu.Lock()
	listeners := append([]func(CommitEvent){}, r.listeners...)
	r.mu.Unlock()
	log.Debugf("repo: broadcast commit %s on %q to %d listeners", ev.CsetHID, ev.Branch, len(listeners))
	for _, fn := range listeners {
		fn(ev)
	}
}
