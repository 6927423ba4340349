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

// Package workdir opens and creates working copies: a directory with a
// drawer holding the working-copy database, the timestamp cache, the
// config and, by default, the repository.
package workdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"wcengine/internal/common"
	"wcengine/internal/config"
	"wcengine/internal/repo"
	"wcengine/internal/wcdb"
	"wcengine/internal/wctx"
)

// WorkingCopy is an open working copy.
type WorkingCopy struct {
	env *wctx.Env
}

// Find returns the root of the working copy containing dir.
func Find(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	for {
		if info, err := os.Stat(filepath.Join(abs, config.DrawerName, config.DatabaseFileName)); err == nil && !info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%w: no working copy at or above %s", common.ErrNotFound, dir)
		}
		abs = parent
	}
}

// Open opens the working copy rooted at root.
func Open(ctx context.Context, root string) (*WorkingCopy, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	drawer := filepath.Join(root, config.DrawerName)
	if _, err := os.Stat(filepath.Join(drawer, config.DatabaseFileName)); err != nil {
		return nil, fmt.Errorf("%w: %s is not a working copy", common.ErrNotFound, root)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	db, err := wcdb.Open(drawer, cfg.EffectiveBusyTimeout())
	if err != nil {
		return nil, err
	}
	repoPath, err := readMeta(ctx, db, wcdb.MetaRepoPath)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	if repoPath == "" {
		repoPath = filepath.Join(drawer, config.RepoFileName)
	}
	r, err := repo.Open(repoPath)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	return &WorkingCopy{env: &wctx.Env{
		Root:   root,
		FS:     osfs.New(root),
		DB:     db,
		Repo:   r,
		Config: cfg,
	}}, nil
}

func readMeta(ctx context.Context, db *wcdb.DB, key string) (string, error) {
	tx, err := db.Begin(ctx, false)
	if err != nil {
		return "", err
	}
	v, err := tx.GetMeta(ctx, key)
	if rbErr := db.Rollback(ctx); rbErr != nil && err == nil {
		err = rbErr
	}
	return v, err
}

// InitOptions control Init.
type InitOptions struct {
	// Repo is the repository database. Empty means one inside the drawer.
	Repo string
	// Branch is attached to the working copy. Defaults to master.
	Branch string
	// Cset checks out a specific changeset instead of the branch head.
	Cset string
	// User is registered in the repository and creates the initial
	// changeset when the branch is empty.
	User string
}

// Init creates a working copy at root, attaches it to a branch and checks
// out the branch head, or a new empty changeset when the branch has none.
func Init(ctx context.Context, root string, opts InitOptions) (*WorkingCopy, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	drawer := filepath.Join(root, config.DrawerName)
	if _, err := os.Stat(filepath.Join(drawer, config.DatabaseFileName)); err == nil {
		return nil, fmt.Errorf("%w: %s is already a working copy", common.ErrExists, root)
	}
	if _, err := config.WriteDefault(root); err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if opts.Branch == "" {
		opts.Branch = repo.DefaultBranch
	}
	if opts.User == "" {
		opts.User = cfg.User
	}

	repoPath := opts.Repo
	if repoPath == "" {
		repoPath = filepath.Join(drawer, config.RepoFileName)
	} else if repoPath, err = filepath.Abs(repoPath); err != nil {
		return nil, err
	}
	r, err := repo.Open(repoPath)
	if err != nil {
		return nil, err
	}
	if opts.User != "" {
		if _, err := r.EnsureUser(ctx, opts.User); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to register user: %w", err)
		}
	}
	cset, superHID, err := resolveCheckout(ctx, r, opts)
	if err != nil {
		r.Close()
		return nil, err
	}

	db, err := wcdb.Open(drawer, cfg.EffectiveBusyTimeout())
	if err != nil {
		r.Close()
		return nil, err
	}
	wc := &WorkingCopy{env: &wctx.Env{Root: root, FS: osfs.New(root), DB: db, Repo: r, Config: cfg}}
	if err := wctx.Bootstrap(ctx, wc.env, r, cset, superHID); err != nil {
		wc.Close(ctx)
		return nil, fmt.Errorf("failed to record baseline: %w", err)
	}

	tx, err := wctx.Begin(ctx, wc.env, true)
	if err != nil {
		wc.Close(ctx)
		return nil, err
	}
	if err := tx.DB().SetMeta(ctx, wcdb.MetaBranch, opts.Branch); err != nil {
		tx.Cancel(ctx)
		wc.Close(ctx)
		return nil, err
	}
	if opts.Repo != "" {
		if err := tx.DB().SetMeta(ctx, wcdb.MetaRepoPath, repoPath); err != nil {
			tx.Cancel(ctx)
			wc.Close(ctx)
			return nil, err
		}
	}
	n, err := tx.RestoreLost(ctx)
	if err != nil {
		tx.Cancel(ctx)
		wc.Close(ctx)
		return nil, err
	}
	if err := tx.Apply(ctx); err != nil {
		wc.Close(ctx)
		return nil, fmt.Errorf("failed to check out %s: %w", cset, err)
	}
	log.Infof("workdir: checked out %s (%d items) into %s", cset, n, root)
	return wc, nil
}

func resolveCheckout(ctx context.Context, r *repo.Repo, opts InitOptions) (string, string, error) {
	cset := opts.Cset
	if cset == "" {
		heads, err := r.BranchHeads(ctx, opts.Branch)
		if err != nil {
			return "", "", err
		}
		switch len(heads) {
		case 0:
			created, _, err := r.CreateInitial(ctx, opts.Branch, opts.User)
			if err != nil {
				return "", "", fmt.Errorf("failed to create initial changeset: %w", err)
			}
			cset = created
		case 1:
			cset = heads[0]
		default:
			return "", "", fmt.Errorf("%w: branch %s has %d heads", common.ErrInvalidArg, opts.Branch, len(heads))
		}
	}
	cs, err := r.LoadChangeset(ctx, cset)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return "", "", fmt.Errorf("%w: changeset %s", common.ErrNotFound, cset)
		}
		return "", "", err
	}
	return cset, cs.Root, nil
}

// Env returns the working-copy environment.
func (w *WorkingCopy) Env() *wctx.Env { return w.env }

// Root returns the working-copy root directory.
func (w *WorkingCopy) Root() string { return w.env.Root }

// Repo returns the repository the working copy is attached to.
func (w *WorkingCopy) Repo() *repo.Repo { return w.env.Repo }

// Config returns the working-copy configuration.
func (w *WorkingCopy) Config() *config.Config { return w.env.Config }

// Begin starts a working-copy transaction.
func (w *WorkingCopy) Begin(ctx context.Context, exclusive bool) (*wctx.Tx, error) {
	return wctx.Begin(ctx, w.env, exclusive)
}

// Branch returns the branch the working copy is attached to, or "" when
// it is detached.
func (w *WorkingCopy) Branch(ctx context.Context) (string, error) {
	return readMeta(ctx, w.env.DB, wcdb.MetaBranch)
}

// Close closes the database and the repository.
func (w *WorkingCopy) Close(ctx context.Context) error {
	err := w.env.DB.Close(ctx)
	if rerr := w.env.Repo.Close(); err == nil {
		err = rerr
	}
	return err
}
