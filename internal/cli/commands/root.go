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

// Package commands is the wcengine command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wcengine/internal/common"
	"wcengine/internal/util"
	"wcengine/internal/workdir"
)

var (
	version   = "dev"
	gitCommit = "none"
	date      = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	gitCommit = c
	date = d
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, gitCommit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// globals are the persistent flags.
type globals struct {
	dir       string
	logLevel  string
	retryBusy uint
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "wcengine",
		Short: "Working-copy engine for a GID-based version control repository",
		Long: `wcengine manages a working copy: a directory checked out from a repository
of changesets, whose items are tracked by GID across renames and moves.

Structural changes (add, remove, move, rename, undelete) are recorded as
pending changes and committed together into a new changeset.`,
		Version:       getVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("log-level") {
				util.ConfigureLogging(g.logLevel)
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("wcengine version {{.Version}}\n")
	root.PersistentFlags().StringVarP(&g.dir, "dir", "C", ".", "Run as if started in this directory")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (none, error, warn, info, debug, trace); overrides the config")
	root.PersistentFlags().UintVar(&g.retryBusy, "retry-busy", 0, "Retry this many times while the working copy is busy")

	root.AddCommand(
		newInitCmd(g),
		newInfoCmd(g),
		newStatusCmd(g),
		newAddCmd(g),
		newRemoveCmd(g),
		newMoveCmd(g),
		newRenameCmd(g),
		newUndeleteCmd(g),
		newCommitCmd(g),
		newUpdateCmd(g),
		newMergeCmd(g),
		newRevertCmd(g),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// open finds and opens the working copy containing the --dir directory.
// The config's log level applies unless --log-level was given. Opening is
// retried on contention when --retry-busy is set.
func (g *globals) open(cmd *cobra.Command) (*workdir.WorkingCopy, error) {
	root, err := workdir.Find(g.dir)
	if err != nil {
		return nil, err
	}
	ctx := contextOf(cmd)
	openFn := func() (*workdir.WorkingCopy, error) { return workdir.Open(ctx, root) }
	var wc *workdir.WorkingCopy
	if g.retryBusy == 0 {
		wc, err = openFn()
	} else {
		wc, err = util.RetryWithResult(ctx, openFn, util.BusyRetryOptions(ctx, g.retryBusy+1)...)
	}
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") {
		util.ConfigureLogging(wc.Config().Level())
	}
	return wc, nil
}

// withWorkingCopy opens the working copy, runs fn and closes it. fn is
// retried on contention when --retry-busy is set.
func (g *globals) withWorkingCopy(cmd *cobra.Command, fn func(ctx context.Context, wc *workdir.WorkingCopy) error) error {
	wc, err := g.open(cmd)
	if err != nil {
		return err
	}
	defer wc.Close(context.Background())
	ctx := contextOf(cmd)
	run := func() error { return fn(ctx, wc) }
	if g.retryBusy == 0 {
		return run()
	}
	return util.Retry(ctx, run, util.BusyRetryOptions(ctx, g.retryBusy+1)...)
}

// target turns a command-line argument into a lookup target. GIDs and
// repository paths pass through; anything else is a filesystem path
// relative to --dir.
func (g *globals) target(wc *workdir.WorkingCopy, arg string) (string, error) {
	if common.ValidGID(arg) || common.IsRepoPath(arg) {
		return arg, nil
	}
	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.dir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	root := wc.Root()
	if real, err := filepath.EvalSymlinks(root); err == nil {
		if realAbs, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
			root, abs = real, filepath.Join(realAbs, filepath.Base(abs))
		}
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s is outside the working copy", common.ErrInvalidPath, arg)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func (g *globals) targets(wc *workdir.WorkingCopy, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		t, err := g.target(wc, a)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
