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

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"wcengine/internal/workdir"
)

func newInfoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the working copy's repository, branch and parents",
		Long: `Show where the working copy is, which repository and branch it is
attached to, and the changesets it is based on. A second parent means a
merge is pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				branch, err := wc.Branch(ctx)
				if err != nil {
					return err
				}
				tx, err := wc.Begin(ctx, false)
				if err != nil {
					return err
				}
				parents, err := tx.Parents(ctx)
				if cerr := tx.Cancel(ctx); err == nil && cerr != nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Root: %s\n", wc.Root())
				fmt.Fprintf(out, "Repository: %s\n", wc.Repo().Path())
				if branch == "" {
					fmt.Fprintln(out, "Branch: (detached)")
				} else {
					heads, err := wc.Repo().BranchHeads(ctx, branch)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Branch: %s (%d heads)\n", branch, len(heads))
				}
				fmt.Fprintf(out, "Baseline: %s\n", parents[0])
				if len(parents) > 1 {
					fmt.Fprintf(out, "Pending merge: %s\n", parents[1])
				}
				return nil
			})
		},
	}
}
