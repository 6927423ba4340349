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
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wcengine/internal/commit"
	"wcengine/internal/workdir"
)

func newCommitCmd(g *globals) *cobra.Command {
	var opts commit.Options
	cmd := &cobra.Command{
		Use:   "commit [path]...",
		Short: "Record pending changes as a new changeset",
		Long: `Record the pending changes as a new changeset on the working copy's
branch. With paths, only those items and their contents are committed.

Without --message the comment is read from standard input, after every
other check has passed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				paths, err := g.targets(wc, args)
				if err != nil {
					return err
				}
				o := opts
				o.Paths = paths
				o.MessageFn = func() (string, error) {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return "", fmt.Errorf("failed to read message: %w", err)
					}
					return string(data), nil
				}
				res, err := commit.Commit(ctx, wc.Env(), o)
				var post *commit.PostCommitError
				if errors.As(err, &post) {
					fmt.Fprintf(cmd.OutOrStdout(), "Committed %s\n", post.CsetHID)
					return err
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Committed %s on %s\n", res.CsetHID, res.Branch)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "Commit comment")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "User to record (default from config)")
	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "Branch the working copy must be attached to")
	cmd.Flags().StringArrayVar(&opts.Stamps, "stamp", nil, "Stamp to put on the changeset (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Associations, "assoc", nil, "Work item to associate (repeatable)")
	return cmd
}
