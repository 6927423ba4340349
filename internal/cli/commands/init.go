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
	"path/filepath"

	"github.com/spf13/cobra"

	"wcengine/internal/config"
	"wcengine/internal/workdir"
)

func newInitCmd(g *globals) *cobra.Command {
	var opts workdir.InitOptions
	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Create a working copy",
		Long: `Create a working copy in the specified directory (or the --dir directory).

Creates a ` + config.DrawerName + ` drawer holding the working-copy database and a default
config.yaml, attaches the working copy to a branch and checks out its head.
A branch with no head gets a new, empty changeset.

By default the repository lives inside the drawer; --repo shares one
repository between working copies.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := g.dir
			if len(args) > 0 {
				dir = args[0]
				if !filepath.IsAbs(dir) {
					dir = filepath.Join(g.dir, dir)
				}
			}
			ctx := contextOf(cmd)
			wc, err := workdir.Init(ctx, dir, opts)
			if err != nil {
				return err
			}
			defer wc.Close(context.Background())
			branch, err := wc.Branch(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized working copy in %s\n", wc.Root())
			fmt.Fprintf(cmd.OutOrStdout(), "  branch: %s\n", branch)
			fmt.Fprintf(cmd.OutOrStdout(), "  repository: %s\n", wc.Repo().Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "Repository database to use instead of one inside the drawer")
	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "Branch to attach to (default master)")
	cmd.Flags().StringVar(&opts.Cset, "cset", "", "Check out this changeset instead of the branch head")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "User recorded on a new initial changeset")
	return cmd
}
