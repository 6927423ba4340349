package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wcengine/internal/liveview"
	"wcengine/internal/workdir"
)

func newStatusCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show items that differ from the baseline",
		Long: `Show every item under the given path (default the whole working copy)
whose status is not clean. Each line carries the status flags, the GID
and the path. Ignored items are shown with --all.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				target := ""
				if len(args) > 0 {
					t, err := g.target(wc, args[0])
					if err != nil {
						return err
					}
					target = t
				}
				tx, err := wc.Begin(ctx, false)
				if err != nil {
					return err
				}
				st, err := tx.Status(ctx, target)
				if cerr := tx.Cancel(ctx); err == nil && cerr != nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st, all)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include ignored items")
	return cmd
}

func printStatus(w io.Writer, st []liveview.ItemStatus, all bool) {
	for _, s := range st {
		if s.Status.Primary() == liveview.StatusIgnored && !all {
			continue
		}
		gid := s.GID
		if gid == "" {
			gid = "-"
		}
		fmt.Fprintf(w, "%-24s %s %s\n", s.Status, gid, s.Path)
	}
}
