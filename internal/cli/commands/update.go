package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wcengine/internal/merge"
	"wcengine/internal/workdir"
)

func newUpdateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "update [changeset]",
		Short: "Move the working copy to another changeset",
		Long: `Move the working copy to another changeset, carrying uncommitted
changes along. Without an argument the single head of the attached branch
is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				rep, err := merge.Update(ctx, wc.Env(), target)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), "Updated", rep)
				return nil
			})
		},
	}
}

func newMergeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <changeset>",
		Short: "Merge another changeset into the working copy",
		Long: `Merge another changeset into the working copy. The result is left
uncommitted with the other changeset recorded as a second parent; the next
commit records both. Conflicts are reported and annotated on the items.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				rep, err := merge.Merge(ctx, wc.Env(), args[0])
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), "Merged", rep)
				return nil
			})
		},
	}
}

func newRevertCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Discard every uncommitted change",
		Long: `Put the working copy back to its baseline: pending structural changes
and edits are undone and a pending merge is dropped. Added items stay on
disk as uncontrolled files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				rep, err := merge.RevertAll(ctx, wc.Env())
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), "Reverted", rep)
				return nil
			})
		},
	}
}

func printReport(w io.Writer, verb string, rep *merge.Report) {
	fmt.Fprintf(w, "%s %s -> %s\n", verb, rep.From, rep.To)
	for _, e := range rep.Changes {
		fmt.Fprintf(w, "  %-24s %s\n", e.Status, e.Path)
	}
	for _, is := range rep.Issues {
		fmt.Fprintf(w, "  conflict (%s) %s\n", is.Kind, is.Path)
	}
}
