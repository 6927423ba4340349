package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"wcengine/internal/wctx"
	"wcengine/internal/workdir"
)

// inTx runs fn in an exclusive working-copy transaction and applies the
// journal, or cancels everything when fn fails.
func inTx(ctx context.Context, wc *workdir.WorkingCopy, fn func(tx *wctx.Tx) error) error {
	tx, err := wc.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Cancel(ctx)
		return err
	}
	return tx.Apply(ctx)
}

func newAddCmd(g *globals) *cobra.Command {
	var opts wctx.AddOptions
	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Put items under version control",
		Long: `Put uncontrolled items under version control. Uncontrolled parent
directories are added too. With --recursive the contents of directories
are added, skipping ignored items unless --no-ignores is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				targets, err := g.targets(wc, args)
				if err != nil {
					return err
				}
				return inTx(ctx, wc, func(tx *wctx.Tx) error {
					for _, t := range targets {
						if err := tx.Add(ctx, t, opts); err != nil {
							return fmt.Errorf("add %s: %w", t, err)
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "r", false, "Add the contents of directories")
	cmd.Flags().BoolVar(&opts.NoIgnores, "no-ignores", false, "Also add ignored items while recursing")
	return cmd
}

func newRemoveCmd(g *globals) *cobra.Command {
	var opts wctx.RemoveOptions
	cmd := &cobra.Command{
		Use:     "remove <path>...",
		Aliases: []string{"rm"},
		Short:   "Delete controlled items",
		Long: `Delete controlled items. A directory is removed with its contents.
Modified files and uncontrolled contents stop the removal unless --force
is given; --keep leaves the files on disk.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				targets, err := g.targets(wc, args)
				if err != nil {
					return err
				}
				return inTx(ctx, wc, func(tx *wctx.Tx) error {
					for _, t := range targets {
						if err := tx.Remove(ctx, t, opts); err != nil {
							return fmt.Errorf("remove %s: %w", t, err)
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Keep, "keep", "k", false, "Leave the files on disk")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Remove modified files and uncontrolled contents")
	return cmd
}

func newMoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "move <path>... <directory>",
		Aliases: []string{"mv"},
		Short:   "Move controlled items into a directory",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				targets, err := g.targets(wc, args)
				if err != nil {
					return err
				}
				dest := targets[len(targets)-1]
				return inTx(ctx, wc, func(tx *wctx.Tx) error {
					for _, t := range targets[:len(targets)-1] {
						if err := tx.Move(ctx, t, dest); err != nil {
							return fmt.Errorf("move %s: %w", t, err)
						}
					}
					return nil
				})
			})
		},
	}
}

func newRenameCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <path> <new-name>",
		Short: "Rename a controlled item in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				t, err := g.target(wc, args[0])
				if err != nil {
					return err
				}
				return inTx(ctx, wc, func(tx *wctx.Tx) error {
					return tx.Rename(ctx, t, args[1])
				})
			})
		},
	}
}

func newUndeleteCmd(g *globals) *cobra.Command {
	var to, name string
	cmd := &cobra.Command{
		Use:   "undelete <path|gid>",
		Short: "Restore a deleted item",
		Long: `Restore a deleted item, at its old place or elsewhere. A deleted item
is addressed by the path it had or by its GID. A directory comes back
empty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withWorkingCopy(cmd, func(ctx context.Context, wc *workdir.WorkingCopy) error {
				t, err := g.target(wc, args[0])
				if err != nil {
					return err
				}
				var dest *wctx.UndeleteDest
				if to != "" || name != "" {
					dest = &wctx.UndeleteDest{Name: name}
					if to != "" {
						if dest.Parent, err = g.target(wc, to); err != nil {
							return err
						}
						if dest.Parent == "" {
							dest.Parent = "@"
						}
					}
				}
				return inTx(ctx, wc, func(tx *wctx.Tx) error {
					it, err := tx.UndoDelete(ctx, t, dest)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", tx.View().Path(it))
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Directory to restore into")
	cmd.Flags().StringVar(&name, "name", "", "Name to restore as")
	return cmd
}
