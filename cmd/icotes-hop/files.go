package main

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"icotes-hop/pkg/backend"
)

func newLsCmd(root *rootOptions) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [label:]path...",
		Short: "List a directory locally or on a hop (box1:/etc, local:/tmp)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			if len(args) == 0 {
				args = []string{"."}
			}
			out := cmd.OutOrStdout()
			for i, arg := range args {
				fsys, p, err := a.resolvePath(cmd.Context(), arg)
				if err != nil {
					return err
				}
				entries, err := fsys.ReadDir(cmd.Context(), p)
				if err != nil {
					return fmt.Errorf("ls %s: %w", a.router.FormatNamespacedPath(fsys.ContextID(), p), err)
				}
				if len(args) > 1 {
					if i > 0 {
						fmt.Fprintln(out)
					}
					fmt.Fprintf(out, "%s:\n", a.router.FormatNamespacedPath(fsys.ContextID(), p))
				}
				sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
				if !long {
					for _, e := range entries {
						name := e.Name
						if e.IsDir {
							name += "/"
						}
						fmt.Fprintln(out, name)
					}
					continue
				}
				tw := tabwriter.NewWriter(out, 0, 0, 1, ' ', tabwriter.AlignRight)
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\t %s\t\n", e.Mode, e.Size, e.ModTime.Format("Jan _2 15:04"), e.Name)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "long listing")
	return cmd
}

func newCatCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat [label:]path...",
		Short: "Print files locally or from a hop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			for _, arg := range args {
				fsys, p, err := a.resolvePath(cmd.Context(), arg)
				if err != nil {
					return err
				}
				data, err := fsys.ReadFile(cmd.Context(), p)
				if err != nil {
					return fmt.Errorf("cat %s: %w", a.router.FormatNamespacedPath(fsys.ContextID(), p), err)
				}
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCpCmd(root *rootOptions) *cobra.Command {
	var mode uint32
	cmd := &cobra.Command{
		Use:   "cp [label:]src [label:]dst",
		Short: "Copy a file between any two contexts",
		Example: "  icotes-hop cp box1:/var/log/app.log ./app.log\n" +
			"  icotes-hop cp local:/tmp/build.tar box2:/srv/releases/",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			ctx := cmd.Context()
			src, srcPath, err := a.resolvePath(ctx, args[0])
			if err != nil {
				return err
			}
			dst, dstPath, err := a.resolvePath(ctx, args[1])
			if err != nil {
				return err
			}
			data, err := src.ReadFile(ctx, srcPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", a.router.FormatNamespacedPath(src.ContextID(), srcPath), err)
			}
			dstPath = intoDir(ctx, dst, dstPath, srcPath)
			if err := dst.WriteFile(ctx, dstPath, data, fs.FileMode(mode)); err != nil {
				return fmt.Errorf("write %s: %w", a.router.FormatNamespacedPath(dst.ContextID(), dstPath), err)
			}
			a.log.Info("copied",
				"from", a.router.FormatNamespacedPath(src.ContextID(), srcPath),
				"to", a.router.FormatNamespacedPath(dst.ContextID(), dstPath),
				"bytes", len(data))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&mode, "mode", 0o644, "permissions of the written file")
	return cmd
}

// intoDir appends the source base name when dst is an existing directory.
func intoDir(ctx context.Context, dst backend.Filesystem, dstPath, srcPath string) string {
	fi, err := dst.Stat(ctx, dstPath)
	if err != nil || !fi.IsDir {
		return dstPath
	}
	base := path.Base(filepath.ToSlash(srcPath))
	if dst.ContextID() == backend.LocalContextID {
		return filepath.Join(dstPath, base)
	}
	return path.Join(dstPath, base)
}
