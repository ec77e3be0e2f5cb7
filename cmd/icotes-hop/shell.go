package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/router"
)

func newShellCmd(root *rootOptions) *cobra.Command {
	var (
		command string
		dir     string
	)
	cmd := &cobra.Command{
		Use:   "shell [id|name]",
		Short: "Open an interactive shell on a hop, or locally without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			ctx := cmd.Context()
			contextID := router.ActiveContext
			if len(args) == 1 {
				s, err := a.connect(ctx, args[0])
				if err != nil {
					return err
				}
				contextID = s.ContextID
			}
			t := a.router.Terminal(contextID)
			if t.ContextID() != contextID && contextID != router.ActiveContext {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s hop unavailable, using the local shell\n", styleWarn.Render("warn"))
			}

			opts := backend.TerminalOptions{
				Term:    os.Getenv("TERM"),
				Dir:     dir,
				Command: command,
			}
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			if term.IsTerminal(int(os.Stdout.Fd())) {
				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil && rows > 0 && cols > 0 {
					opts.Rows, opts.Cols = uint16(rows), uint16(cols)
				}
			}

			if interactive {
				flushTTYInput()
			}
			sess, err := t.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			a.log.Debug("terminal opened", "at", a.router.FormatNamespacedPath(t.ContextID(), dir))

			if interactive {
				fd := int(os.Stdin.Fd())
				if old, err := term.MakeRaw(fd); err == nil {
					defer func() { _ = term.Restore(fd, old) }()
				}
				stop := startResizeWatcher(sess)
				defer stop()
			}

			go func() {
				_, _ = io.Copy(sess, os.Stdin)
			}()
			// Reads fail once the shell exits (EIO on a local pty); Wait has the status.
			_, _ = io.Copy(cmd.OutOrStdout(), sess)
			return sess.Wait()
		},
	}
	cmd.Flags().StringVarP(&command, "command", "c", "", "run this command instead of an interactive shell")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "start in this directory (default: the context's root)")
	return cmd
}
