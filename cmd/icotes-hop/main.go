package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

// annotationLogToFile marks commands that own the terminal; their logs go to
// <workspace>/.icotes/hop/hop.log.
const annotationLogToFile = "icotes-hop/log-to-file"

type rootOptions struct {
	workspace   string
	logLevel    string
	metricsAddr string
	logToFile   bool

	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rootCmd, opts := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if opts.app != nil {
		opts.app.Close()
	}
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "icotes-hop: %v\n", err)
		os.Exit(exitCodeFromErr(err))
	}
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "icotes-hop",
		Short:         "Route file and terminal work between this machine and SSH hops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.workspace, "workspace", "", "workspace root (default $ICOTES_WORKSPACE_ROOT, $WORKSPACE_ROOT, or the nearest directory containing .icotes)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (overrides settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		opts.logToFile = cmd.Annotations[annotationLogToFile] == "true"
		a, err := newApp(cmd.Context(), opts)
		if err != nil {
			return err
		}
		opts.app = a
		return nil
	}

	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newCredCmd(opts))
	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newCatCmd(opts))
	rootCmd.AddCommand(newCpCmd(opts))
	rootCmd.AddCommand(newShellCmd(opts))
	rootCmd.AddCommand(newUICmd(opts))
	return rootCmd, opts
}

// exitCodeFromErr propagates the exit status of a remote or local command.
func exitCodeFromErr(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	var se *ssh.ExitError
	if errors.As(err, &se) {
		return se.ExitStatus()
	}
	return 1
}
