package main

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/hopconfig"
)

var errInvalidConfig = errors.New("hop config is invalid")

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, import and export the SSH-style hop config",
	}
	cmd.AddCommand(newConfigValidateCmd(root))
	cmd.AddCommand(newConfigImportCmd(root))
	cmd.AddCommand(newConfigExportCmd(root))
	cmd.AddCommand(newConfigWatchCmd(root))
	return cmd
}

func newConfigValidateCmd(root *rootOptions) *cobra.Command {
	var (
		file  string
		store bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the hop config (or the credential store) for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := root.app
			out := cmd.OutOrStdout()
			if store {
				res, err := a.store.Validate()
				if err != nil {
					return err
				}
				a.metrics.ConfigValidated(res.Valid())
				printResult(out, a.store.Path(), res)
				if !res.Valid() {
					return errInvalidConfig
				}
				return nil
			}
			path := file
			if path == "" {
				path = a.layout.HopConfigPath()
			}
			rep, err := hopconfig.ValidateFile(path, a.layout.KeysDir())
			if err != nil {
				a.metrics.ConfigValidated(false)
				return err
			}
			a.metrics.ConfigValidated(rep.Valid())
			printResult(out, rep.Path, rep.Result)
			if !rep.Valid() {
				return errInvalidConfig
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config to validate (default <workspace>/.icotes/hop/config)")
	cmd.Flags().BoolVar(&store, "store", false, "validate the saved credentials rendered as config instead")
	return cmd
}

func newConfigImportCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update credentials from the hop config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := root.app
			out := cmd.OutOrStdout()
			path := file
			if path == "" {
				path = a.layout.HopConfigPath()
			}
			entries, err := hopconfig.ParseFile(path)
			if err != nil {
				return err
			}
			res, err := a.store.ImportConfig(entries)
			var ie *credentials.ImportError
			if errors.As(err, &ie) {
				printResult(out, path, ie.Result)
				return errInvalidConfig
			}
			if err != nil {
				return err
			}
			for _, c := range res.Created {
				fmt.Fprintf(out, "%s %s\n", styleOK.Render("created"), c.Label())
			}
			for _, c := range res.Updated {
				fmt.Fprintf(out, "%s %s\n", styleOK.Render("updated"), c.Label())
			}
			hosts := make([]string, 0, len(res.Skipped))
			for h := range res.Skipped {
				hosts = append(hosts, h)
			}
			sort.Strings(hosts)
			for _, h := range hosts {
				fmt.Fprintf(out, "%s %s: %s\n", styleWarn.Render("skipped"), h, res.Skipped[h])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config to import (default <workspace>/.icotes/hop/config)")
	return cmd
}

func newConfigExportCmd(root *rootOptions) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render saved credentials as hop config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := root.app
			entries, err := a.store.ExportConfig()
			if err != nil {
				return err
			}
			if !write {
				_, err := fmt.Fprint(cmd.OutOrStdout(), hopconfig.Render(entries))
				return err
			}
			path := a.layout.HopConfigPath()
			// Wildcard blocks are not credentials; carry them over.
			if prev, err := hopconfig.ParseFile(path); err == nil {
				entries = append(entries, hopconfig.PatternBlocks(prev)...)
			}
			if err := hopconfig.WriteFile(path, entries); err != nil {
				return err
			}
			a.log.Info("wrote hop config", "path", path, "hosts", len(entries))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "replace <workspace>/.icotes/hop/config (previous copy kept as config.bak)")
	return cmd
}

func newConfigWatchCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate the hop config every time it changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := root.app
			out := cmd.OutOrStdout()
			path := file
			if path == "" {
				path = a.layout.HopConfigPath()
			}
			return hopconfig.Watch(cmd.Context(), path, a.layout.KeysDir(), func(rep hopconfig.Report, err error) {
				stamp := styleDim.Render(time.Now().Format("15:04:05"))
				switch {
				case errors.Is(err, fs.ErrNotExist):
					fmt.Fprintf(out, "%s %s: not found, waiting\n", stamp, path)
				case err != nil:
					a.metrics.ConfigValidated(false)
					fmt.Fprintf(out, "%s %s %v\n", stamp, styleError.Render("error"), err)
				default:
					a.metrics.ConfigValidated(rep.Valid())
					fmt.Fprintln(out, stamp)
					printResult(out, rep.Path, rep.Result)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config to watch (default <workspace>/.icotes/hop/config)")
	return cmd
}
