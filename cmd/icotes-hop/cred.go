package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/hop"
	"icotes-hop/pkg/hopconfig"
)

func newCredCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cred",
		Aliases: []string{"creds", "credential"},
		Short:   "Manage saved hop credentials",
	}
	cmd.AddCommand(newCredAddCmd(root))
	cmd.AddCommand(newCredListCmd(root))
	cmd.AddCommand(newCredShowCmd(root))
	cmd.AddCommand(newCredRmCmd(root))
	cmd.AddCommand(newCredKeyCmd(root))
	cmd.AddCommand(newCredInstallKeyCmd(root))
	return cmd
}

type credAddFlags struct {
	fields        credentials.Fields
	keyFile       string
	askPassword   bool
	askPassphrase bool
	secretStdin   bool
}

func newCredAddCmd(root *rootOptions) *cobra.Command {
	f := &credAddFlags{}
	cmd := &cobra.Command{
		Use:   "add [user@]host[:port]",
		Short: "Save a hop credential",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			fields := f.fields
			if len(args) == 1 {
				user, host, port, err := splitTarget(args[0])
				if err != nil {
					return err
				}
				if fields.Username == "" {
					fields.Username = user
				}
				if fields.Host == "" {
					fields.Host = host
				}
				if fields.Port == 0 {
					fields.Port = port
				}
			}
			if f.keyFile != "" {
				data, err := os.ReadFile(f.keyFile)
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				keyID, err := a.store.StorePrivateKey(data)
				if err != nil {
					return err
				}
				fields.IdentityFile = credentials.KeyRef(keyID)
				if fields.AuthMethod == "" {
					fields.AuthMethod = credentials.AuthPrivateKey
				}
			}
			in := bufio.NewReader(cmd.InOrStdin())
			if f.askPassword {
				s, err := readSecret(cmd, in, "Password", f.secretStdin)
				if err != nil {
					return err
				}
				fields.Password = s
			}
			if f.askPassphrase {
				s, err := readSecret(cmd, in, "Key passphrase", f.secretStdin)
				if err != nil {
					return err
				}
				fields.Passphrase = s
			}
			c, err := a.store.Create(fields)
			if err != nil {
				return err
			}
			a.log.Info("saved credential", "id", c.ID, "name", c.Name, "auth", c.AuthMethod)
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.fields.Name, "name", "", "friendly name (default: host)")
	fl.StringVar(&f.fields.Host, "host", "", "host name or address")
	fl.IntVarP(&f.fields.Port, "port", "p", 0, "SSH port (default 22)")
	fl.StringVarP(&f.fields.Username, "user", "u", "", "login user")
	fl.StringVar(&f.fields.AuthMethod, "auth", "", "password|privateKey|agent (default password, or privateKey with --key)")
	fl.StringVarP(&f.fields.IdentityFile, "identity-file", "i", "", "private key path used in place (not copied)")
	fl.StringVar(&f.fields.DefaultPath, "default-path", "", "remote working directory after connect")
	fl.StringVar(&f.keyFile, "key", "", "private key file to copy into the workspace key store")
	fl.BoolVar(&f.askPassword, "password", false, "ask for the login password and keep it in the keyring")
	fl.BoolVar(&f.askPassphrase, "passphrase", false, "ask for the key passphrase and keep it in the keyring")
	fl.BoolVar(&f.secretStdin, "secret-stdin", false, "read secrets from stdin, one per line, instead of the terminal")
	return cmd
}

func newCredListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := root.app.store.List()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), all)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTARGET\tAUTH")
			for _, c := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s@%s:%d\t%s\n", c.ID, c.Label(), c.Username, c.Host, c.Port, c.AuthMethod)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCredShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|name>",
		Short: "Print one credential as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.app.store.Lookup(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func newCredRmCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id|name>...",
		Aliases: []string{"delete"},
		Short:   "Delete credentials, their stored secrets and unshared keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			var errs []error
			for _, ref := range args {
				c, err := a.store.Lookup(ref)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if _, err := a.store.Delete(c.ID); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", c.Label(), err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", c.Label(), c.ID)
			}
			return errors.Join(errs...)
		},
	}
}

func newCredKeyCmd(root *rootOptions) *cobra.Command {
	var attach string
	cmd := &cobra.Command{
		Use:   "key <private-key-file>",
		Short: "Copy a private key into the workspace key store",
		Long: "Copy a private key into the workspace key store and print the IdentityFile\n" +
			"reference to use in the hop config. Use - to read the key from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			keyID, err := a.store.StorePrivateKey(data)
			if err != nil {
				return err
			}
			ref := credentials.KeyRef(keyID)
			if attach != "" {
				c, err := a.store.Lookup(attach)
				if err != nil {
					return err
				}
				auth := credentials.AuthPrivateKey
				if _, err := a.store.Update(c.ID, credentials.Patch{IdentityFile: &ref, AuthMethod: &auth}); err != nil {
					return err
				}
				a.log.Info("attached key", "credential", c.Label(), "key", keyID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&attach, "attach", "", "also switch this credential (id or name) to the new key")
	return cmd
}

func newCredInstallKeyCmd(root *rootOptions) *cobra.Command {
	var (
		pubFile string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "install-key <id|name>",
		Short: "Add a public key to the hop's ~/.ssh/authorized_keys",
		Long: "Connect with the credential's current auth method and add a public key to\n" +
			"~/.ssh/authorized_keys on the hop. Without --pub the first of\n" +
			"~/.ssh/id_ed25519.pub, id_ecdsa.pub, id_rsa.pub or other *.pub is used.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			ctx := cmd.Context()
			if pubFile == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				found := hop.DetectPublicKeys(filepath.Join(home, ".ssh"))
				if len(found) == 0 {
					return errors.New("no public key found in ~/.ssh; pass --pub")
				}
				pubFile = found[0]
			}
			line, err := hop.ReadPublicKey(pubFile)
			if err != nil {
				return err
			}
			s, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			fsys := a.router.Filesystem(s.ContextID)
			if fsys.ContextID() != s.ContextID {
				return fmt.Errorf("hop %s is not usable", s.Name)
			}
			home, err := hop.HomeDir(ctx, fsys)
			if err != nil {
				return err
			}
			mode := hop.KeyInstallEnsure
			if replace {
				mode = hop.KeyInstallReplace
			}
			changed, err := hop.InstallAuthorizedKey(ctx, fsys, home, line, mode)
			if err != nil {
				return err
			}
			target := a.router.FormatNamespacedPath(s.ContextID, home+"/.ssh/authorized_keys")
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", styleOK.Render("installed"), filepath.Base(pubFile), target)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s already in %s\n", styleDim.Render("unchanged"), filepath.Base(pubFile), target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pubFile, "pub", "", "public key file to install")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace authorized_keys with only this key (old file kept as .bak)")
	return cmd
}

// splitTarget parses "[user@]host[:port]". IPv6 hosts with a port need
// brackets.
func splitTarget(s string) (user, host string, port int, err error) {
	if at := strings.LastIndex(s, "@"); at >= 0 {
		user, s = s[:at], s[at+1:]
	}
	h, p, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		return user, strings.Trim(s, "[]"), 0, nil
	}
	port, err = hopconfig.ParsePort(p)
	if err != nil {
		return "", "", 0, fmt.Errorf("target %q: %w", s, err)
	}
	return user, h, port, nil
}

// readSecret reads one secret without echo from the terminal, or a line from
// stdin when fromStdin is set.
func readSecret(cmd *cobra.Command, in *bufio.Reader, label string, fromStdin bool) (string, error) {
	if fromStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return string(b), nil
}
