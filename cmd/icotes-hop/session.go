package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/hop"
	"icotes-hop/pkg/hopui"
	"icotes-hop/pkg/router"
)

func newConnectCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "connect <id|name>...",
		Short: "Open hops, report their state and close them again",
		Long: "Open each hop, print the resulting session and disconnect on exit.\n" +
			"Useful to check credentials, keys and host keys before relying on a hop.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := root.app
			var (
				sessions []hop.Session
				errs     []error
			)
			for _, ref := range args {
				s, err := a.connect(cmd.Context(), ref)
				if err != nil {
					errs = append(errs, err)
				}
				if s.ContextID != "" {
					sessions = append(sessions, s)
				}
			}
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), sessions); err != nil {
					return err
				}
			} else {
				for i, s := range sessions {
					if i > 0 {
						fmt.Fprintln(cmd.OutOrStdout())
					}
					printSession(cmd.OutOrStdout(), s)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func newUICmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Interactive dashboard of the local context and saved hops",
		// Log lines would tear the alternate screen.
		Annotations: map[string]string{annotationLogToFile: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := root.app
			return hopui.Run(a.manager, a.store, hopui.LoadTheme())
		},
	}
}

// connect resolves ref to a saved credential and opens its hop. The returned
// session is filled in even when the attempt failed.
func (a *app) connect(ctx context.Context, ref string) (hop.Session, error) {
	c, err := a.store.Lookup(ref)
	if err != nil {
		return hop.Session{}, err
	}
	if err := a.unlock(ctx, c); err != nil {
		return hop.Session{}, err
	}
	return a.manager.Connect(ctx, c.ID)
}

// unlock makes sure the secret the dial needs is at hand, asking on the
// terminal when neither this process nor the keyring has it. The prompt runs
// outside the connect timeout.
func (a *app) unlock(ctx context.Context, c credentials.Credential) error {
	if s := a.manager.Status(c.ID); s.ContextID == c.ID && s.Status == hop.StatusConnected {
		return nil
	}
	kind, ok := a.dialer.SecretNeeded(c)
	if !ok {
		return nil
	}
	_, err := a.vault.Secret(ctx, c.ID, kind)
	if err == nil {
		return nil
	}
	if !errors.Is(err, credentials.ErrSecretNotFound) {
		return err
	}
	secret, err := a.prompt.Secret(ctx, c.ID, kind)
	if err != nil {
		return fmt.Errorf("%s for %s: %w", kind, c.Label(), err)
	}
	return a.mem.Put(ctx, c.ID, kind, secret)
}

// resolvePath turns a "label:path" token into a filesystem and path. A label
// naming a saved credential is connected first so the router can see it.
func (a *app) resolvePath(ctx context.Context, token string) (backend.Filesystem, string, error) {
	if label, _, ok := strings.Cut(token, ":"); ok && len(label) > 1 && label != hop.LocalContextID {
		if _, err := a.store.Lookup(label); err == nil {
			if _, err := a.connect(ctx, label); err != nil {
				return nil, "", err
			}
		}
	}
	ref := a.router.ParsePathAndNamespace(token)
	fsys, p := a.router.Resolve(ref)
	if _, local := ref.(router.LocalPath); local && p != "" && !filepath.IsAbs(p) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}
	return fsys, p, nil
}
