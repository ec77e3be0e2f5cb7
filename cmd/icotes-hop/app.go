package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/hop"
	"icotes-hop/pkg/router"
	"icotes-hop/pkg/telemetry"
	"icotes-hop/pkg/workspace"
)

// app holds the services one invocation works with. Everything is built here
// and handed down explicitly.
type app struct {
	layout   workspace.Layout
	settings *workspace.Settings
	log      *log.Logger
	metrics  *telemetry.Metrics

	store   *credentials.Store
	vault   credentials.Vault
	mem     *credentials.MemoryVault
	prompt  credentials.PromptVault
	dialer  *hop.SSHDialer
	manager *hop.Manager
	router  *router.Router

	metricsSrv *http.Server
	logFile    *os.File
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	var (
		layout workspace.Layout
		err    error
	)
	if strings.TrimSpace(opts.workspace) != "" {
		layout = workspace.DiscoverFrom(opts.workspace)
	} else if layout, err = workspace.Discover(); err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	settings, err := workspace.LoadSettings(layout.SettingsPath())
	if err != nil {
		return nil, err
	}
	level := settings.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	var logOut io.Writer = os.Stderr
	var logFile *os.File
	if opts.logToFile {
		logFile, err = os.OpenFile(filepath.Join(layout.HopDir(), "hop.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logOut = logFile
	}
	logger := telemetry.NewLogger(logOut, level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)

	// Secrets supplied on the command line go to the OS keyring when there is
	// one. Dials look in this process first, then the keyring. Prompting
	// happens in connect, before the dial.
	mem := credentials.NewMemoryVault()
	keep := credentials.ChainVault{}
	lookup := credentials.ChainVault{mem}
	if sys, name := credentials.SystemVault(); sys != nil {
		logger.Debug("using system keyring", "backend", name)
		keep = append(keep, sys)
		lookup = append(lookup, sys)
	} else {
		logger.Debug("no system keyring; secrets last for this process only", "backend", name)
	}
	keep = append(keep, mem)
	store := credentials.Open(layout.CredentialsPath(), layout.KeysDir(), credentials.WithVault(keep))

	dialer := &hop.SSHDialer{
		Vault:                 lookup,
		ResolveKey:            store.ResolveIdentityFile,
		KnownHostsFile:        settings.KnownHostsPath(),
		StrictHostKeyChecking: settings.StrictHostKeyChecking,
		KeepAlive:             settings.KeepAliveInterval.Std(),
		Log:                   logger.WithPrefix("hop/ssh"),
	}
	local := backend.NewLocal(layout.Root).WithShell(settings.Shell)
	manager := hop.NewManager(store, dialer,
		hop.WithLogger(logger.WithPrefix("hop/session")),
		hop.WithMetrics(metrics),
		hop.WithConnectTimeout(settings.ConnectTimeout.Std()),
		hop.WithLocal(local),
	)
	rt := router.New(manager, local,
		router.WithLogger(logger.WithPrefix("hop/router")),
		router.WithMetrics(metrics),
		router.WithCredentialNames(credentialName(store)),
	)

	a := &app{
		layout:   layout,
		settings: settings,
		log:      logger,
		metrics:  metrics,
		store:    store,
		vault:    lookup,
		mem:      mem,
		prompt:   credentials.PromptVault{Describe: promptLabel(store)},
		dialer:   dialer,
		manager:  manager,
		router:   rt,
		logFile:  logFile,
	}
	if opts.metricsAddr != "" {
		if err := a.serveMetrics(ctx, opts.metricsAddr); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "err", err)
		}
	}()
	a.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, a.metricsSrv.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, a.manager.Close())
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}

func promptLabel(store *credentials.Store) func(string) string {
	return func(credID string) string {
		c, err := store.Get(credID)
		if err != nil {
			return credID
		}
		return fmt.Sprintf("%s (%s@%s)", c.Label(), c.Username, c.Host)
	}
}

func credentialName(store *credentials.Store) func(string) (string, bool) {
	return func(id string) (string, bool) {
		c, err := store.Get(id)
		if err != nil {
			return "", false
		}
		return c.Label(), true
	}
}
