// Package router is the single place that decides whether a file or terminal
// operation runs locally or on a hop. Resolution never fails: anything that
// cannot be routed goes to the local backend.
package router

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/hop"
	"icotes-hop/pkg/telemetry"
)

// ActiveContext resolves to whatever context the session manager has active.
const ActiveContext = "active"

// Sessions is the read side of the session manager.
type Sessions interface {
	Active() string
	Status(contextID string) hop.Session
	Sessions() []hop.Session
	Backend(contextID string) (backend.Backend, error)
}

type Router struct {
	sessions Sessions
	local    backend.Backend
	names    func(contextID string) (string, bool)
	log      *log.Logger
	metrics  *telemetry.Metrics
}

type Option func(*Router)

func WithLogger(l *log.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithCredentialNames supplies friendly names for contexts that have no live
// session, used by FormatNamespacedPath.
func WithCredentialNames(fn func(contextID string) (string, bool)) Option {
	return func(r *Router) { r.names = fn }
}

func New(sessions Sessions, local backend.Backend, opts ...Option) *Router {
	r := &Router{
		sessions: sessions,
		local:    local,
		log:      telemetry.Discard(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Filesystem returns the filesystem for contextID ("" or "active" for the
// active context). Unresolvable contexts yield the local filesystem.
func (r *Router) Filesystem(contextID string) backend.Filesystem {
	return r.backendFor(contextID)
}

// Terminal is Filesystem's counterpart for interactive sessions.
func (r *Router) Terminal(contextID string) backend.Terminal {
	return r.backendFor(contextID)
}

// resolutionFailure is why a context could not be routed. It is logged and
// counted, never returned.
type resolutionFailure struct {
	contextID string
	reason    string
	err       error
}

func (f *resolutionFailure) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", f.contextID, f.reason, f.err)
}

func (f *resolutionFailure) Unwrap() error { return f.err }

func (r *Router) backendFor(contextID string) backend.Backend {
	b, err := r.lookup(contextID)
	if err == nil {
		return b
	}
	reason := "error"
	var rf *resolutionFailure
	if errors.As(err, &rf) {
		reason = rf.reason
	}
	r.log.Warn("falling back to local context", "context", contextID, "reason", reason, "err", err)
	r.metrics.RouterFallback(reason)
	return r.local
}

func (r *Router) lookup(contextID string) (b backend.Backend, err error) {
	defer func() {
		if p := recover(); p != nil {
			b, err = nil, &resolutionFailure{contextID: contextID, reason: "panic", err: fmt.Errorf("%v", p)}
		}
	}()
	id := r.resolveID(contextID)
	if id == hop.LocalContextID {
		return r.local, nil
	}
	b, err = r.sessions.Backend(id)
	if err != nil {
		reason := "error"
		var ce *hop.ConnectionError
		switch {
		case errors.Is(err, hop.ErrSessionNotFound):
			reason = "not_connected"
		case errors.As(err, &ce):
			reason = "connection_error"
		}
		return nil, &resolutionFailure{contextID: id, reason: reason, err: err}
	}
	if b == nil {
		return nil, &resolutionFailure{contextID: id, reason: "nil_backend", err: errors.New("session has no backend")}
	}
	return b, nil
}

func (r *Router) resolveID(contextID string) string {
	if contextID == "" || contextID == ActiveContext {
		if id := r.sessions.Active(); id != "" {
			return id
		}
		return hop.LocalContextID
	}
	return contextID
}
