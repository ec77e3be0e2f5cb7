package hop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/telemetry"
)

const DefaultConnectTimeout = 15 * time.Second

// CredentialSource looks up hop targets by id.
type CredentialSource interface {
	Get(id string) (credentials.Credential, error)
}

// Link is an established connection to a hop. Done is closed when the
// connection goes away for any reason; Err then says why.
type Link interface {
	backend.Backend
	Done() <-chan struct{}
	Err() error
}

// Dialer opens links. It must honour ctx for cancellation and deadlines.
type Dialer interface {
	Dial(ctx context.Context, cred credentials.Credential) (Link, error)
}

type entry struct {
	sess Session
	link Link
	// gen changes on every attempt so late results of a superseded attempt
	// are discarded.
	gen uint64
}

// Manager owns the session table and the active context pointer.
type Manager struct {
	creds   CredentialSource
	dialer  Dialer
	local   backend.Backend
	log     *log.Logger
	metrics *telemetry.Metrics
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
	active   string
	nextGen  uint64
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithConnectTimeout bounds each connection attempt. Non-positive values keep
// the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLocal sets the backend of the local context.
func WithLocal(b backend.Backend) Option { return func(m *Manager) { m.local = b } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(creds CredentialSource, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		creds:    creds,
		dialer:   dialer,
		log:      telemetry.Discard(),
		timeout:  DefaultConnectTimeout,
		now:      time.Now,
		sessions: make(map[string]*entry),
		active:   LocalContextID,
	}
	for _, o := range opts {
		o(m)
	}
	if m.local == nil {
		m.local = backend.NewLocal(".")
	}
	return m
}

// Local returns the local backend.
func (m *Manager) Local() backend.Backend { return m.local }

// Connect opens (or reuses) the session for credentialID and makes it active.
// Concurrent calls for the same id share one attempt. The attempt is bounded
// by the connect timeout, not by ctx: a caller that gives up still leaves the
// session in connected or error state. On failure the returned Session has
// StatusError and err is a *ConnectionError.
func (m *Manager) Connect(ctx context.Context, credentialID string) (Session, error) {
	cred, err := m.creds.Get(credentialID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID)
		}
		return Session{}, fmt.Errorf("load credential %s: %w", credentialID, err)
	}

	m.mu.Lock()
	if e, ok := m.sessions[cred.ID]; ok && e.sess.Status == StatusConnected {
		m.active = cred.ID
		sess := e.sess
		m.mu.Unlock()
		m.metrics.ConnectAttempt(telemetry.ResultReused, 0)
		m.log.Debug("reusing hop session", "context", cred.ID, "name", sess.Name)
		return sess, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan(cred.ID, func() (interface{}, error) {
		return m.attempt(cred)
	})
	select {
	case res := <-ch:
		sess, _ := res.Val.(Session)
		return sess, res.Err
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.sessions[cred.ID]; ok {
			return e.sess, ctx.Err()
		}
		// The attempt has not registered yet.
		return connectingSession(cred), ctx.Err()
	}
}

func connectingSession(cred credentials.Credential) Session {
	return Session{
		ContextID:    cred.ID,
		CredentialID: cred.ID,
		Name:         cred.Label(),
		Status:       StatusConnecting,
		Host:         cred.Host,
		Port:         cred.Port,
		Username:     cred.Username,
	}
}

func (m *Manager) attempt(cred credentials.Credential) (Session, error) {
	m.mu.Lock()
	if e, ok := m.sessions[cred.ID]; ok && e.sess.Status == StatusConnected {
		m.active = cred.ID
		sess := e.sess
		m.mu.Unlock()
		return sess, nil
	}
	m.nextGen++
	gen := m.nextGen
	m.sessions[cred.ID] = &entry{gen: gen, sess: connectingSession(cred)}
	m.mu.Unlock()

	m.log.Info("connecting", "context", cred.ID, "name", cred.Label(), "host", cred.Host, "port", cred.Port)
	start := m.now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	link, err := m.dialer.Dial(ctx, cred)
	cancel()
	elapsed := m.now().Sub(start).Seconds()

	m.mu.Lock()
	e, ok := m.sessions[cred.ID]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		m.metrics.ConnectAttempt(telemetry.ResultFailed, elapsed)
		cerr := &ConnectionError{ContextID: cred.ID, Host: cred.Host, Err: errors.New("disconnected while connecting")}
		return Session{ContextID: cred.ID, CredentialID: cred.ID, Name: cred.Label(), Status: StatusDisconnected}, cerr
	}
	if err != nil {
		e.sess.Status = StatusError
		e.sess.Error = err.Error()
		sess := e.sess
		m.mu.Unlock()
		m.metrics.ConnectAttempt(telemetry.ResultFailed, elapsed)
		m.log.Warn("connect failed", "context", cred.ID, "host", cred.Host, "err", err)
		return sess, &ConnectionError{ContextID: cred.ID, Host: cred.Host, Err: err}
	}
	e.link = link
	e.sess.Status = StatusConnected
	e.sess.Error = ""
	e.sess.Cwd = link.Root()
	e.sess.ConnectedAt = m.now().UTC()
	m.active = cred.ID
	sess := e.sess
	n := m.connectedLocked()
	m.mu.Unlock()

	m.metrics.ConnectAttempt(telemetry.ResultConnected, elapsed)
	m.metrics.SetSessionsConnected(n)
	m.log.Info("connected", "context", cred.ID, "cwd", sess.Cwd)
	go m.watchLink(cred.ID, gen, link)
	return sess, nil
}

// watchLink moves a session to error when its link dies underneath it.
func (m *Manager) watchLink(id string, gen uint64, link Link) {
	<-link.Done()
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.gen != gen || e.link != link {
		m.mu.Unlock()
		return
	}
	reason := "connection lost"
	if err := link.Err(); err != nil && !errors.Is(err, backend.ErrClosed) {
		reason = "connection lost: " + err.Error()
	}
	e.sess.Status = StatusError
	e.sess.Error = reason
	e.link = nil
	n := m.connectedLocked()
	m.mu.Unlock()

	m.metrics.SetSessionsConnected(n)
	m.log.Warn("hop link lost", "context", id, "err", reason)
}

// Disconnect closes and forgets a session. An empty id means the active
// context. The local context and unknown ids are no-ops. When the active
// context is removed the active pointer returns to local.
func (m *Manager) Disconnect(contextID string) error {
	m.mu.Lock()
	if contextID == "" {
		contextID = m.active
	}
	if contextID == LocalContextID {
		m.mu.Unlock()
		return nil
	}
	e, ok := m.sessions[contextID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, contextID)
	if m.active == contextID {
		m.active = LocalContextID
	}
	n := m.connectedLocked()
	m.mu.Unlock()

	m.group.Forget(contextID)
	m.metrics.SetSessionsConnected(n)
	m.log.Info("disconnected", "context", contextID)
	if e.link != nil {
		if err := e.link.Close(); err != nil {
			return &ConnectionError{ContextID: contextID, Host: e.sess.Host, Err: err}
		}
	}
	return nil
}

// Status returns a snapshot of a session. An empty id means the active
// context; ids with no session report the local context.
func (m *Manager) Status(contextID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contextID == "" {
		contextID = m.active
	}
	if e, ok := m.sessions[contextID]; ok {
		return e.sess
	}
	return localSession(m.local.Root())
}

// Activate points the active context at contextID, which must be local or a
// connected session.
func (m *Manager) Activate(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contextID == LocalContextID {
		m.active = LocalContextID
		return nil
	}
	e, ok := m.sessions[contextID]
	if !ok || e.sess.Status != StatusConnected {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, contextID)
	}
	m.active = contextID
	return nil
}

// Active returns the active context id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Sessions returns the local context followed by remote sessions ordered by
// name then id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions)+1)
	for _, e := range m.sessions {
		out = append(out, e.sess)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ContextID < out[j].ContextID
	})
	return append([]Session{localSession(m.local.Root())}, out...)
}

// Backend returns the backend behind contextID ("" means active). Sessions
// that are not connected yield ErrSessionNotFound, or a *ConnectionError
// carrying the recorded failure.
func (m *Manager) Backend(contextID string) (backend.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contextID == "" {
		contextID = m.active
	}
	if contextID == LocalContextID {
		return m.local, nil
	}
	e, ok := m.sessions[contextID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, contextID)
	}
	switch e.sess.Status {
	case StatusConnected:
		return e.link, nil
	case StatusError:
		return nil, &ConnectionError{ContextID: contextID, Host: e.sess.Host, Err: errors.New(e.sess.Error)}
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotFound, contextID, e.sess.Status)
	}
}

// Close disconnects every remote session.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) connectedLocked() int {
	n := 0
	for _, e := range m.sessions {
		if e.sess.Status == StatusConnected {
			n++
		}
	}
	return n
}
