package hop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/credentials"
)

// stubLink is a connected hop backed by a local directory.
type stubLink struct {
	*backend.Local
	id      string
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	started chan struct{}
}

func newStubLink(t *testing.T, id string) *stubLink {
	return &stubLink{
		Local:   backend.NewLocal(t.TempDir()),
		id:      id,
		done:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
}

func (l *stubLink) ContextID() string     { return l.id }
func (l *stubLink) Done() <-chan struct{} { return l.done }

func (l *stubLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *stubLink) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

func (l *stubLink) Close() error {
	l.fail(backend.ErrClosed)
	return nil
}

// ReadFile blocks until the link closes, like a request stuck on a dead wire.
func (l *stubLink) ReadFile(ctx context.Context, path string) ([]byte, error) {
	select {
	case l.started <- struct{}{}:
	default:
	}
	<-l.done
	return nil, &backend.ConnectionError{ContextID: l.id, Op: "read", Err: l.Err()}
}

type stubDialer struct {
	calls atomic.Int32
	dial  func(ctx context.Context, cred credentials.Credential) (Link, error)
}

func (d *stubDialer) Dial(ctx context.Context, cred credentials.Credential) (Link, error) {
	d.calls.Add(1)
	return d.dial(ctx, cred)
}

func newTestStore(t *testing.T) *credentials.Store {
	dir := t.TempDir()
	return credentials.Open(filepath.Join(dir, "credentials.json"), filepath.Join(dir, "keys"))
}

func box1(t *testing.T, store *credentials.Store) credentials.Credential {
	c, err := store.Create(credentials.Fields{Name: "box1", Host: "example.com", Port: 22, Username: "u", AuthMethod: "password"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	return c
}

func TestManager_UnreachableHostLeavesLocalUnaffected(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	dialer := &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) {
		return nil, errors.New("dial tcp example.com:22: network is unreachable")
	}}
	m := NewManager(store, dialer, WithLocal(backend.NewLocal(t.TempDir())))

	sess, err := m.Connect(context.Background(), cred.ID)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StatusError, sess.Status)
	assert.Contains(t, sess.Error, "unreachable")

	st := m.Status(cred.ID)
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "box1", st.Name)

	assert.Equal(t, LocalContextID, m.Active())
	assert.True(t, m.Status("").IsLocal())
	b, err := m.Backend("")
	require.NoError(t, err)
	assert.Equal(t, LocalContextID, b.ContextID())

	require.NoError(t, m.Disconnect(""))
	assert.Equal(t, LocalContextID, m.Active())

	require.NoError(t, m.Disconnect(cred.ID))
	assert.True(t, m.Status(cred.ID).IsLocal(), "removed session should report the local default")
}

func TestManager_ConnectUnknownCredential(t *testing.T) {
	m := NewManager(newTestStore(t), &stubDialer{})
	_, err := m.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestManager_ConnectActivatesAndReuses(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	link := newStubLink(t, cred.ID)
	dialer := &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) { return link, nil }}
	m := NewManager(store, dialer)

	sess, err := m.Connect(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	assert.Equal(t, cred.ID, sess.ContextID)
	assert.Equal(t, link.Root(), sess.Cwd)
	assert.Equal(t, "example.com", sess.Host)
	assert.Equal(t, cred.ID, m.Active())

	require.NoError(t, m.Activate(LocalContextID))
	again, err := m.Connect(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ConnectedAt, again.ConnectedAt)
	assert.EqualValues(t, 1, dialer.calls.Load())
	assert.Equal(t, cred.ID, m.Active())

	names := []string{}
	for _, s := range m.Sessions() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"local", "box1"}, names)
}

func TestManager_ConcurrentConnectDialsOnce(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	release := make(chan struct{})
	dialer := &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) {
		<-release
		return newStubLink(t, cred.ID), nil
	}}
	m := NewManager(store, dialer)

	var wg sync.WaitGroup
	results := make([]Session, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Connect(context.Background(), cred.ID)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	require.Eventually(t, func() bool { return m.Status(cred.ID).Status == StatusConnecting }, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, dialer.calls.Load())
	for _, s := range results {
		assert.Equal(t, StatusConnected, s.Status)
	}
}

func TestManager_AbandonedConnectStillResolves(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	dialer := &stubDialer{dial: func(ctx context.Context, _ credentials.Credential) (Link, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}}
	m := NewManager(store, dialer, WithConnectTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Connect(ctx, cred.ID)
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool { return m.Status(cred.ID).Status == StatusError }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.Status(cred.ID).Error, "deadline exceeded")
}

func TestManager_CancelledConnectReportsTheHop(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	release := make(chan struct{})
	dialer := &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) {
		<-release
		return newStubLink(t, cred.ID), nil
	}}
	m := NewManager(store, dialer)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess, err := m.Connect(ctx, cred.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, cred.ID, sess.ContextID)
	assert.Equal(t, cred.ID, sess.CredentialID)
	assert.Equal(t, "box1", sess.Name)
	assert.Equal(t, StatusConnecting, sess.Status)
	assert.False(t, sess.IsLocal())

	close(release)
	require.Eventually(t, func() bool { return m.Status(cred.ID).Status == StatusConnected }, 5*time.Second, 5*time.Millisecond)
}

func TestManager_SessionsRunIndependently(t *testing.T) {
	store := newTestStore(t)
	slow := box1(t, store)
	fast, err := store.Create(credentials.Fields{Name: "box2", Host: "example.org", Username: "u"})
	require.NoError(t, err)

	slowLink := newStubLink(t, slow.ID)
	fastLink := newStubLink(t, fast.ID)
	release := make(chan struct{})
	dialer := &stubDialer{dial: func(_ context.Context, c credentials.Credential) (Link, error) {
		if c.ID == slow.ID {
			<-release
			return slowLink, nil
		}
		return fastLink, nil
	}}
	m := NewManager(store, dialer)
	defer m.Close()

	// A connect stuck on one hop does not hold up another.
	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), slow.ID)
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return m.Status(slow.ID).Status == StatusConnecting }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := m.Connect(ctx, fast.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	close(release)
	require.NoError(t, <-slowDone)

	// Nor does an operation stuck on one session.
	slowB, err := m.Backend(slow.ID)
	require.NoError(t, err)
	stuck := make(chan error, 1)
	go func() {
		_, err := slowB.ReadFile(context.Background(), "x")
		stuck <- err
	}()
	<-slowLink.started

	fastB, err := m.Backend(fast.ID)
	require.NoError(t, err)
	require.NoError(t, fastB.WriteFile(ctx, "f.txt", []byte("ok"), 0o600))
	fi, err := fastB.Stat(ctx, "f.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fi.Size)

	select {
	case err := <-stuck:
		t.Fatalf("blocked operation returned early: %v", err)
	default:
	}
	require.NoError(t, m.Disconnect(slow.ID))
	var ce *backend.ConnectionError
	assert.ErrorAs(t, <-stuck, &ce)
}

func TestManager_DisconnectFailsInFlightOperations(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	link := newStubLink(t, cred.ID)
	m := NewManager(store, &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) { return link, nil }})
	_, err := m.Connect(context.Background(), cred.ID)
	require.NoError(t, err)

	b, err := m.Backend(cred.ID)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := b.ReadFile(context.Background(), "x")
		errc <- err
	}()
	<-link.started

	require.NoError(t, m.Disconnect(""))
	assert.Equal(t, LocalContextID, m.Active())

	select {
	case err := <-errc:
		var ce *backend.ConnectionError
		assert.ErrorAs(t, err, &ce)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight operation hung after disconnect")
	}
	_, err = m.Backend(cred.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_LinkLossMovesSessionToError(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	link := newStubLink(t, cred.ID)
	m := NewManager(store, &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) { return link, nil }})
	_, err := m.Connect(context.Background(), cred.ID)
	require.NoError(t, err)

	link.fail(errors.New("keepalive timed out"))
	require.Eventually(t, func() bool { return m.Status(cred.ID).Status == StatusError }, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, m.Status(cred.ID).Error, "keepalive timed out")

	_, err = m.Backend(cred.ID)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.Error(t, m.Activate(cred.ID))
}

func TestManager_DisconnectDuringConnectDiscardsLink(t *testing.T) {
	store := newTestStore(t)
	cred := box1(t, store)
	link := newStubLink(t, cred.ID)
	release := make(chan struct{})
	m := NewManager(store, &stubDialer{dial: func(context.Context, credentials.Credential) (Link, error) {
		<-release
		return link, nil
	}})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), cred.ID)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.Status(cred.ID).Status == StatusConnecting }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Disconnect(cred.ID))
	close(release)

	var ce *ConnectionError
	require.ErrorAs(t, <-errc, &ce)
	select {
	case <-link.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("late link was not closed")
	}
	assert.Equal(t, LocalContextID, m.Active())
	assert.True(t, m.Status(cred.ID).IsLocal())
}

func TestManager_ActivateRequiresConnectedSession(t *testing.T) {
	m := NewManager(newTestStore(t), &stubDialer{})
	assert.ErrorIs(t, m.Activate("missing"), ErrSessionNotFound)
	assert.NoError(t, m.Activate(LocalContextID))
	assert.NoError(t, m.Disconnect(LocalContextID))
	assert.NoError(t, m.Disconnect("never-seen"))
}
