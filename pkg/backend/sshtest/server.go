// Package sshtest runs an in-process SSH server with an SFTP subsystem for
// tests that need a real hop without touching the network.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config controls which clients the server accepts.
type Config struct {
	User     string
	Password string
	// AuthorizedKeys are accepted for public key auth.
	AuthorizedKeys []ssh.PublicKey
	// Root is the SFTP working directory.
	Root string
}

// Server is a listening test server. It is closed by the test cleanup.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	cfg  Config
	ln   net.Listener
	conf *ssh.ServerConfig

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Start listens on a loopback port and serves until the test ends.
func Start(tb testing.TB, cfg Config) *Server {
	tb.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("sshtest: host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		tb.Fatalf("sshtest: signer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("sshtest: listen: %v", err)
	}
	s := &Server{
		Addr:    ln.Addr().String(),
		HostKey: signer.PublicKey(),
		cfg:     cfg,
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
	}
	s.conf = s.serverConfig()
	s.conf.AddHostKey(signer)

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Host and Port split Addr.
func (s *Server) Host() string {
	h, _, _ := net.SplitHostPort(s.Addr)
	return h
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(p)
	return n
}

// KnownHostsLine renders the host key as one known_hosts line.
func (s *Server) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Addr)}, s.HostKey) + "\n"
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	userOK := func(u string) bool { return s.cfg.User == "" || u == s.cfg.User }
	conf := &ssh.ServerConfig{}
	if s.cfg.Password != "" {
		check := func(u, pw string) bool {
			return userOK(u) && subtle.ConstantTimeCompare([]byte(pw), []byte(s.cfg.Password)) == 1
		}
		conf.PasswordCallback = func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if check(c.User(), string(pw)) {
				return nil, nil
			}
			return nil, errors.New("bad password")
		}
		conf.KeyboardInteractiveCallback = func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			ans, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(ans) == 1 && check(c.User(), ans[0]) {
				return nil, nil
			}
			return nil, errors.New("bad password")
		}
	}
	if len(s.cfg.AuthorizedKeys) > 0 {
		conf.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !userOK(c.User()) {
				return nil, errors.New("unknown user")
			}
			for _, k := range s.cfg.AuthorizedKeys {
				if subtle.ConstantTimeCompare(k.Marshal(), key.Marshal()) == 1 {
					return nil, nil
				}
			}
			return nil, errors.New("unknown key")
		}
	}
	return conf
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(nc)
			s.handle(nc)
		}()
	}
}

func (s *Server) forget(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
	_ = nc.Close()
}

func (s *Server) handle(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.conf)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, creqs)
	}
}

func (s *Server) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "subsystem" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var msg struct{ Name string }
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(reqs)

		var opts []sftp.ServerOption
		if s.cfg.Root != "" {
			opts = append(opts, sftp.WithServerWorkingDirectory(s.cfg.Root))
		}
		srv, err := sftp.NewServer(ch, opts...)
		if err != nil {
			return
		}
		_ = srv.Serve()
		_ = srv.Close()
		return
	}
}

// DropConnections closes every open client connection, as a network failure
// would. The listener keeps accepting.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		_ = nc.Close()
	}
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}
