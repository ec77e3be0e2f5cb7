package hop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/telemetry"
)

// SSHDialer opens hop links with x/crypto/ssh and serves files over SFTP.
type SSHDialer struct {
	// Vault supplies passwords and key passphrases. May be nil for agent-only use.
	Vault credentials.Vault
	// ResolveKey maps a credential's IdentityFile to a path on disk.
	ResolveKey func(ref string) string
	// KnownHostsFile is consulted for host keys when set.
	KnownHostsFile string
	// StrictHostKeyChecking rejects hosts missing from KnownHostsFile.
	StrictHostKeyChecking bool
	// KeepAlive is the interval between keepalive probes; zero disables them.
	KeepAlive time.Duration
	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string
	Log         *log.Logger
}

func (d *SSHDialer) logger() *log.Logger {
	if d.Log != nil {
		return d.Log
	}
	return telemetry.Discard()
}

// Dial connects, authenticates, opens the SFTP subsystem and starts keepalives.
func (d *SSHDialer) Dial(ctx context.Context, cred credentials.Credential) (Link, error) {
	port := cred.Port
	if port == 0 {
		port = credentials.DefaultPort
	}
	addr := net.JoinHostPort(cred.Host, strconv.Itoa(port))

	auth, cleanup, err := d.authMethods(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	conf := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	// The handshake ignores ctx; bound it with a deadline and an abort on cancel.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	remote, err := backend.NewRemote(cred.ID, cred.DefaultPath, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if d.KeepAlive > 0 {
		go d.keepAlive(remote)
	}
	return remote, nil
}

// keepAlive probes the link until it closes, aborting it when a probe fails
// or goes unanswered for a full interval.
func (d *SSHDialer) keepAlive(r *backend.Remote) {
	t := time.NewTicker(d.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-r.Done():
			return
		case <-t.C:
		}
		res := make(chan error, 1)
		go func() { res <- r.SendKeepAlive() }()
		select {
		case <-r.Done():
			return
		case err := <-res:
			if err != nil {
				d.logger().Warn("keepalive failed", "context", r.ContextID(), "err", err)
				r.Abort(err)
				return
			}
		case <-time.After(d.KeepAlive):
			err := errors.New("keepalive timed out")
			d.logger().Warn("keepalive failed", "context", r.ContextID(), "err", err)
			r.Abort(err)
			return
		}
	}
}

func (d *SSHDialer) authMethods(ctx context.Context, cred credentials.Credential) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch cred.AuthMethod {
	case credentials.AuthPassword, "":
		if d.Vault == nil {
			return nil, noop, errors.New("password auth: no secret vault configured")
		}
		pw, err := d.Vault.Secret(ctx, cred.ID, credentials.SecretPassword)
		if err != nil {
			return nil, noop, fmt.Errorf("password auth: %w", err)
		}
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			out := make([]string, len(questions))
			for i := range out {
				out[i] = pw
			}
			return out, nil
		}
		return []ssh.AuthMethod{ssh.Password(pw), ssh.KeyboardInteractive(answer)}, noop, nil

	case credentials.AuthPrivateKey:
		signer, err := d.loadSigner(ctx, cred)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case credentials.AuthAgent:
		sock := d.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, noop, errors.New("agent auth: SSH_AUTH_SOCK is not set")
		}
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "unix", sock)
		if err != nil {
			return nil, noop, fmt.Errorf("agent auth: %w", err)
		}
		ag := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, func() { _ = conn.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported auth method %q", cred.AuthMethod)
	}
}

// SecretNeeded reports which vault secret Dial will ask for: the password for
// password auth, the passphrase for an encrypted private key. Callers that can
// prompt use it to gather the secret before the connect timeout starts.
func (d *SSHDialer) SecretNeeded(cred credentials.Credential) (credentials.SecretKind, bool) {
	switch cred.AuthMethod {
	case credentials.AuthPassword, "":
		return credentials.SecretPassword, true
	case credentials.AuthPrivateKey:
		data, err := d.readKey(cred)
		if err != nil {
			return "", false
		}
		var missing *ssh.PassphraseMissingError
		if _, err := ssh.ParsePrivateKey(data); errors.As(err, &missing) {
			return credentials.SecretPassphrase, true
		}
	}
	return "", false
}

func (d *SSHDialer) readKey(cred credentials.Credential) ([]byte, error) {
	if cred.IdentityFile == "" {
		return nil, errors.New("private key auth: no identity file")
	}
	path := cred.IdentityFile
	if d.ResolveKey != nil {
		path = d.ResolveKey(cred.IdentityFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("private key auth: %w", err)
	}
	return data, nil
}

func (d *SSHDialer) loadSigner(ctx context.Context, cred credentials.Credential) (ssh.Signer, error) {
	data, err := d.readKey(cred)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("private key auth: %w", err)
	}
	if d.Vault == nil {
		return nil, errors.New("private key auth: key is encrypted and no secret vault is configured")
	}
	pass, err := d.Vault.Secret(ctx, cred.ID, credentials.SecretPassphrase)
	if err != nil {
		return nil, fmt.Errorf("private key auth: passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(pass))
	if err != nil {
		return nil, fmt.Errorf("private key auth: %w", err)
	}
	return signer, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		if d.StrictHostKeyChecking {
			return nil, errors.New("strict host key checking requires a known_hosts file")
		}
		d.logger().Warn("host key verification disabled; set known_hosts_file to enable it")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(d.KnownHostsFile); err != nil {
		if d.StrictHostKeyChecking || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		d.logger().Warn("known_hosts file missing; accepting any host key", "path", d.KnownHostsFile)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	if d.StrictHostKeyChecking {
		return cb, nil
	}
	return func(host string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(host, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) == 0 {
			d.logger().Warn("unknown host key accepted", "host", host, "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}
		return err
	}, nil
}
