package hop

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/backend/sshtest"
	"icotes-hop/pkg/credentials"
)

func newPubKeyLine(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

func TestInstallAuthorizedKey_EnsureIsIdempotent(t *testing.T) {
	home := t.TempDir()
	fsys := backend.NewLocal(t.TempDir())
	ctx := context.Background()
	key := newPubKeyLine(t, "dev@laptop")

	changed, err := InstallAuthorizedKey(ctx, fsys, home, key, KeyInstallEnsure)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = InstallAuthorizedKey(ctx, fsys, home, key, "")
	require.NoError(t, err)
	assert.False(t, changed, "same key must not be added twice")

	other := newPubKeyLine(t, "ci")
	changed, err = InstallAuthorizedKey(ctx, fsys, home, other, KeyInstallEnsure)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, key+"\n"+other+"\n", string(data))
}

func TestInstallAuthorizedKey_ReplaceKeepsBackup(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0o700))
	old := newPubKeyLine(t, "old")
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ssh", "authorized_keys"), []byte("# keys\n"+old), 0o600))

	key := newPubKeyLine(t, "new")
	changed, err := InstallAuthorizedKey(context.Background(), backend.NewLocal(home), home, key, KeyInstallReplace)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, key+"\n", string(data))
	bak, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys.bak"))
	require.NoError(t, err)
	assert.Contains(t, string(bak), old)
}

func TestInstallAuthorizedKey_RejectsGarbage(t *testing.T) {
	_, err := InstallAuthorizedKey(context.Background(), backend.NewLocal(t.TempDir()), t.TempDir(), "not a key", KeyInstallEnsure)
	require.Error(t, err)
	_, err = InstallAuthorizedKey(context.Background(), backend.NewLocal(t.TempDir()), t.TempDir(), newPubKeyLine(t, "x"), "append")
	require.Error(t, err)
}

func TestInstallAuthorizedKey_OverHop(t *testing.T) {
	root := t.TempDir()
	srv := sshtest.Start(t, sshtest.Config{User: "u", Password: "pw", Root: root})
	vault := credentials.NewMemoryVault()
	cred := sshCred(srv, credentials.AuthPassword)
	require.NoError(t, vault.Put(context.Background(), cred.ID, credentials.SecretPassword, "pw"))

	link, err := (&SSHDialer{Vault: vault}).Dial(context.Background(), cred)
	require.NoError(t, err)
	defer link.Close()

	home, err := HomeDir(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(root), home)

	key := newPubKeyLine(t, "dev@laptop")
	changed, err := InstallAuthorizedKey(context.Background(), link, home, key, KeyInstallEnsure)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(root, ".ssh", "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, key+"\n", string(data))
}

func TestDetectPublicKeys_PreferredFirst(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"zz.pub", "id_rsa.pub", "aa.pub", "id_ed25519.pub", "id_rsa"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o600))
	}
	got := DetectPublicKeys(dir)
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"id_ed25519.pub", "id_rsa.pub", "aa.pub", "zz.pub"}, names)
}
