package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"icotes-hop/pkg/hopconfig"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	return Open(filepath.Join(dir, "ssh", "credentials.json"), filepath.Join(dir, "ssh", "keys"), opts...)
}

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block)
}

func TestStore_CreateGetDefaults(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	c, err := s.Create(Fields{Name: "box1", Host: "example.com", Username: "u"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" || c.Port != DefaultPort || c.AuthMethod != AuthPassword {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if !c.CreatedAt.Equal(fixed) || !c.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamps, got %+v", c)
	}
	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != c.ID || got.Name != c.Name || got.Host != c.Host || !got.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("Get mismatch:\n got %+v\nwant %+v", got, c)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	for _, f := range []Fields{
		{Username: "u"},
		{Host: "h"},
		{Host: "h", Username: "u", Port: 70000},
		{Host: "h", Username: "u", AuthMethod: "kerberos"},
		{Name: "local", Host: "h", Username: "u"},
	} {
		if _, err := s.Create(f); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Create(%+v): expected ErrInvalidCredential, got %v", f, err)
		}
	}
	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("nothing should have been stored, got %v", all)
	}
}

func TestStore_SecretsNeverPersisted(t *testing.T) {
	vault := NewMemoryVault()
	s := newTestStore(t, WithVault(vault))

	c, err := s.Create(Fields{Host: "h", Username: "u", Password: "hunter2", Passphrase: "open-sesame"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "hunter2") || strings.Contains(string(raw), "open-sesame") {
		t.Fatalf("secret leaked to disk: %s", raw)
	}
	if strings.Contains(string(raw), `"password":`) || strings.Contains(string(raw), `"passphrase":`) {
		t.Fatalf("secret keys present on disk: %s", raw)
	}
	if got, _ := vault.Secret(context.Background(), c.ID, SecretPassword); got != "hunter2" {
		t.Fatalf("vault should hold the password, got %q", got)
	}

	fi, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("expected credentials file 0600, got %o", fi.Mode().Perm())
	}
}

func TestStore_HandWrittenSecretIsDroppedOnRewrite(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o700); err != nil {
		t.Fatal(err)
	}
	doc := `[{"id":"abc","name":"old","host":"h","port":22,"username":"u","authMethod":"password","password":"leak"}]`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	name := "new"
	if _, err := s.Update("abc", Patch{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "leak") {
		t.Fatalf("stray password survived rewrite: %s", raw)
	}
}

func TestStore_UpdateKeepsID(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create(Fields{Host: "h", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	port := 2222
	host := "other"
	up, err := s.Update(c.ID, Patch{Port: &port, Host: &host})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if up.ID != c.ID || up.Port != 2222 || up.Host != "other" || up.Username != "u" {
		t.Fatalf("unexpected update result: %+v", up)
	}
	bad := -1
	if _, err := s.Update(c.ID, Patch{Port: &bad}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, err := s.Update("missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteUnknownReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Delete("missing")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStore_PrivateKeyLifecycle(t *testing.T) {
	vault := NewMemoryVault()
	s := newTestStore(t, WithVault(vault))

	keyID, err := s.StorePrivateKey(testKeyPEM(t))
	if err != nil {
		t.Fatalf("StorePrivateKey: %v", err)
	}
	path, err := s.KeyPath(keyID)
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("expected key 0600, got %o", fi.Mode().Perm())
	}
	if got := s.ResolveIdentityFile(KeyRef(keyID)); got != path {
		t.Fatalf("ResolveIdentityFile(%q) = %q, want %q", KeyRef(keyID), got, path)
	}

	c, err := s.Create(Fields{Host: "h", Username: "u", AuthMethod: "privatekey", IdentityFile: KeyRef(keyID), Passphrase: "pp"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.AuthMethod != AuthPrivateKey {
		t.Fatalf("auth method not normalised: %q", c.AuthMethod)
	}

	ok, err := s.Delete(c.ID)
	if err != nil || !ok {
		t.Fatalf("Delete: (%v, %v)", ok, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected key file removed, stat err = %v", err)
	}
	if _, err := vault.Secret(context.Background(), c.ID, SecretPassphrase); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected vault entry forgotten, got %v", err)
	}
}

func TestStore_SharedKeySurvivesDelete(t *testing.T) {
	s := newTestStore(t)
	keyID, err := s.StorePrivateKey(testKeyPEM(t))
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Create(Fields{Host: "a", Username: "u", AuthMethod: AuthPrivateKey, IdentityFile: KeyRef(keyID)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(Fields{Host: "b", Username: "u", AuthMethod: AuthPrivateKey, IdentityFile: KeyRef(keyID)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(a.ID); err != nil {
		t.Fatal(err)
	}
	path, _ := s.KeyPath(keyID)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("key still referenced by b should remain: %v", err)
	}
}

func TestStore_StorePrivateKeyRejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StorePrivateKey([]byte("not a key")); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, err := s.KeyPath("../escape"); err == nil {
		t.Fatalf("expected KeyPath to refuse traversal")
	}
}

func TestStore_LookupByIDOrName(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create(Fields{Name: "box1", Host: "h", Username: "u"})
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{c.ID, "box1"} {
		got, err := s.Lookup(ref)
		if err != nil || got.ID != c.ID {
			t.Fatalf("Lookup(%q) = %+v, %v", ref, got, err)
		}
	}
	if _, err := s.Create(Fields{Name: "box1", Host: "h2", Username: "u"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup("box1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
}

func TestStore_ImportExportConfig(t *testing.T) {
	s := newTestStore(t)
	entries, err := hopconfig.ParseString(`
Host box1
  HostName example.com
  User u
  Port 2222
  IcotesAuth password
Host local
  IcotesAuth agent
`)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.ImportConfig(entries)
	if err != nil {
		t.Fatalf("ImportConfig: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].Name != "box1" || res.Created[0].Port != 2222 {
		t.Fatalf("unexpected import result: %+v", res)
	}
	if _, ok := res.Skipped["local"]; !ok {
		t.Fatalf("expected local to be skipped, got %v", res.Skipped)
	}

	entries[0].HostName = "moved.example.com"
	res, err = s.ImportConfig(entries)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(res.Created) != 0 || len(res.Updated) != 1 || res.Updated[0].Host != "moved.example.com" {
		t.Fatalf("expected upsert by name, got %+v", res)
	}

	out, err := s.ExportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Host != "box1" || out[0].Port != "2222" || out[0].IcotesAuth != AuthPassword {
		t.Fatalf("unexpected export: %+v", out)
	}
	v, err := s.Validate()
	if err != nil || !v.Valid() {
		t.Fatalf("stored credentials should validate: %v %v", v.Errors, err)
	}
}

func TestStore_ImportRejectsInvalidConfig(t *testing.T) {
	s := newTestStore(t)
	entries, err := hopconfig.ParseString("Host bad\n  IcotesAuth kerberos\n")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.ImportConfig(entries)
	var ie *ImportError
	if !errors.As(err, &ie) || len(ie.Result.Errors) == 0 {
		t.Fatalf("expected *ImportError with validation errors, got %v", err)
	}
}

func TestChainVault_FallsThrough(t *testing.T) {
	ctx := context.Background()
	empty, full := NewMemoryVault(), NewMemoryVault()
	if err := full.Put(ctx, "id", SecretPassword, "pw"); err != nil {
		t.Fatal(err)
	}
	chain := ChainVault{empty, full}
	got, err := chain.Secret(ctx, "id", SecretPassword)
	if err != nil || got != "pw" {
		t.Fatalf("Secret = %q, %v", got, err)
	}
	if _, err := chain.Secret(ctx, "id", SecretPassphrase); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
	if err := chain.Forget(ctx, "id"); err != nil {
		t.Fatal(err)
	}
	if _, err := full.Secret(ctx, "id", SecretPassword); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected Forget to reach every vault, got %v", err)
	}
}
