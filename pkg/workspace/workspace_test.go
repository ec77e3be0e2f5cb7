package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiscover_EnvWins(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvRoot, root)
	t.Setenv(EnvRootFallback, "/nonexistent")

	l, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if l.Root != root {
		t.Fatalf("expected root %q, got %q", root, l.Root)
	}
	if got, want := l.KeysDir(), filepath.Join(root, ".icotes", "ssh", "keys"); got != want {
		t.Fatalf("KeysDir = %q, want %q", got, want)
	}
}

func TestDiscoverFrom_WalksUpToMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, DirName), 0o700); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	l := DiscoverFrom(nested)
	if l.Root != root {
		t.Fatalf("expected discovered root %q, got %q", root, l.Root)
	}
}

func TestDiscoverFrom_NoMarkerUsesStart(t *testing.T) {
	start := t.TempDir()
	l := DiscoverFrom(start)
	if l.Root != start {
		t.Fatalf("expected %q, got %q", start, l.Root)
	}
}

func TestEnsure_CreatesPrivateDirs(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, d := range []string{l.SSHDir(), l.KeysDir(), l.HopDir()} {
		fi, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if fi.Mode().Perm() != 0o700 {
			t.Fatalf("%s: expected 0700, got %o", d, fi.Mode().Perm())
		}
	}
}

func TestLoadSettings_MissingFileDefaults(t *testing.T) {
	st, err := LoadSettings(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if st.ConnectTimeout.Std() != DefaultConnectTimeout {
		t.Fatalf("expected default connect timeout, got %s", st.ConnectTimeout.Std())
	}
}

func TestLoadSettings_YAMLAndEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "settings.yaml")
	body := "connect_timeout: 3s\nkeepalive_interval: 1m\nlog_level: debug\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := LoadSettings(p)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if st.ConnectTimeout.Std() != 3*time.Second || st.KeepAliveInterval.Std() != time.Minute {
		t.Fatalf("unexpected durations: %s %s", st.ConnectTimeout.Std(), st.KeepAliveInterval.Std())
	}

	t.Setenv(EnvConnectTimeout, "500ms")
	st, err = LoadSettings(p)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if st.ConnectTimeout.Std() != 500*time.Millisecond {
		t.Fatalf("expected env override, got %s", st.ConnectTimeout.Std())
	}
}

func TestLoadSettings_RejectsStrictWithoutKnownHosts(t *testing.T) {
	p := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(p, []byte("strict_host_key_checking: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(p); err == nil {
		t.Fatalf("expected validation error")
	}
}
