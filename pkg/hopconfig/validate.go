package hopconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WorkspaceKeyPrefix marks IdentityFile values that live in the workspace key
// directory. Such values are resolved against keysDir by file name.
const WorkspaceKeyPrefix = "~/.icotes/ssh/keys/"

// Issue is one validation finding.
type Issue struct {
	// Entry is the index of the offending entry in the validated slice.
	Entry   int
	Host    string
	Field   string
	Message string
}

func (i Issue) String() string {
	host := i.Host
	if host == "" {
		host = "<no host>"
	}
	if i.Field == "" {
		return fmt.Sprintf("entry %d (%s): %s", i.Entry, host, i.Message)
	}
	return fmt.Sprintf("entry %d (%s) %s: %s", i.Entry, host, i.Field, i.Message)
}

// Result carries errors and warnings in entry order.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

// Valid reports whether no errors were found.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Report is the outcome of validating a file on disk.
type Report struct {
	Path    string
	Entries []Entry
	Result
}

// Validate checks entries against structural and security rules. It has no
// side effects beyond stat calls on IdentityFile targets and never fails:
// every problem is returned as data.
func Validate(entries []Entry, keysDir string) Result {
	var res Result
	firstByHost := make(map[string]int, len(entries))

	for i, e := range entries {
		if e.Pattern {
			continue
		}
		errf := func(field, format string, args ...any) {
			res.Errors = append(res.Errors, Issue{Entry: i, Host: e.Host, Field: field, Message: fmt.Sprintf(format, args...)})
		}
		warnf := func(field, format string, args ...any) {
			res.Warnings = append(res.Warnings, Issue{Entry: i, Host: e.Host, Field: field, Message: fmt.Sprintf(format, args...)})
		}

		host := strings.TrimSpace(e.Host)
		if host == "" {
			errf("Host", "missing Host")
		} else if first, dup := firstByHost[host]; dup {
			warnf("Host", "duplicate Host %q (first defined in entry %d); this later entry takes effect", host, first)
		} else {
			firstByHost[host] = i
		}

		if strings.TrimSpace(e.HostName) == "" {
			warnf("HostName", "missing HostName; alias %q is used as the hostname", host)
		}
		if strings.TrimSpace(e.User) == "" {
			warnf("User", "missing User")
		}

		auth := strings.TrimSpace(e.IcotesAuth)
		if auth == "" {
			if host != LocalHost {
				warnf("IcotesAuth", "missing IcotesAuth; defaulting to %s", AuthPassword)
			}
		} else if norm, ok := NormalizeAuth(auth); !ok {
			errf("IcotesAuth", "unsupported auth method %q (want %s, %s or %s)", auth, AuthPassword, AuthPrivateKey, AuthAgent)
		} else if norm == AuthPrivateKey && strings.TrimSpace(e.IdentityFile) == "" {
			errf("IdentityFile", "IcotesAuth privateKey requires IdentityFile")
		}

		if p := strings.TrimSpace(e.Port); p != "" {
			if _, err := ParsePort(p); err != nil {
				errf("Port", "%v", err)
			}
		}

		if id := strings.TrimSpace(e.IdentityFile); id != "" {
			resolved := ResolveIdentityFile(id, keysDir)
			if _, err := os.Stat(resolved); err != nil {
				errf("IdentityFile", "identity file %q not found (resolved to %s)", id, resolved)
			}
			if !filepath.IsAbs(id) && !strings.HasPrefix(id, "~") {
				warnf("IdentityFile", "relative IdentityFile %q works here but other SSH tools resolve it differently; prefer an absolute or ~/ path", id)
			}
		}
	}
	return res
}

// ValidateFile parses and validates the config at path and warns when the
// file is readable by anyone but its owner.
func ValidateFile(path, keysDir string) (Report, error) {
	entries, err := ParseFile(path)
	if err != nil {
		return Report{Path: path}, err
	}
	rep := Report{Path: path, Entries: entries, Result: Validate(entries, keysDir)}
	if fi, err := os.Stat(path); err == nil {
		if perm := fi.Mode().Perm(); perm != 0o600 {
			rep.Warnings = append(rep.Warnings, Issue{
				Entry:   -1,
				Field:   "permissions",
				Message: fmt.Sprintf("%s has mode %04o; expected 0600", path, perm),
			})
		}
	}
	return rep, nil
}

// NormalizeAuth maps an IcotesAuth value to its canonical spelling.
func NormalizeAuth(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "password":
		return AuthPassword, true
	case "privatekey":
		return AuthPrivateKey, true
	case "agent":
		return AuthAgent, true
	default:
		return "", false
	}
}

// ParsePort parses a port number in [1, 65535].
func ParsePort(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", n)
	}
	return n, nil
}

// ResolveIdentityFile maps an IdentityFile value to a filesystem path:
//   - under the workspace key prefix: keysDir/<basename>
//   - absolute: as-is
//   - ~ or ~/...: the user's home directory
//   - anything else: relative to keysDir
func ResolveIdentityFile(value, keysDir string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if IsWorkspaceKeyRef(v) {
		return filepath.Join(keysDir, filepath.Base(v))
	}
	if filepath.IsAbs(v) {
		return filepath.Clean(v)
	}
	if v == "~" || strings.HasPrefix(v, "~/") {
		if h, err := os.UserHomeDir(); err == nil && h != "" {
			return filepath.Join(h, strings.TrimPrefix(v, "~"))
		}
	}
	return filepath.Join(keysDir, v)
}

// IsWorkspaceKeyRef reports whether v points into the workspace key
// directory: "~/.icotes/ssh/keys/<id>" or the same path relative to the
// workspace root. Absolute paths are never rewritten.
func IsWorkspaceKeyRef(v string) bool {
	s := filepath.ToSlash(strings.TrimSpace(v))
	rel := strings.TrimPrefix(WorkspaceKeyPrefix, "~/")
	return strings.HasPrefix(s, WorkspaceKeyPrefix) ||
		strings.HasPrefix(s, rel) ||
		strings.HasPrefix(s, "./"+rel)
}
