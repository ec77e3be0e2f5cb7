package hopconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Render writes entries back as config text using canonical key casing.
// Empty fields are omitted; preserved directives follow the known ones.
func Render(entries []Entry) string {
	var lines []string
	for i, e := range entries {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, renderEntryLines(e, "  ")...)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func renderEntryLines(e Entry, indent string) []string {
	var out []string
	if e.Host != "" {
		out = append(out, "Host "+e.Host)
	} else {
		indent = ""
	}
	add := func(key, val string) {
		val = strings.TrimSpace(val)
		if val == "" {
			return
		}
		if strings.ContainsAny(val, " \t#") {
			val = `"` + val + `"`
		}
		out = append(out, indent+key+" "+val)
	}
	add("HostName", e.HostName)
	add("User", e.User)
	add("Port", e.Port)
	add("IdentityFile", e.IdentityFile)
	add("IcotesAuth", e.IcotesAuth)
	for _, d := range e.Extra {
		add(d.Key, d.Value)
	}
	return out
}

// WriteFile renders entries to path atomically with owner-only permissions.
// An existing file is copied to path.bak first (last backup wins).
func WriteFile(path string, entries []Entry) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("write hop config: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("write hop config: create dir: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", data, 0o600)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(entries)), 0o600); err != nil {
		return fmt.Errorf("write hop config tmp %s: %w", tmp, err)
	}
	// WriteFile honours umask only on create; force the mode.
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod hop config tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace hop config %s: %w", path, err)
	}
	return nil
}

// Effective collapses duplicate aliases so the last definition wins, keeping
// the position of the first occurrence. Hostless and pattern blocks are left
// out.
func Effective(entries []Entry) []Entry {
	idx := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Host == "" || e.Pattern {
			continue
		}
		if i, ok := idx[e.Host]; ok {
			out[i] = e
			continue
		}
		idx[e.Host] = len(out)
		out = append(out, e)
	}
	return out
}

// PatternBlocks returns the wildcard and negated Host blocks of entries in
// order.
func PatternBlocks(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Pattern {
			out = append(out, e)
		}
	}
	return out
}
