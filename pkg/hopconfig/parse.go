// Package hopconfig reads, validates and writes the hop config: an OpenSSH
// client config dialect with one vendor directive, IcotesAuth, naming the
// authentication method.
//
//	Host box1
//	  HostName example.com
//	  User deploy
//	  Port 2222
//	  IdentityFile ~/.icotes/ssh/keys/3f2a...
//	  IcotesAuth privateKey
package hopconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Auth methods accepted by IcotesAuth.
const (
	AuthPassword   = "password"
	AuthPrivateKey = "privateKey"
	AuthAgent      = "agent"
)

// LocalHost is the reserved alias of the local context.
const LocalHost = "local"

// Entry is one Host block, in file order.
type Entry struct {
	// Host is the alias. Empty for directives that precede any Host line.
	Host string

	HostName     string
	User         string
	Port         string // raw; range-checked by Validate
	IdentityFile string
	IcotesAuth   string

	// Extra holds directives this package does not interpret, in order.
	Extra []Directive

	// Pattern marks a block whose Host line holds wildcard or negated
	// patterns; Host keeps them verbatim. Pattern blocks are written back by
	// Render but are not hops: Validate and Effective skip them.
	Pattern bool

	// Line is the 1-based line of the Host directive.
	Line int
}

// Directive is a preserved, uninterpreted Key/Value line.
type Directive struct {
	Key   string
	Value string
	Line  int
}

// ParseError reports malformed config text. It is fatal to parsing that file.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ParseFile parses the config at path.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hop config %s: %w", path, err)
	}
	defer f.Close()
	entries, err := Parse(f)
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Path = path
	}
	return entries, err
}

// ParseString is Parse over an in-memory document.
func ParseString(text string) ([]Entry, error) {
	return Parse(strings.NewReader(text))
}

// Parse reads config text and returns its entries in file order.
// A Host line naming several aliases yields one entry per literal alias;
// wildcard patterns are skipped together with their directives.
func Parse(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var (
		out    []Entry
		block  *hostBlock
		global *hostBlock // directives before the first Host line
		lineNo int
	)
	flush := func() {
		if global != nil {
			out = append(out, global.entries()...)
			global = nil
		}
		if block != nil {
			out = append(out, block.entries()...)
			block = nil
		}
	}

	for sc.Scan() {
		lineNo++
		line, err := stripComment(sc.Text())
		if err != nil {
			return nil, &ParseError{Line: lineNo, Msg: err.Error()}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := splitKeyVal(line)
		if !ok {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("directive %q has no value", line)}
		}
		val = unquote(val)

		switch strings.ToLower(key) {
		case "host":
			flush()
			patterns := strings.Fields(val)
			if len(patterns) == 0 {
				return nil, &ParseError{Line: lineNo, Msg: "Host requires an alias"}
			}
			block = &hostBlock{patterns: patterns, line: lineNo}
		case "match":
			return nil, &ParseError{Line: lineNo, Msg: "Match blocks are not supported"}
		default:
			target := block
			if target == nil {
				if global == nil {
					global = &hostBlock{global: true, line: lineNo}
				}
				target = global
			}
			target.set(key, val, lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan hop config: %w", err)
	}
	flush()
	return out, nil
}

type hostBlock struct {
	patterns []string
	global   bool
	line     int
	e        Entry
}

func (hb *hostBlock) set(key, val string, line int) {
	switch strings.ToLower(key) {
	case "hostname":
		hb.e.HostName = val
	case "user":
		hb.e.User = val
	case "port":
		hb.e.Port = val
	case "identityfile":
		hb.e.IdentityFile = val
	case "icotesauth":
		hb.e.IcotesAuth = val
	default:
		hb.e.Extra = append(hb.e.Extra, Directive{Key: key, Value: val, Line: line})
	}
}

func (hb *hostBlock) entries() []Entry {
	if hb.global {
		e := hb.e
		e.Line = hb.line
		return []Entry{e}
	}
	out := make([]Entry, 0, len(hb.patterns))
	var wild []string
	for _, p := range hb.patterns {
		if !isLiteralHostPattern(p) {
			wild = append(wild, p)
			continue
		}
		out = append(out, hb.entry(p, false))
	}
	if len(wild) > 0 {
		out = append(out, hb.entry(strings.Join(wild, " "), true))
	}
	return out
}

func (hb *hostBlock) entry(host string, pattern bool) Entry {
	e := hb.e
	e.Host = host
	e.Pattern = pattern
	e.Line = hb.line
	e.Extra = append([]Directive(nil), hb.e.Extra...)
	return e
}

// stripComment removes a trailing # comment that is not inside quotes and
// fails on an unterminated quote.
func stripComment(s string) (string, error) {
	var b strings.Builder
	inSingle, inDouble := false, false
	for _, r := range s {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return b.String(), nil
			}
		}
		b.WriteRune(r)
	}
	if inSingle || inDouble {
		return "", errors.New("unterminated quote")
	}
	return b.String(), nil
}

// splitKeyVal accepts "Key Value" and "Key=Value".
func splitKeyVal(line string) (key, val string, ok bool) {
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	rest := strings.TrimSpace(line[i:])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "="))
	if key == "" || rest == "" {
		return "", "", false
	}
	return key, rest, true
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func isLiteralHostPattern(p string) bool {
	if p == "" || strings.HasPrefix(p, "!") {
		return false
	}
	return !strings.ContainsAny(p, "*?[]")
}
