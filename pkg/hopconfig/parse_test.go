package hopconfig

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_BasicBlocksInFileOrder(t *testing.T) {
	text := `
# workspace hops
Host box1
  HostName example.com
  User u
  Port 2222
  IcotesAuth password   # trailing comment

Host box2
  HostName=10.0.0.2
  User=root
  ForwardAgent yes
  IcotesAuth agent
`
	entries, err := ParseString(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Host != "box1" || entries[1].Host != "box2" {
		t.Fatalf("unexpected order: %q, %q", entries[0].Host, entries[1].Host)
	}
	if entries[0].HostName != "example.com" || entries[0].Port != "2222" || entries[0].IcotesAuth != "password" {
		t.Fatalf("unexpected box1 fields: %+v", entries[0])
	}
	if entries[0].Line != 3 {
		t.Fatalf("expected box1 at line 3, got %d", entries[0].Line)
	}
	if entries[1].HostName != "10.0.0.2" || entries[1].User != "root" {
		t.Fatalf("Key=Value form not parsed: %+v", entries[1])
	}
	if len(entries[1].Extra) != 1 || entries[1].Extra[0].Key != "ForwardAgent" || entries[1].Extra[0].Value != "yes" {
		t.Fatalf("expected unknown directive to be preserved, got %+v", entries[1].Extra)
	}
}

func TestParse_QuotedValues(t *testing.T) {
	entries, err := ParseString("Host q\n  IdentityFile \"/keys/with space#1\"\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := entries[0].IdentityFile; got != "/keys/with space#1" {
		t.Fatalf("expected quoted value kept intact, got %q", got)
	}
}

func TestParse_UnterminatedQuoteFails(t *testing.T) {
	_, err := ParseString("Host q\n  User \"oops\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Line != 2 {
		t.Fatalf("expected error on line 2, got %d", pe.Line)
	}
}

func TestParse_MatchAndEmptyHostFail(t *testing.T) {
	for _, text := range []string{
		"Match host foo\n  User x\n",
		"Host\n",
		"Host a\n  User\n",
	} {
		if _, err := ParseString(text); err == nil {
			t.Fatalf("expected parse error for %q", text)
		}
	}
}

func TestParse_DirectivesBeforeHostFormHostlessEntry(t *testing.T) {
	entries, err := ParseString("User orphan\nHost a\n  HostName a.example\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Host != "" || entries[0].User != "orphan" {
		t.Fatalf("expected leading hostless entry, got %+v", entries[0])
	}
}

func TestParse_MultipleAliasesAndWildcards(t *testing.T) {
	entries, err := ParseString("Host a b *.lab\n  User x\nHost * !bastion\n  ServerAliveInterval 30\n  User shared\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected a, b and two pattern blocks, got %+v", entries)
	}
	if entries[0].Host != "a" || entries[1].Host != "b" || entries[0].Pattern || entries[1].Pattern {
		t.Fatalf("expected literal aliases a and b first, got %+v", entries[:2])
	}
	if !entries[2].Pattern || entries[2].Host != "*.lab" || entries[2].User != "x" {
		t.Fatalf("expected *.lab pattern block, got %+v", entries[2])
	}
	p := entries[3]
	if !p.Pattern || p.Host != "* !bastion" || p.User != "shared" || len(p.Extra) != 1 || p.Extra[0].Key != "ServerAliveInterval" {
		t.Fatalf("expected preserved wildcard block, got %+v", p)
	}

	if got := Effective(entries); len(got) != 2 {
		t.Fatalf("Effective should only keep literal aliases, got %+v", got)
	}
	if got := PatternBlocks(entries); len(got) != 2 || got[1].Host != "* !bastion" {
		t.Fatalf("PatternBlocks: %+v", got)
	}

	text := Render(entries[3:])
	if text != "Host * !bastion\n  User shared\n  ServerAliveInterval 30\n" {
		t.Fatalf("wildcard block not rendered back:\n%s", text)
	}
	again, err := ParseString(text)
	if err != nil || len(again) != 1 || !again[0].Pattern {
		t.Fatalf("re-parse of rendered pattern block: %+v, %v", again, err)
	}
}

func TestRender_RoundTripsCanonicalInput(t *testing.T) {
	in := []Entry{
		{Host: "box1", HostName: "example.com", User: "u", Port: "22", IcotesAuth: AuthPassword},
		{Host: "box2", HostName: "h2", IdentityFile: "~/.icotes/ssh/keys/k1", IcotesAuth: AuthPrivateKey,
			Extra: []Directive{{Key: "ForwardAgent", Value: "yes"}}},
	}
	text := Render(in)
	if !strings.Contains(text, "Host box2\n  HostName h2\n") {
		t.Fatalf("unexpected render:\n%s", text)
	}
	out, err := ParseString(text)
	if err != nil {
		t.Fatalf("Parse(Render): %v", err)
	}
	if len(out) != 2 || out[1].IdentityFile != in[1].IdentityFile || out[1].Extra[0].Value != "yes" {
		t.Fatalf("render/parse mismatch: %+v", out)
	}
}

func TestEffective_LastDefinitionWins(t *testing.T) {
	in := []Entry{
		{Host: "a", HostName: "first"},
		{Host: "b", HostName: "b"},
		{Host: "a", HostName: "second"},
	}
	out := Effective(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 effective entries, got %d", len(out))
	}
	if out[0].Host != "a" || out[0].HostName != "second" {
		t.Fatalf("expected later definition of a to win in first position, got %+v", out[0])
	}
}
