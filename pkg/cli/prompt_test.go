package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name, input, def, want string
	}{
		{"answer", "hello\n", "default", "hello"},
		{"empty uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"eof uses default", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskRequired(t *testing.T) {
	p, out := newTestPrompter("\n\nKB1\n")
	got, err := p.AskRequired("Knowledge base ID")
	if err != nil || got != "KB1" {
		t.Fatalf("AskRequired() = %q, %v", got, err)
	}
	if strings.Count(out.String(), "A value is required.") != 2 {
		t.Errorf("expected two retries, output:\n%s", out.String())
	}

	p, _ = newTestPrompter("\n")
	if _, err := p.AskRequired("Knowledge base ID"); !errors.Is(err, ErrNoInput) {
		t.Errorf("at EOF: got %v, want ErrNoInput", err)
	}
}

func TestAskURL(t *testing.T) {
	p, out := newTestPrompter("not a url\nftp://x\nhttps://idp.example.com/.well-known/jwks.json\n")
	got, err := p.AskURL("JWKS URL", "")
	if err != nil || got != "https://idp.example.com/.well-known/jwks.json" {
		t.Fatalf("AskURL() = %q, %v", got, err)
	}
	if strings.Count(out.String(), "Please enter an http") != 2 {
		t.Errorf("expected two retries, output:\n%s", out.String())
	}

	p, _ = newTestPrompter("\n")
	if got, err := p.AskURL("Backend", "http://localhost:9090/generate"); err != nil || got != "http://localhost:9090/generate" {
		t.Errorf("default: got %q, %v", got, err)
	}

	p, _ = newTestPrompter("")
	if _, err := p.AskURL("JWKS URL", ""); !errors.Is(err, ErrNoInput) {
		t.Errorf("at EOF: got %v, want ErrNoInput", err)
	}
}

func TestAskSecretFallback(t *testing.T) {
	// Not a terminal, so it reads a plain line.
	p, _ := newTestPrompter("s3cret\n")
	if got := p.AskSecret("API key"); got != "s3cret" {
		t.Errorf("AskSecret() = %q", got)
	}
}

func TestChoose(t *testing.T) {
	opts := []string{"sqlite", "postgres", "redis"}
	tests := []struct {
		name, input, want string
	}{
		{"by number", "2\n", "postgres"},
		{"by name", "Redis\n", "redis"},
		{"default", "\n", "sqlite"},
		{"retry then valid", "9\nx\n3\n", "redis"},
		{"eof", "", "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Choose("Driver", opts, 0); got != tt.want {
				t.Errorf("Choose() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": true} {
		p, _ := newTestPrompter(input)
		if got := p.Confirm("Continue?", true); got != want {
			t.Errorf("Confirm(%q) = %v, want %v", input, got, want)
		}
	}
}
