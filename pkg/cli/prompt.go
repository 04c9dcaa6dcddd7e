// Package cli provides interactive terminal prompts for the setup wizard.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before a required answer was given.
var ErrNoInput = errors.New("no input")

// Prompter reads answers line by line from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// line reads one trimmed line. ok is false once input is exhausted.
func (p *Prompter) line() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints question and returns the answer, or def on an empty line.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans, _ := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskRequired repeats question until a non-empty answer is given.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		p.printf("%s: ", question)
		ans, ok := p.line()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoInput, question)
		}
		if ans != "" {
			return ans, nil
		}
		p.printf("  A value is required.\n")
	}
}

// AskURL repeats question until an absolute http(s) URL is given. An empty
// answer accepts def when def is set.
func (p *Prompter) AskURL(question, def string) (string, error) {
	for {
		if def != "" {
			p.printf("%s [%s]: ", question, def)
		} else {
			p.printf("%s: ", question)
		}
		ans, ok := p.line()
		if !ok && ans == "" && def == "" {
			return "", fmt.Errorf("%w: %s", ErrNoInput, question)
		}
		if ans == "" {
			ans = def
		}
		if u, err := url.Parse(ans); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return ans, nil
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoInput, question)
		}
		p.printf("  Please enter an http:// or https:// URL.\n")
	}
}

// AskSecret reads a line without echo when In is a terminal, and a plain
// line otherwise.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	ans, _ := p.line()
	return ans
}

// Choose lists options and returns the selected one. An empty answer, or
// running out of input, selects options[def].
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		p.printf("Choice [%d]: ", def+1)
		ans, ok := p.line()
		if ans == "" {
			return options[def]
		}
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		if !ok {
			return options[def]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defYes bool) bool {
	hint := "y/N"
	if defYes {
		hint = "Y/n"
	}
	p.printf("%s [%s]: ", question, hint)
	ans, _ := p.line()
	if ans == "" {
		return defYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
