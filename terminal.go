package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

type lineResult struct {
	text string
	err  error
}

// terminal reads one line per request, so a secret read never races with a
// pending plain one.
type terminal struct {
	in       *bufio.Scanner
	fd       int
	isTTY    bool
	requests chan bool
	lines    chan lineResult
	// waiting is set while a requested line has not been consumed yet,
	// e.g. after the reader gave up on a cancelled context.
	waiting bool

	out io.Writer
	mu  sync.Mutex
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	t := &terminal{
		in:       bufio.NewScanner(in),
		requests: make(chan bool),
		lines:    make(chan lineResult, 1),
		out:      out,
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		t.isTTY = true
	}
	go t.readLoop()
	return t
}

func (t *terminal) readLoop() {
	for secret := range t.requests {
		if secret && t.isTTY {
			b, err := term.ReadPassword(t.fd)
			t.printf("\n")
			t.lines <- lineResult{text: string(b), err: err}
			continue
		}
		if !t.in.Scan() {
			err := t.in.Err()
			if err == nil {
				err = io.EOF
			}
			t.lines <- lineResult{err: err}
			continue
		}
		t.lines <- lineResult{text: t.in.Text()}
	}
}

// request asks for the next line; it arrives on t.lines.
func (t *terminal) request(secret bool) {
	t.requests <- secret
}

func (t *terminal) readLine(ctx context.Context, prompt string, secret bool) (string, error) {
	if prompt != "" {
		t.printf("%s", prompt)
	}
	if !t.waiting {
		t.request(secret)
		t.waiting = true
	}
	select {
	case res := <-t.lines:
		t.waiting = false
		if res.err != nil {
			return "", res.err
		}
		if secret {
			return res.text, nil
		}
		return strings.TrimSpace(res.text), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// command splits "/name rest of line" into its parts.
func command(line string) (name, rest string) {
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	name, rest, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}
