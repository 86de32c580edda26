package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an Invoker that records calls and answers from Handler. It is safe
// for concurrent use.
type Fake struct {
	// Handler returns the canned result for a command. A nil Handler answers
	// every command with exit code 0.
	Handler func(ctx context.Context, cmd Command) (Result, error)
	// Missing lists binaries LookPath should report as absent.
	Missing []string

	mu    sync.Mutex
	calls []Command
}

func (f *Fake) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.Handler == nil {
		return Result{}, nil
	}
	return f.Handler(ctx, cmd)
}

func (f *Fake) LookPath(name string) (string, error) {
	for _, m := range f.Missing {
		if m == name {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
	}
	return "/usr/bin/" + name, nil
}

// Calls returns a copy of every recorded command.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// Count returns how many recorded commands start with the given name and,
// when sub is non-empty, whose first argument equals sub.
func (f *Fake) Count(name, sub string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Name != name {
			continue
		}
		if sub != "" && (len(c.Args) == 0 || c.Args[0] != sub) {
			continue
		}
		n++
	}
	return n
}

// Find returns the recorded commands whose rendered line contains s.
func (f *Fake) Find(s string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if strings.Contains(c.String(), s) {
			out = append(out, c)
		}
	}
	return out
}
