// Package process is the single place external tools (git, docker, the build
// tool) are started. Everything else receives an Invoker so tests can swap in
// a Fake.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the binary cannot be started at all.
	ErrNotFound = errors.New("executable not found")
	// ErrTimeout is returned when Command.Timeout (or the context deadline)
	// expired before the process exited. The process has been killed.
	ErrTimeout = errors.New("process timed out")
)

// Command describes one invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Stdin   io.Reader
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process produced. A non-zero exit is not an
// error; callers inspect ExitCode.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Output returns stdout and stderr joined, for build logs.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Invoker starts external processes.
type Invoker interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

// Exec is the real Invoker backed by os/exec.
type Exec struct{}

// NewExec returns the os/exec backed invoker.
func NewExec() *Exec { return &Exec{} }

func (Exec) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return p, nil
}

func (Exec) Run(ctx context.Context, c Command) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%s after %s: %w", c.Name, res.Duration.Round(time.Millisecond), ErrTimeout)
		}
		return res, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%s: %w", c.Name, ErrNotFound)
		}
		return res, fmt.Errorf("starting %s: %w", c.Name, err)
	}
	return res, nil
}

// Available reports whether name is on PATH and answers a version probe.
func Available(ctx context.Context, inv Invoker, name string, versionArgs ...string) bool {
	if _, err := inv.LookPath(name); err != nil {
		return false
	}
	if len(versionArgs) == 0 {
		versionArgs = []string{"--version"}
	}
	res, err := inv.Run(ctx, Command{Name: name, Args: versionArgs, Timeout: 15 * time.Second})
	return err == nil && res.Success()
}
