// Package environment owns the lifecycle of container execution
// environments: a long-lived shared one reused across jobs, and single-use
// isolated ones.
package environment

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/models"
)

//go:embed entrypoint.sh
var entrypoint []byte

var (
	// ErrEnvironmentUnavailable means the environment could not be created
	// or is gone. Callers fall back to another strategy.
	ErrEnvironmentUnavailable = errors.New("execution environment unavailable")
	// ErrExecutionTimeout means the job exceeded its budget. The environment
	// itself stays RUNNING.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrNoResult means the entry script finished without writing its result.
	ErrNoResult = errors.New("execution produced no result artifact")
)

const (
	// MountPoint is where the workspace appears inside the container.
	MountPoint  = "/workspace"
	scriptDir   = ".covscan"
	scriptName  = "entrypoint.sh"
	resultFile  = "result.json"
	logFile     = "build.log"
	isoPrefix   = "covscan-iso-"
	defaultWait = 60 * time.Second
)

// Options configures a Manager.
type Options struct {
	Name      string // container name
	Image     string
	Workspace string // host directory mounted at MountPoint
	CacheDir  string // mounted at /root/.m2 when set
	Docker    string // container CLI, default "docker"
	// ReadyTimeout bounds readiness polling after the container starts.
	ReadyTimeout time.Duration
}

// JobSpec is what RunInEnvironment materializes into the workspace.
type JobSpec struct {
	RequestID string            `json:"request_id"`
	SourceDir string            `json:"source_dir"` // host path inside Workspace
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env,omitempty"`
	Timeout   time.Duration     `json:"-"`
}

// RawExecutionResult is read back from the job directory.
type RawExecutionResult struct {
	ExitCode int           `json:"exit_code"`
	Log      string        `json:"-"`
	Duration time.Duration `json:"-"`
}

// Manager owns one named environment. EnsureRunning and Teardown are
// serialized; RunInEnvironment calls run concurrently, each in its own
// request-id subdirectory of the workspace.
type Manager struct {
	opts Options
	inv  process.Invoker

	mu     sync.RWMutex
	handle models.EnvironmentHandle
}

// NewManager returns a Manager in the STOPPED state.
func NewManager(opts Options, inv process.Invoker) *Manager {
	if opts.Docker == "" {
		opts.Docker = "docker"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultWait
	}
	return &Manager{opts: opts, inv: inv, handle: models.EnvironmentHandle{State: models.EnvStopped}}
}

// NewIsolated returns a single-use manager for one request. It shares the
// workspace and image of base but has its own container name.
func NewIsolated(base Options, requestID string, inv process.Invoker) *Manager {
	opts := base
	opts.Name = isoPrefix + requestID
	return NewManager(opts, inv)
}

// Name returns the container name.
func (m *Manager) Name() string { return m.opts.Name }

// Workspace returns the host workspace directory.
func (m *Manager) Workspace() string { return m.opts.Workspace }

// Handle returns a copy of the current handle.
func (m *Manager) Handle() models.EnvironmentHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// EnsureRunning adopts an existing running container with the expected name
// or creates one and waits for it to answer. Concurrent callers observe the
// same handle.
func (m *Manager) EnsureRunning(ctx context.Context) (models.EnvironmentHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle.State == models.EnvRunning {
		return m.handle, nil
	}
	m.handle.State = models.EnvStarting

	if err := m.installScript(); err != nil {
		m.handle = models.EnvironmentHandle{State: models.EnvStopped}
		return m.handle, fmt.Errorf("preparing workspace: %v: %w", err, ErrEnvironmentUnavailable)
	}

	if running, id, started, exists := m.inspect(ctx); running {
		m.handle = models.EnvironmentHandle{ID: id, State: models.EnvRunning, StartedAt: started}
		slog.Info("Adopted existing environment", "name", m.opts.Name, "id", id)
		return m.handle, nil
	} else if exists {
		// Present but stopped: replace it so mounts and image are current.
		m.remove(ctx)
	}

	id, err := m.create(ctx)
	if err != nil {
		m.handle = models.EnvironmentHandle{State: models.EnvStopped}
		return m.handle, err
	}
	if err := m.waitReady(ctx); err != nil {
		m.remove(ctx)
		m.handle = models.EnvironmentHandle{State: models.EnvStopped}
		return m.handle, fmt.Errorf("environment %s not ready: %v: %w", m.opts.Name, err, ErrEnvironmentUnavailable)
	}

	m.handle = models.EnvironmentHandle{ID: id, State: models.EnvRunning, StartedAt: time.Now().UTC()}
	slog.Info("Environment started", "name", m.opts.Name, "id", id, "image", m.opts.Image)
	return m.handle, nil
}

// Teardown stops and removes the container. It is safe to call when the
// environment is already stopped.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.remove(ctx); err != nil {
		return err
	}
	if m.handle.State != models.EnvStopped {
		slog.Info("Environment torn down", "name", m.opts.Name, "id", m.handle.ID)
	}
	m.handle = models.EnvironmentHandle{State: models.EnvStopped}
	return nil
}

// Probe checks a RUNNING environment still exists and marks it STOPPED if
// it was terminated externally.
func (m *Manager) Probe(ctx context.Context) models.EnvironmentHandle {
	h := m.Handle()
	if h.State != models.EnvRunning {
		return h
	}
	if running, _, _, _ := m.inspect(ctx); !running {
		m.markStopped(h.ID, "probe found environment not running")
	}
	return m.Handle()
}

// RunInEnvironment writes the job into <workspace>/<requestID>, runs the
// entry script inside the environment and reads back result.json.
func (m *Manager) RunInEnvironment(ctx context.Context, h models.EnvironmentHandle, spec JobSpec) (RawExecutionResult, error) {
	cur := m.Handle()
	if cur.State != models.EnvRunning || cur.ID != h.ID {
		return RawExecutionResult{}, fmt.Errorf("environment %s is %s: %w", m.opts.Name, cur.State, ErrEnvironmentUnavailable)
	}
	if spec.RequestID == "" || len(spec.Command) == 0 {
		return RawExecutionResult{}, errors.New("job spec needs a request id and a command")
	}

	jobDir := filepath.Join(m.opts.Workspace, spec.RequestID)
	srcInContainer, err := m.containerPath(spec.SourceDir)
	if err != nil {
		return RawExecutionResult{}, err
	}
	if err := m.materialize(jobDir, srcInContainer, spec); err != nil {
		return RawExecutionResult{}, fmt.Errorf("writing job %s: %w", spec.RequestID, err)
	}

	jobInContainer := path.Join(MountPoint, spec.RequestID)
	res, runErr := m.inv.Run(ctx, process.Command{
		Name:    m.opts.Docker,
		Args:    []string{"exec", m.opts.Name, "sh", path.Join(MountPoint, scriptDir, scriptName), jobInContainer},
		Timeout: spec.Timeout,
	})
	if runErr != nil {
		if errors.Is(runErr, process.ErrTimeout) {
			m.killJob(jobInContainer)
			return RawExecutionResult{Duration: res.Duration}, fmt.Errorf("job %s: %w", spec.RequestID, ErrExecutionTimeout)
		}
		if errors.Is(runErr, process.ErrNotFound) {
			m.markStopped(h.ID, runErr.Error())
			return RawExecutionResult{}, fmt.Errorf("%v: %w", runErr, ErrEnvironmentUnavailable)
		}
		return RawExecutionResult{}, runErr
	}
	if !res.Success() && isGone(res.Output()) {
		m.markStopped(h.ID, strings.TrimSpace(res.Stderr))
		return RawExecutionResult{}, fmt.Errorf("environment %s terminated: %w", m.opts.Name, ErrEnvironmentUnavailable)
	}

	out, err := readResult(jobDir)
	if err != nil {
		return RawExecutionResult{Log: res.Output(), Duration: res.Duration}, fmt.Errorf("job %s: %w", spec.RequestID, err)
	}
	out.Duration = res.Duration
	return out, nil
}

// JobDir returns the host directory for a request.
func (m *Manager) JobDir(requestID string) string {
	return filepath.Join(m.opts.Workspace, requestID)
}

// CleanupJob removes a request's job directory.
func (m *Manager) CleanupJob(requestID string) error {
	if requestID == "" || strings.ContainsAny(requestID, `/\`) {
		return fmt.Errorf("invalid request id %q", requestID)
	}
	return os.RemoveAll(m.JobDir(requestID))
}

func (m *Manager) installScript() error {
	dir := filepath.Join(m.opts.Workspace, scriptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, scriptName), entrypoint, 0o755)
}

// inspect reports the container state. exists is false when docker knows no
// container by that name.
func (m *Manager) inspect(ctx context.Context) (running bool, id string, started time.Time, exists bool) {
	res, err := m.inv.Run(ctx, process.Command{
		Name:    m.opts.Docker,
		Args:    []string{"inspect", "-f", "{{.State.Running}}|{{.Id}}|{{.State.StartedAt}}", m.opts.Name},
		Timeout: 30 * time.Second,
	})
	if err != nil || !res.Success() {
		return false, "", time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimSpace(res.Stdout), "|", 3)
	if len(parts) != 3 {
		return false, "", time.Time{}, true
	}
	started, perr := time.Parse(time.RFC3339Nano, parts[2])
	if perr != nil {
		started = time.Now().UTC()
	}
	return parts[0] == "true", shortID(parts[1]), started.UTC(), true
}

func (m *Manager) create(ctx context.Context) (string, error) {
	if m.opts.Image == "" {
		return "", fmt.Errorf("no image configured: %w", ErrEnvironmentUnavailable)
	}
	args := []string{
		"run", "-d",
		"--name", m.opts.Name,
		"--label", "covscan=1",
		"-v", m.opts.Workspace + ":" + MountPoint,
	}
	if m.opts.CacheDir != "" {
		args = append(args, "-v", m.opts.CacheDir+":/root/.m2")
	}
	args = append(args, "--entrypoint", "sleep", m.opts.Image, "infinity")

	res, err := m.inv.Run(ctx, process.Command{Name: m.opts.Docker, Args: args, Timeout: 10 * time.Minute})
	if err != nil {
		return "", fmt.Errorf("starting %s: %v: %w", m.opts.Name, err, ErrEnvironmentUnavailable)
	}
	if !res.Success() {
		return "", fmt.Errorf("starting %s: exit %d: %s: %w",
			m.opts.Name, res.ExitCode, strings.TrimSpace(res.Stderr), ErrEnvironmentUnavailable)
	}
	id := shortID(strings.TrimSpace(res.Stdout))
	if id == "" {
		return "", fmt.Errorf("starting %s: no container id: %w", m.opts.Name, ErrEnvironmentUnavailable)
	}
	return id, nil
}

func (m *Manager) waitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.opts.ReadyTimeout

	return backoff.Retry(func() error {
		res, err := m.inv.Run(ctx, process.Command{
			Name:    m.opts.Docker,
			Args:    []string{"exec", m.opts.Name, "true"},
			Timeout: 15 * time.Second,
		})
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("readiness probe exit %d", res.ExitCode)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (m *Manager) remove(ctx context.Context) error {
	res, err := m.inv.Run(ctx, process.Command{
		Name:    m.opts.Docker,
		Args:    []string{"rm", "-f", m.opts.Name},
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", m.opts.Name, err)
	}
	if !res.Success() && !isGone(res.Output()) {
		return fmt.Errorf("removing %s: exit %d: %s", m.opts.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// markStopped moves the handle to STOPPED if it still refers to id.
func (m *Manager) markStopped(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle.ID == id && m.handle.State == models.EnvRunning {
		slog.Warn("Environment terminated externally", "name", m.opts.Name, "id", id, "reason", reason)
		m.handle = models.EnvironmentHandle{State: models.EnvStopped}
	}
}

// killJob stops a timed-out build process. The docker exec client has
// already been killed but the process inside the container has not.
func (m *Manager) killJob(jobInContainer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pidFile := path.Join(jobInContainer, "pid")
	_, err := m.inv.Run(ctx, process.Command{
		Name: m.opts.Docker,
		Args: []string{"exec", m.opts.Name, "sh", "-c", `kill -9 "$(cat ` + pidFile + `)" 2>/dev/null || true`},
	})
	if err != nil {
		slog.Warn("Failed to kill timed-out job", "name", m.opts.Name, "job", jobInContainer, "error", err)
	}
}

func (m *Manager) containerPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(m.opts.Workspace, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source %s is outside workspace %s", hostPath, m.opts.Workspace)
	}
	return path.Join(MountPoint, filepath.ToSlash(rel)), nil
}

func (m *Manager) materialize(jobDir, srcInContainer string, spec JobSpec) error {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return err
	}
	for _, stale := range []string{resultFile, logFile, "pid"} {
		_ = os.Remove(filepath.Join(jobDir, stale))
	}

	record, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(jobDir, "job.json"), record, 0o644); err != nil {
		return err
	}

	var env strings.Builder
	writeVar(&env, "COVSCAN_REQUEST_ID", spec.RequestID)
	writeVar(&env, "COVSCAN_SRC", srcInContainer)
	writeVar(&env, "COVSCAN_BUILD_CMD", ShellJoin(spec.Command))
	for k, v := range spec.Env {
		writeVar(&env, k, v)
	}
	return os.WriteFile(filepath.Join(jobDir, "job.env"), []byte(env.String()), 0o644)
}

func writeVar(b *strings.Builder, k, v string) {
	fmt.Fprintf(b, "export %s=%s\n", k, shellQuote(v))
}

// ShellJoin quotes args for sh.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=@+,") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readResult(jobDir string) (RawExecutionResult, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, resultFile))
	if err != nil {
		return RawExecutionResult{}, ErrNoResult
	}
	var out RawExecutionResult
	if err := json.Unmarshal(data, &out); err != nil {
		return RawExecutionResult{}, fmt.Errorf("decoding %s: %v: %w", resultFile, err, ErrNoResult)
	}
	if log, err := os.ReadFile(filepath.Join(jobDir, logFile)); err == nil {
		out.Log = string(log)
	}
	return out, nil
}

func isGone(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "is not running")
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
