package environment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/models"
)

// fakeDocker simulates the docker CLI against a host workspace.
type fakeDocker struct {
	ws       string
	running  atomic.Bool
	runFails bool
	adopt    bool
	noResult bool
	timeout  bool
	gone     atomic.Bool
	exitCode int
}

func (d *fakeDocker) handle(_ context.Context, c process.Command) (process.Result, error) {
	if c.Name != "docker" || len(c.Args) == 0 {
		return process.Result{ExitCode: 127}, nil
	}
	switch c.Args[0] {
	case "inspect":
		if d.adopt {
			return process.Result{Stdout: "true|0123456789abcdef0123|2024-05-01T10:00:00.5Z\n"}, nil
		}
		if d.running.Load() {
			return process.Result{Stdout: "true|feedfacecafe0000|2024-05-01T10:00:00Z\n"}, nil
		}
		return process.Result{ExitCode: 1, Stderr: "Error: No such object"}, nil
	case "run":
		if d.runFails {
			return process.Result{ExitCode: 125, Stderr: "Unable to find image"}, nil
		}
		d.running.Store(true)
		return process.Result{Stdout: "feedfacecafe0000deadbeef\n"}, nil
	case "rm":
		d.running.Store(false)
		return process.Result{}, nil
	case "exec":
		if d.gone.Load() {
			return process.Result{ExitCode: 1, Stderr: "Error response from daemon: No such container: x"}, nil
		}
		if len(c.Args) >= 3 && c.Args[2] == "true" {
			return process.Result{}, nil
		}
		if len(c.Args) >= 4 && c.Args[2] == "sh" && strings.HasSuffix(c.Args[3], "entrypoint.sh") {
			if d.timeout {
				return process.Result{ExitCode: -1}, process.ErrTimeout
			}
			if d.noResult {
				return process.Result{}, nil
			}
			jobDir := filepath.Join(d.ws, strings.TrimPrefix(c.Args[4], MountPoint+"/"))
			_ = os.WriteFile(filepath.Join(jobDir, "build.log"), []byte("BUILD SUCCESS"), 0o644)
			body := fmt.Sprintf(`{"exit_code":%d}`, d.exitCode)
			_ = os.WriteFile(filepath.Join(jobDir, "result.json"), []byte(body), 0o644)
			return process.Result{}, nil
		}
		return process.Result{}, nil
	}
	return process.Result{}, nil
}

func newTestManager(t *testing.T, d *fakeDocker) (*Manager, *process.Fake) {
	t.Helper()
	d.ws = t.TempDir()
	f := &process.Fake{Handler: d.handle}
	m := NewManager(Options{Name: "covscan-shared", Image: "maven:3", Workspace: d.ws, ReadyTimeout: time.Second}, f)
	return m, f
}

func TestEnsureRunningReusesHandle(t *testing.T) {
	d := &fakeDocker{}
	m, f := newTestManager(t, d)

	h1, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EnvRunning, h1.State)
	assert.Equal(t, "feedfacecafe", h1.ID)

	h2, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h1.ID, h2.ID)
	assert.True(t, h1.StartedAt.Equal(h2.StartedAt))
	assert.Equal(t, 1, f.Count("docker", "run"))

	_, err = os.Stat(filepath.Join(d.ws, ".covscan", "entrypoint.sh"))
	assert.NoError(t, err)
}

func TestEnsureRunningConcurrentCallersShareHandle(t *testing.T) {
	d := &fakeDocker{}
	m, f := newTestManager(t, d)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.EnsureRunning(context.Background())
			if err == nil {
				ids[i] = h.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, "feedfacecafe", id)
	}
	assert.Equal(t, 1, f.Count("docker", "run"))
}

func TestEnsureRunningAdoptsExisting(t *testing.T) {
	d := &fakeDocker{adopt: true}
	m, f := newTestManager(t, d)

	h, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", h.ID)
	assert.Equal(t, 2024, h.StartedAt.Year())
	assert.Equal(t, 0, f.Count("docker", "run"))
}

func TestEnsureRunningCreationFailure(t *testing.T) {
	d := &fakeDocker{runFails: true}
	m, _ := newTestManager(t, d)

	_, err := m.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrEnvironmentUnavailable)
	assert.Equal(t, models.EnvStopped, m.Handle().State)
}

func TestRunInEnvironment(t *testing.T) {
	d := &fakeDocker{exitCode: 1}
	m, _ := newTestManager(t, d)
	h, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	src := filepath.Join(d.ws, "req-1", "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	res, err := m.RunInEnvironment(context.Background(), h, JobSpec{
		RequestID: "req-1",
		SourceDir: src,
		Command:   []string{"mvn", "-B", "clean", "test", "-Dx=it's"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "BUILD SUCCESS", res.Log)

	env, err := os.ReadFile(filepath.Join(d.ws, "req-1", "job.env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "export COVSCAN_SRC=/workspace/req-1/src")
	assert.Contains(t, string(env), `export COVSCAN_BUILD_CMD='mvn -B clean test '\''-Dx=it'\''\'\'''\''s'\'''`)

	// Run the command the way entrypoint.sh does and check the argv survives.
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := `. "$1" && sh -c "exec printf '[%s]' $COVSCAN_BUILD_CMD"`
	out, err := exec.Command(sh, "-c", script, "sh", filepath.Join(d.ws, "req-1", "job.env")).Output()
	require.NoError(t, err)
	assert.Equal(t, "[mvn][-B][clean][test][-Dx=it's]", string(out))
}

func TestRunInEnvironmentMissingResult(t *testing.T) {
	d := &fakeDocker{noResult: true}
	m, _ := newTestManager(t, d)
	h, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	_, err = m.RunInEnvironment(context.Background(), h, JobSpec{
		RequestID: "r2", SourceDir: filepath.Join(d.ws, "r2", "src"), Command: []string{"mvn"},
	})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestRunInEnvironmentTimeoutKeepsEnvironment(t *testing.T) {
	d := &fakeDocker{timeout: true}
	m, f := newTestManager(t, d)
	h, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	_, err = m.RunInEnvironment(context.Background(), h, JobSpec{
		RequestID: "r3", SourceDir: filepath.Join(d.ws, "r3", "src"), Command: []string{"mvn"}, Timeout: time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, models.EnvRunning, m.Handle().State)
	assert.NotEmpty(t, f.Find("kill -9"))
}

func TestExternalTerminationMarksStopped(t *testing.T) {
	d := &fakeDocker{}
	m, _ := newTestManager(t, d)
	h, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	d.gone.Store(true)
	_, err = m.RunInEnvironment(context.Background(), h, JobSpec{
		RequestID: "r4", SourceDir: filepath.Join(d.ws, "r4", "src"), Command: []string{"mvn"},
	})
	assert.ErrorIs(t, err, ErrEnvironmentUnavailable)
	assert.Equal(t, models.EnvStopped, m.Handle().State)
}

func TestTeardownIsIdempotent(t *testing.T) {
	d := &fakeDocker{}
	m, _ := newTestManager(t, d)
	require.NoError(t, m.Teardown(context.Background()))

	_, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Teardown(context.Background()))
	require.NoError(t, m.Teardown(context.Background()))
	assert.Equal(t, models.EnvStopped, m.Handle().State)

	// A stale handle is rejected after teardown.
	_, err = m.RunInEnvironment(context.Background(), models.EnvironmentHandle{ID: "feedfacecafe"}, JobSpec{
		RequestID: "r5", Command: []string{"mvn"},
	})
	assert.ErrorIs(t, err, ErrEnvironmentUnavailable)
}

func TestProbeDetectsRemoval(t *testing.T) {
	d := &fakeDocker{}
	m, _ := newTestManager(t, d)
	_, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	d.running.Store(false)
	assert.Equal(t, models.EnvStopped, m.Probe(context.Background()).State)
}

func TestIsolatedName(t *testing.T) {
	m := NewIsolated(Options{Name: "shared", Workspace: "/tmp/ws"}, "abc", &process.Fake{})
	assert.Equal(t, "covscan-iso-abc", m.Name())
	assert.Equal(t, "/tmp/ws", m.Workspace())
}
