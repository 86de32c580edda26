package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type origin struct {
	t    *testing.T
	dir  string
	repo *gogit.Repository
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "demo")
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	return &origin{t: t, dir: dir, repo: repo}
}

func (o *origin) commit(file, body string) string {
	o.t.Helper()
	require.NoError(o.t, os.WriteFile(filepath.Join(o.dir, file), []byte(body), 0o644))
	wt, err := o.repo.Worktree()
	require.NoError(o.t, err)
	_, err = wt.Add(file)
	require.NoError(o.t, err)
	h, err := wt.Commit("update "+file, &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(o.t, err)
	return h.String()
}

func branchOf(t *testing.T, repo *gogit.Repository) string {
	head, err := repo.Head()
	require.NoError(t, err)
	return head.Name().Short()
}

func TestAcquireClonesThenFetches(t *testing.T) {
	o := newOrigin(t)
	first := o.commit("pom.xml", "<project>v1</project>")
	branch := branchOf(t, o.repo)

	cache := NewSourceCache(t.TempDir(), nil)
	dest := filepath.Join(t.TempDir(), "job1", "src")
	co, err := cache.Acquire(context.Background(), o.dir, first, branch, dest)
	require.NoError(t, err)
	assert.Equal(t, first, co.Commit)
	assert.False(t, co.FellBack)

	data, err := os.ReadFile(filepath.Join(dest, "pom.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<project>v1</project>", string(data))
	_, err = os.Stat(filepath.Join(dest, ".git"))
	assert.True(t, os.IsNotExist(err), "copied tree must not include .git")

	second := o.commit("pom.xml", "<project>v2</project>")
	dest2 := filepath.Join(t.TempDir(), "job2", "src")
	co, err = cache.Acquire(context.Background(), o.dir, second, branch, dest2)
	require.NoError(t, err)
	assert.Equal(t, second, co.Commit)
	data, err = os.ReadFile(filepath.Join(dest2, "pom.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<project>v2</project>", string(data))

	// An older commit is still pinned exactly.
	dest3 := filepath.Join(t.TempDir(), "job3", "src")
	co, err = cache.Acquire(context.Background(), o.dir, first, branch, dest3)
	require.NoError(t, err)
	assert.Equal(t, first, co.Commit)

	entries, err := os.ReadDir(cache.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquireUnknownCommitFallsBackToBranchTip(t *testing.T) {
	o := newOrigin(t)
	tip := o.commit("a.txt", "a")
	branch := branchOf(t, o.repo)

	cache := NewSourceCache(t.TempDir(), nil)
	co, err := cache.Acquire(context.Background(), o.dir,
		"deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", branch, filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)
	assert.True(t, co.FellBack)
	assert.Equal(t, tip, co.Commit)
}

func TestAcquireCloneFailure(t *testing.T) {
	cache := NewSourceCache(t.TempDir(), nil)
	_, err := cache.Acquire(context.Background(), filepath.Join(t.TempDir(), "nope"),
		"abc", "main", filepath.Join(t.TempDir(), "src"))
	assert.ErrorIs(t, err, ErrSourceAcquisition)
}

func TestAcquireConcurrentSameRepo(t *testing.T) {
	o := newOrigin(t)
	c1 := o.commit("a.txt", "one")
	c2 := o.commit("a.txt", "two")
	branch := branchOf(t, o.repo)
	cache := NewSourceCache(t.TempDir(), nil)

	var wg sync.WaitGroup
	commits := []string{c1, c2, c1, c2}
	dests := make([]string, len(commits))
	errs := make([]error, len(commits))
	for i, c := range commits {
		dests[i] = filepath.Join(t.TempDir(), "src")
		wg.Add(1)
		go func(i int, c string) {
			defer wg.Done()
			_, errs[i] = cache.Acquire(context.Background(), o.dir, c, branch, dests[i])
		}(i, c)
	}
	wg.Wait()

	want := map[string]string{c1: "one", c2: "two"}
	for i, c := range commits {
		require.NoError(t, errs[i])
		data, err := os.ReadFile(filepath.Join(dests[i], "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, want[c], string(data))
	}
}

func TestPruneRemovesIdleEntries(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old-entry")
	fresh := filepath.Join(dir, "fresh-entry")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := NewSourceCache(dir, nil).Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestParseOwnerRepo(t *testing.T) {
	cases := map[string][2]string{
		"https://github.com/acme/svc.git":        {"acme", "svc"},
		"git@github.com:acme/svc.git":            {"acme", "svc"},
		"https://gitlab.example.com/g/sub/svc":   {"g/sub", "svc"},
		"ssh://git@gitlab.example.com/g/svc.git": {"g", "svc"},
	}
	for in, want := range cases {
		owner, name := parseOwnerRepo(in)
		assert.Equal(t, want[0], owner, in)
		assert.Equal(t, want[1], name, in)
	}
	assert.Equal(t, "gitlab.example.com", hostOf("git@gitlab.example.com:g/svc.git"))
}
