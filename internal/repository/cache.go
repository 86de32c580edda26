package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrSourceAcquisition wraps clone and fetch failures. It is transient.
var ErrSourceAcquisition = errors.New("source acquisition failed")

// Checkout describes what was copied out of the cache.
type Checkout struct {
	Dir    string
	Commit string // hash actually checked out
	Branch string
	// FellBack is true when the requested commit could not be checked out
	// and the default branch tip was used instead.
	FellBack bool
}

// SourceCache keeps one full clone per repository URL. The first request
// clones, later ones fetch. Git operations on one entry are serialized by a
// per-repository lock; different repositories proceed in parallel.
type SourceCache struct {
	dir   string
	token func(repoURL string) string

	locks sync.Map // cache key -> *sync.Mutex
}

// NewSourceCache returns a cache rooted at dir. token may be nil; when set
// it supplies HTTPS credentials per URL.
func NewSourceCache(dir string, token func(repoURL string) string) *SourceCache {
	return &SourceCache{dir: dir, token: token}
}

// Dir returns the cache root.
func (c *SourceCache) Dir() string { return c.dir }

// Acquire brings the cached clone of repoURL up to date, checks out commit
// and copies the working tree (without .git) to dest.
func (c *SourceCache) Acquire(ctx context.Context, repoURL, commit, branch, dest string) (Checkout, error) {
	key := cacheKey(repoURL)
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(c.dir, key)
	repo, err := c.open(ctx, repoURL, path)
	if err != nil {
		return Checkout{}, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Checkout{}, fmt.Errorf("opening worktree: %v: %w", err, ErrSourceAcquisition)
	}

	out := Checkout{Dir: dest, Branch: branch}
	hash, err := resolve(repo, commit)
	if err == nil {
		err = wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true})
	}
	if err != nil {
		slog.Warn("Commit checkout failed; using default branch tip",
			"url", repoURL, "commit", commit, "error", err)
		hash, err = defaultTip(repo, branch)
		if err != nil {
			return Checkout{}, fmt.Errorf("no default branch to fall back to: %v: %w", err, ErrSourceAcquisition)
		}
		if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
			return Checkout{}, fmt.Errorf("checking out %s: %v: %w", hash, err, ErrSourceAcquisition)
		}
		out.FellBack = true
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		slog.Debug("Worktree clean failed", "path", path, "error", err)
	}
	out.Commit = hash.String()

	if err := os.RemoveAll(dest); err != nil {
		return Checkout{}, fmt.Errorf("clearing %s: %w", dest, err)
	}
	if err := copyTree(path, dest); err != nil {
		return Checkout{}, fmt.Errorf("copying source to %s: %w", dest, err)
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return out, nil
}

// Prune removes cache entries not used for longer than maxIdle.
func (c *SourceCache) Prune(maxIdle time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		mu := c.lock(e.Name())
		if !mu.TryLock() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			slog.Warn("Failed to prune cache entry", "entry", e.Name(), "error", err)
		} else {
			removed++
		}
		mu.Unlock()
	}
	return removed, nil
}

func (c *SourceCache) lock(key string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *SourceCache) auth(repoURL string) transport.AuthMethod {
	if c.token == nil || !strings.HasPrefix(repoURL, "http") {
		return nil
	}
	tok := c.token(repoURL)
	if tok == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "covscan", Password: tok}
}

// open clones on first use and fetches all branches afterwards.
func (c *SourceCache) open(ctx context.Context, repoURL, path string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(path)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		slog.Info("Cloning repository into cache", "url", repoURL, "dest", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
		repo, err = gogit.PlainCloneContext(ctx, path, false, &gogit.CloneOptions{
			URL:  repoURL,
			Auth: c.auth(repoURL),
		})
		if err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("cloning %s: %v: %w", repoURL, err, ErrSourceAcquisition)
		}
		return repo, nil
	}
	if err != nil {
		// Corrupt entry: drop it so the next attempt re-clones.
		os.RemoveAll(path)
		return nil, fmt.Errorf("opening cached clone %s: %v: %w", path, err, ErrSourceAcquisition)
	}

	slog.Debug("Fetching cached repository", "url", repoURL)
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       c.auth(repoURL),
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetching %s: %v: %w", repoURL, err, ErrSourceAcquisition)
	}
	return repo, nil
}

func resolve(repo *gogit.Repository, commit string) (plumbing.Hash, error) {
	if commit == "" {
		return plumbing.ZeroHash, errors.New("empty commit id")
	}
	h, err := repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := repo.CommitObject(*h); err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

// defaultTip finds the tip of the default branch: origin/HEAD, then the
// pushed branch, then main and master.
func defaultTip(repo *gogit.Repository, branch string) (plumbing.Hash, error) {
	if ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", "HEAD"), true); err == nil {
		return ref.Hash(), nil
	}
	candidates := []string{}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		candidates = append(candidates, head.Name().Short())
	}
	candidates = append(candidates, branch, "main", "master")
	for _, b := range candidates {
		if b == "" {
			continue
		}
		if ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", b), true); err == nil {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, errors.New("no origin/main or origin/master")
}

func cacheKey(repoURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(repoURL)))
	_, name := parseOwnerRepo(repoURL)
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, name)
	return hex.EncodeToString(sum[:8]) + "-" + name
}

// copyTree copies src to dst, skipping .git and preserving file modes.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
