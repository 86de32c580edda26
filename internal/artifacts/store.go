// Package artifacts keeps a copy of each commit's coverage report outside the
// per-job workspace, optionally mirrored to S3-compatible storage.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/models"
)

const (
	reportFile = "jacoco.xml"
	htmlDir    = "html"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Mirror uploads a local file under key.
type Mirror interface {
	Put(ctx context.Context, key, file, contentType string) error
}

// Saved describes a persisted report.
type Saved struct {
	Dir     string // <reports_dir>/<repo>/<commit>
	XMLPath string
	HasHTML bool
	URL     string // public link, empty without server.public_url
}

// Store writes reports under <dir>/<repo>/<commit>/.
type Store struct {
	dir       string
	publicURL string
	mirror    Mirror
}

// New creates a Store rooted at cfg.ReportsDir. A configured S3 section
// enables the mirror.
func New(ctx context.Context, cfg config.StorageConfig, publicURL string) (*Store, error) {
	s := &Store{dir: cfg.ReportsDir, publicURL: strings.TrimRight(publicURL, "/")}
	if cfg.S3.Enabled() {
		m, err := NewS3Mirror(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		s.mirror = m
	}
	return s, nil
}

// NewWithMirror is New with an explicit mirror (nil for none).
func NewWithMirror(dir, publicURL string, m Mirror) *Store {
	return &Store{dir: dir, publicURL: strings.TrimRight(publicURL, "/"), mirror: m}
}

// Dir returns the reports root.
func (s *Store) Dir() string { return s.dir }

// RelDir returns the report directory of repo@commit relative to Dir, using
// forward slashes.
func RelDir(repo, commit string) string {
	return safe(repo) + "/" + safe(commit)
}

func safe(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "unknown"
	}
	return s
}

// Save copies the job's coverage report (and the HTML bundle next to it, if
// the build produced one) into the store. Reports for the same commit are
// replaced.
func (s *Store) Save(ctx context.Context, job models.ScanJob, res models.ScanResult) (Saved, error) {
	if len(res.ArtifactPaths) == 0 {
		return Saved{}, fmt.Errorf("no report to save")
	}
	src := res.ArtifactPaths[0]
	rel := RelDir(job.Event.RepoName, job.Event.CommitID)
	dest := filepath.Join(s.dir, filepath.FromSlash(rel))

	if err := os.RemoveAll(dest); err != nil {
		return Saved{}, fmt.Errorf("clearing %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Saved{}, fmt.Errorf("creating %s: %w", dest, err)
	}
	saved := Saved{Dir: dest, XMLPath: filepath.Join(dest, reportFile)}
	if err := copyFile(src, saved.XMLPath); err != nil {
		return Saved{}, fmt.Errorf("copying report: %w", err)
	}

	bundle := filepath.Dir(src)
	if _, err := os.Stat(filepath.Join(bundle, "index.html")); err == nil {
		if err := copyDir(bundle, filepath.Join(dest, htmlDir)); err != nil {
			slog.Warn("artifacts: copying html bundle failed", "src", bundle, "error", err)
		} else {
			saved.HasHTML = true
		}
	}
	saved.URL = s.url(rel, saved.HasHTML)

	if s.mirror != nil {
		if err := s.upload(ctx, rel, dest); err != nil {
			slog.Warn("artifacts: mirror upload failed", "report", rel, "error", err)
		}
	}
	slog.Info("artifacts: report saved", "request_id", job.RequestID, "dir", dest, "html", saved.HasHTML)
	return saved, nil
}

func (s *Store) url(rel string, html bool) string {
	if s.publicURL == "" {
		return ""
	}
	p := "/reports/" + rel + "/"
	if html {
		p += htmlDir + "/index.html"
	} else {
		p += reportFile
	}
	return s.publicURL + (&url.URL{Path: p}).EscapedPath()
}

func (s *Store) upload(ctx context.Context, rel, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		r, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(rel, filepath.ToSlash(r))
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		return s.mirror.Put(ctx, key, p, ct)
	})
}

// Prune removes commit report directories not modified within maxAge and
// drops repo directories left empty. It returns the number removed.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	repos, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		repoDir := filepath.Join(s.dir, repo.Name())
		commits, err := os.ReadDir(repoDir)
		if err != nil {
			continue
		}
		left := len(commits)
		for _, c := range commits {
			info, err := c.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(repoDir, c.Name())); err != nil {
				slog.Warn("artifacts: prune failed", "dir", c.Name(), "error", err)
				continue
			}
			removed++
			left--
		}
		if left == 0 {
			_ = os.Remove(repoDir)
		}
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}
