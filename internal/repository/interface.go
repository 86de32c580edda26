// Package repository keeps local clones of scanned repositories and reports
// results back to the hosting platform.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/CosmoTheDev/covscan/internal/config"
)

// Commit status states understood by every reporter.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

// StatusReport is a commit status to publish.
type StatusReport struct {
	RepoURL     string
	Commit      string
	Branch      string
	State       string
	Description string
	TargetURL   string
	// Coverage is the line percentage; only GitLab displays it natively.
	Coverage *float64
}

// StatusReporter publishes commit statuses to one hosting platform.
type StatusReporter interface {
	// Name identifies the provider (e.g. "github", "gitlab").
	Name() string
	ReportStatus(ctx context.Context, r StatusReport) error
}

// StatusContext is the status check name shown on the commit.
const StatusContext = "covscan/coverage"

// DetectProvider infers the hosting platform from a repository URL.
func DetectProvider(repoURL string) (string, error) {
	lower := strings.ToLower(repoURL)
	switch {
	case strings.Contains(lower, "github.com"):
		return "github", nil
	case strings.Contains(lower, "gitlab.com") || strings.Contains(lower, "gitlab."):
		return "gitlab", nil
	case strings.Contains(lower, "gitee.com"):
		return "gitee", nil
	default:
		// Try to guess from common enterprise patterns.
		if strings.Contains(lower, "github.") {
			return "github", nil
		}
		return "", fmt.Errorf("cannot detect provider from URL %q", repoURL)
	}
}

// TokenForProvider returns the auth token for provider from cfg, preferring
// an entry whose host appears in repoURL.
func TokenForProvider(cfg *config.Config, provider, repoURL string) string {
	host := hostOf(repoURL)
	switch provider {
	case "github":
		for _, g := range cfg.Git.GitHub {
			if g.Token != "" && g.Host != "" && g.Host == host {
				return g.Token
			}
		}
		for _, g := range cfg.Git.GitHub {
			if g.Token != "" {
				return g.Token
			}
		}
	case "gitlab":
		for _, g := range cfg.Git.GitLab {
			if g.Token != "" && g.Host != "" && g.Host == host {
				return g.Token
			}
		}
		for _, g := range cfg.Git.GitLab {
			if g.Token != "" {
				return g.Token
			}
		}
	}
	return ""
}

// Reporters holds one StatusReporter per configured provider.
type Reporters map[string]StatusReporter

// NewReporters builds reporters for every provider with a token.
func NewReporters(cfg *config.Config) (Reporters, error) {
	out := Reporters{}
	if len(cfg.Git.GitHub) > 0 && cfg.Git.GitHub[0].Token != "" {
		gh, err := NewGitHub(cfg.Git.GitHub[0])
		if err != nil {
			return nil, err
		}
		out[gh.Name()] = gh
	}
	if len(cfg.Git.GitLab) > 0 && cfg.Git.GitLab[0].Token != "" {
		gl, err := NewGitLab(cfg.Git.GitLab[0])
		if err != nil {
			return nil, err
		}
		out[gl.Name()] = gl
	}
	return out, nil
}

// Report sends r through the reporter matching its URL. Unknown providers
// and errors are logged only.
func (rs Reporters) Report(ctx context.Context, r StatusReport) {
	provider, err := DetectProvider(r.RepoURL)
	if err != nil {
		slog.Debug("No status reporter for repository", "url", r.RepoURL)
		return
	}
	rep, ok := rs[provider]
	if !ok {
		return
	}
	if err := rep.ReportStatus(ctx, r); err != nil {
		slog.Warn("Commit status update failed",
			"provider", provider, "url", r.RepoURL, "commit", r.Commit, "error", err)
	}
}

// parseOwnerRepo extracts the owner and repository name from a git URL.
// Supports HTTPS (https://github.com/owner/repo.git) and SSH (git@github.com:owner/repo.git).
func parseOwnerRepo(repoURL string) (owner, repo string) {
	p := projectPath(repoURL)
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// projectPath returns the full namespace path ("group/sub/repo").
func projectPath(repoURL string) string {
	u := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")
	if strings.Contains(u, "://") {
		if parsed, err := url.Parse(u); err == nil {
			return strings.Trim(parsed.Path, "/")
		}
	}
	// SSH format: git@host:owner/repo
	if idx := strings.Index(u, ":"); idx != -1 {
		return strings.Trim(u[idx+1:], "/")
	}
	return u
}

func hostOf(repoURL string) string {
	if strings.Contains(repoURL, "://") {
		if u, err := url.Parse(repoURL); err == nil {
			return u.Hostname()
		}
	}
	at := strings.Index(repoURL, "@")
	colon := strings.Index(repoURL, ":")
	if colon > at {
		return repoURL[at+1 : colon]
	}
	return ""
}
