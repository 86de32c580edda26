package repository

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/CosmoTheDev/covscan/internal/config"
)

// GitHubReporter posts commit statuses to GitHub and GitHub Enterprise.
type GitHubReporter struct {
	client *gogithub.Client
	host   string
}

// NewGitHub creates a GitHubReporter from the given configuration.
func NewGitHub(cfg config.GitHubConfig) (*GitHubReporter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := gogithub.NewClient(tc)

	// Support GitHub Enterprise by overriding the base URL.
	if cfg.Host != "" && cfg.Host != "github.com" {
		base := fmt.Sprintf("https://%s/api/v3/", cfg.Host)
		upload := fmt.Sprintf("https://%s/api/uploads/", cfg.Host)
		var err error
		client, err = client.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}
	return &GitHubReporter{client: client, host: cfg.Host}, nil
}

func (g *GitHubReporter) Name() string { return "github" }

func (g *GitHubReporter) ReportStatus(ctx context.Context, r StatusReport) error {
	owner, name := parseOwnerRepo(r.RepoURL)
	if owner == "" || name == "" || r.Commit == "" {
		return fmt.Errorf("cannot derive owner/repo from %q", r.RepoURL)
	}
	state := r.State
	if state == "" {
		state = StatePending
	}
	status := &gogithub.RepoStatus{
		State:       gogithub.Ptr(state),
		Description: gogithub.Ptr(truncate(r.Description, 140)),
		Context:     gogithub.Ptr(StatusContext),
	}
	if r.TargetURL != "" {
		status.TargetURL = gogithub.Ptr(r.TargetURL)
	}
	if _, _, err := g.client.Repositories.CreateStatus(ctx, owner, name, r.Commit, status); err != nil {
		return fmt.Errorf("creating GitHub status on %s/%s@%s: %w", owner, name, r.Commit, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
