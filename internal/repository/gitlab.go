package repository

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/covscan/internal/config"
)

// GitLabReporter posts commit statuses to GitLab (cloud and self-hosted).
type GitLabReporter struct {
	client *gitlab.Client
	host   string
}

// NewGitLab creates a GitLabReporter from the given configuration.
func NewGitLab(cfg config.GitLabConfig) (*GitLabReporter, error) {
	opts := []gitlab.ClientOptionFunc{}
	if cfg.Host != "" && cfg.Host != "gitlab.com" {
		base := fmt.Sprintf("https://%s/api/v4/", cfg.Host)
		opts = append(opts, gitlab.WithBaseURL(base))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	return &GitLabReporter{client: client, host: cfg.Host}, nil
}

func (g *GitLabReporter) Name() string { return "gitlab" }

func (g *GitLabReporter) ReportStatus(ctx context.Context, r StatusReport) error {
	pid := projectPath(r.RepoURL)
	if pid == "" || r.Commit == "" {
		return fmt.Errorf("cannot derive project path from %q", r.RepoURL)
	}
	opts := &gitlab.SetCommitStatusOptions{
		State:       gitlabState(r.State),
		Name:        gitlab.Ptr(StatusContext),
		Description: gitlab.Ptr(truncate(r.Description, 255)),
		Coverage:    r.Coverage,
	}
	if r.Branch != "" {
		opts.Ref = gitlab.Ptr(r.Branch)
	}
	if r.TargetURL != "" {
		opts.TargetURL = gitlab.Ptr(r.TargetURL)
	}
	if _, _, err := g.client.Commits.SetCommitStatus(pid, r.Commit, opts, gitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("setting GitLab status on %s@%s: %w", pid, r.Commit, err)
	}
	return nil
}

func gitlabState(s string) gitlab.BuildStateValue {
	switch s {
	case StateSuccess:
		return gitlab.Success
	case StateFailure, StateError:
		return gitlab.Failed
	case StatePending:
		return gitlab.Pending
	}
	return gitlab.Running
}
