package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/covscan/internal/config"
)

func TestGitHubReportStatus(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"state":"success"}`))
	}))
	defer srv.Close()

	client, err := gogithub.NewClient(nil).WithEnterpriseURLs(srv.URL+"/", srv.URL+"/")
	require.NoError(t, err)
	rep := &GitHubReporter{client: client}

	err = rep.ReportStatus(context.Background(), StatusReport{
		RepoURL:     "git@github.com:acme/svc.git",
		Commit:      "abc123",
		State:       StateSuccess,
		Description: "line coverage 71.43%",
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/repos/acme/svc/statuses/abc123", path)
	assert.Equal(t, "success", got["state"])
	assert.Equal(t, StatusContext, got["context"])
}

func TestGitLabReportStatus(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"status":"failed"}`))
	}))
	defer srv.Close()

	client, err := gitlab.NewClient("tok", gitlab.WithBaseURL(srv.URL+"/api/v4/"))
	require.NoError(t, err)
	rep := &GitLabReporter{client: client}

	err = rep.ReportStatus(context.Background(), StatusReport{
		RepoURL: "https://gitlab.example.com/payments/billing.git",
		Commit:  "feedface",
		Branch:  "main",
		State:   StateFailure,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "/statuses/feedface"), path)
	assert.Equal(t, "failed", got["state"])
}

func TestReportersSkipUnknownProvider(t *testing.T) {
	rs, err := NewReporters(&config.Config{})
	require.NoError(t, err)
	assert.Empty(t, rs)
	// Must not panic for unknown hosts or missing reporters.
	rs.Report(context.Background(), StatusReport{RepoURL: "https://git.internal/x.git"})
	rs.Report(context.Background(), StatusReport{RepoURL: "https://github.com/a/b.git"})
}

func TestTokenForProviderPrefersHost(t *testing.T) {
	cfg := &config.Config{}
	cfg.Git.GitHub = []config.GitHubConfig{{Token: "public"}, {Token: "ghe", Host: "github.acme.io"}}
	assert.Equal(t, "ghe", TokenForProvider(cfg, "github", "https://github.acme.io/a/b.git"))
	assert.Equal(t, "public", TokenForProvider(cfg, "github", "https://github.com/a/b.git"))
}
