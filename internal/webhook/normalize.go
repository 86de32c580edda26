// Package webhook turns provider push payloads into models.PushEvent.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/covscan/models"
)

// ErrMalformedPayload is returned when the body is not a JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
	ProviderGitee  = "gitee"

	zeroSHA = "0000000000000000000000000000000000000000"
)

// Ignore reasons surfaced to the webhook caller.
const (
	ReasonNotBranch    = "not a branch push"
	ReasonDeleted      = "branch deleted"
	ReasonUnrecognized = "unrecognized provider"
	ReasonNoCommit     = "no commit id in payload"
	ReasonNoRepo       = "no repository url in payload"
)

type parser struct {
	provider string
	matches  func(keys map[string]json.RawMessage) bool
	parse    func(raw []byte) (models.PushEvent, *models.IgnoredEvent, error)
}

// parsers are tried in this order; the first whose shape matches wins.
var parsers = []parser{
	{ProviderGitHub, isGitHub, parseGitHub},
	{ProviderGitLab, isGitLab, parseGitLab},
	{ProviderGitee, isGitee, parseGitee},
}

// Normalize parses a push payload from any supported provider. Exactly one of
// the event or the ignored result is meaningful when err is nil.
func Normalize(raw []byte) (models.PushEvent, *models.IgnoredEvent, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return models.PushEvent{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for _, p := range parsers {
		if p.matches(keys) {
			return p.parse(raw)
		}
	}
	return models.PushEvent{}, ignored(ReasonUnrecognized), nil
}

// NormalizeRequest is Normalize plus event-type headers some providers only
// send out of band (GitHub's X-GitHub-Event, Gitee's X-Gitee-Event).
func NormalizeRequest(header http.Header, raw []byte) (models.PushEvent, *models.IgnoredEvent, error) {
	if ev := header.Get("X-GitHub-Event"); ev != "" && ev != "push" {
		if !json.Valid(raw) {
			return models.PushEvent{}, nil, ErrMalformedPayload
		}
		return models.PushEvent{}, ignored("unsupported event " + ev), nil
	}
	if ev := header.Get("X-Gitee-Event"); ev != "" && ev != "Push Hook" {
		if !json.Valid(raw) {
			return models.PushEvent{}, nil, ErrMalformedPayload
		}
		return models.PushEvent{}, ignored("unsupported event " + ev), nil
	}
	return Normalize(raw)
}

func ignored(reason string) *models.IgnoredEvent {
	return &models.IgnoredEvent{Reason: reason}
}

func has(keys map[string]json.RawMessage, names ...string) bool {
	for _, n := range names {
		if _, ok := keys[n]; !ok {
			return false
		}
	}
	return true
}

func hasAny(keys map[string]json.RawMessage, names ...string) bool {
	for _, n := range names {
		if _, ok := keys[n]; ok {
			return true
		}
	}
	return false
}

// branchFromRef strips refs/heads/. ok is false for tags and other refs.
func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func isZeroSHA(s string) bool {
	return s != "" && strings.Trim(s, "0") == ""
}

// finish applies the checks shared by every provider.
func finish(ev models.PushEvent, ref string, deleted bool) (models.PushEvent, *models.IgnoredEvent, error) {
	branch, ok := branchFromRef(ref)
	if !ok {
		return models.PushEvent{}, ignored(ReasonNotBranch), nil
	}
	if deleted || isZeroSHA(ev.CommitID) {
		return models.PushEvent{}, ignored(ReasonDeleted), nil
	}
	if ev.CommitID == "" {
		return models.PushEvent{}, ignored(ReasonNoCommit), nil
	}
	if ev.RepoURL == "" {
		return models.PushEvent{}, ignored(ReasonNoRepo), nil
	}
	ev.Branch = branch
	if ev.RepoName == "" {
		ev.RepoName = nameFromURL(ev.RepoURL)
	}
	return ev, nil, nil
}

// nameFromURL returns the last path segment of a clone URL without .git.
func nameFromURL(u string) string {
	u = strings.TrimSuffix(strings.TrimRight(u, "/"), ".git")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// ---- GitHub ----------------------------------------------------------------

// isGitHub matches the generic repository+ref shape once the GitLab and
// Gitee markers are ruled out.
func isGitHub(keys map[string]json.RawMessage) bool {
	return has(keys, "repository", "ref") && !isGitLab(keys) && !isGitee(keys)
}

func parseGitHub(raw []byte) (models.PushEvent, *models.IgnoredEvent, error) {
	var p github.PushEvent
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.PushEvent{}, nil, fmt.Errorf("%w: github push: %v", ErrMalformedPayload, err)
	}
	repo := p.GetRepo()
	owner := firstNonEmpty(repo.GetOwner().GetLogin(), repo.GetOwner().GetName(), repo.GetOrganization())
	var constructed string
	if owner != "" && repo.GetName() != "" {
		constructed = fmt.Sprintf("https://github.com/%s/%s.git", owner, repo.GetName())
	}

	var last string
	if n := len(p.Commits); n > 0 {
		last = p.Commits[n-1].GetID()
	}

	ev := models.PushEvent{
		Provider:     ProviderGitHub,
		RepoURL:      firstNonEmpty(repo.GetSSHURL(), repo.GetCloneURL(), constructed),
		RepoName:     repo.GetName(),
		CommitID:     firstNonEmpty(p.GetAfter(), p.GetHeadCommit().GetID(), last),
		RawEventType: "push",
	}
	return finish(ev, p.GetRef(), p.GetDeleted())
}

// ---- GitLab ----------------------------------------------------------------

func isGitLab(keys map[string]json.RawMessage) bool {
	return hasAny(keys, "object_kind") || has(keys, "project", "checkout_sha")
}

func parseGitLab(raw []byte) (models.PushEvent, *models.IgnoredEvent, error) {
	var p gitlab.PushEvent
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.PushEvent{}, nil, fmt.Errorf("%w: gitlab push: %v", ErrMalformedPayload, err)
	}
	kind := firstNonEmpty(p.ObjectKind, p.EventName, "push")
	if kind != "push" {
		if kind == "tag_push" {
			return models.PushEvent{}, ignored(ReasonNotBranch), nil
		}
		return models.PushEvent{}, ignored("unsupported event " + kind), nil
	}

	var constructed string
	if p.Project.WebURL != "" {
		constructed = strings.TrimRight(p.Project.WebURL, "/") + ".git"
	}
	var last string
	if n := len(p.Commits); n > 0 && p.Commits[n-1] != nil {
		last = p.Commits[n-1].ID
	}
	name := p.Project.Name
	if pwn := p.Project.PathWithNamespace; pwn != "" {
		name = pwn[strings.LastIndex(pwn, "/")+1:]
	}

	ev := models.PushEvent{
		Provider:     ProviderGitLab,
		RepoURL:      firstNonEmpty(p.Project.GitSSHURL, p.Project.GitHTTPURL, constructed),
		RepoName:     name,
		CommitID:     firstNonEmpty(p.After, p.CheckoutSHA, last),
		RawEventType: kind,
	}
	return finish(ev, p.Ref, false)
}

// ---- Gitee -----------------------------------------------------------------

type giteePush struct {
	HookName   string `json:"hook_name"`
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
	Repository struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		FullName   string `json:"full_name"`
		Namespace  string `json:"namespace"`
		SSHURL     string `json:"ssh_url"`
		GitHTTPURL string `json:"git_http_url"`
		CloneURL   string `json:"clone_url"`
		Owner      struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Enterprise *struct {
		Path string `json:"path"`
	} `json:"enterprise"`
}

// isGitee also claims "enterprise" payloads, except GitHub Enterprise ones
// whose repository carries a node_id.
func isGitee(keys map[string]json.RawMessage) bool {
	if hasAny(keys, "hook_name", "password") {
		return true
	}
	var repo struct {
		Namespace string          `json:"namespace"`
		NodeID    json.RawMessage `json:"node_id"`
	}
	if r, ok := keys["repository"]; ok && json.Unmarshal(r, &repo) == nil {
		if repo.Namespace != "" {
			return true
		}
		return hasAny(keys, "enterprise") && repo.NodeID == nil
	}
	return hasAny(keys, "enterprise")
}

func parseGitee(raw []byte) (models.PushEvent, *models.IgnoredEvent, error) {
	var p giteePush
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.PushEvent{}, nil, fmt.Errorf("%w: gitee push: %v", ErrMalformedPayload, err)
	}
	if p.HookName != "" && p.HookName != "push_hooks" {
		return models.PushEvent{}, ignored("unsupported event " + p.HookName), nil
	}
	r := p.Repository
	org := firstNonEmpty(r.Namespace, r.Owner.Login)
	if org == "" && p.Enterprise != nil {
		org = p.Enterprise.Path
	}
	name := firstNonEmpty(r.Path, r.Name)
	var constructed string
	if org != "" && name != "" {
		constructed = fmt.Sprintf("https://gitee.com/%s/%s.git", org, name)
	}
	var head, last string
	if p.HeadCommit != nil {
		head = p.HeadCommit.ID
	}
	if n := len(p.Commits); n > 0 {
		last = p.Commits[n-1].ID
	}

	ev := models.PushEvent{
		Provider:     ProviderGitee,
		RepoURL:      firstNonEmpty(r.SSHURL, r.GitHTTPURL, r.CloneURL, constructed),
		RepoName:     name,
		CommitID:     firstNonEmpty(p.After, head, last),
		RawEventType: firstNonEmpty(p.HookName, "push_hooks"),
	}
	return finish(ev, p.Ref, p.Deleted)
}
