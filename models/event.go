package models

// PushEvent is the provider-agnostic form of "repo X, commit Y, branch Z was
// pushed". It is built once by the webhook normalizer and never modified.
type PushEvent struct {
	Provider     string `json:"provider"` // github | gitlab | gitee
	RepoURL      string `json:"repo_url"`
	RepoName     string `json:"repo_name"`
	CommitID     string `json:"commit_id"`
	Branch       string `json:"branch"`
	RawEventType string `json:"raw_event_type"`
}

// ShortCommit returns the first 8 characters of the commit id.
func (e PushEvent) ShortCommit() string {
	if len(e.CommitID) > 8 {
		return e.CommitID[:8]
	}
	return e.CommitID
}

// IgnoredEvent reports a recognised payload that does not warrant a scan.
type IgnoredEvent struct {
	Reason string `json:"reason"`
}
