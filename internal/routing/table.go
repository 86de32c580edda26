package routing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/covscan/models"
)

// File is the on-disk routing table. JSON is accepted as well since it is a
// YAML subset.
type File struct {
	Default Rule         `yaml:"default" json:"default"`
	Targets []FileTarget `yaml:"targets" json:"targets"`
	Repos   []Rule       `yaml:"repos"   json:"repos"`
}

// Rule maps a repository pattern to build and notification settings. Zero
// fields inherit from the default rule.
//
// Patterns without '*' or '/' match the repository name exactly; patterns
// with '*' are name wildcards; every pattern is finally tried against the
// full repository URL (substring, or unanchored wildcard).
type Rule struct {
	Pattern        string   `yaml:"pattern"         json:"pattern"`
	Targets        []string `yaml:"targets"         json:"targets"`
	BuildGoals     []string `yaml:"build_goals"     json:"build_goals"`
	Strategy       string   `yaml:"strategy"        json:"strategy"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     *int     `yaml:"max_retries"     json:"max_retries"`
}

// FileTarget is the file form of a notification target. Enabled defaults to
// true when omitted.
type FileTarget struct {
	ID             string `yaml:"id"              json:"id"`
	Kind           string `yaml:"kind"            json:"kind"`
	Endpoint       string `yaml:"endpoint"        json:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	RetryCount     int    `yaml:"retry_count"     json:"retry_count"`
	Enabled        *bool  `yaml:"enabled"         json:"enabled"`
	Secret         string `yaml:"secret"          json:"secret"`
}

func (t FileTarget) target() models.NotificationTarget {
	out := models.NotificationTarget{
		ID:             t.ID,
		Kind:           t.Kind,
		Endpoint:       t.Endpoint,
		TimeoutSeconds: t.TimeoutSeconds,
		RetryCount:     t.RetryCount,
		Enabled:        true,
		Secret:         t.Secret,
	}
	if out.Kind == "" {
		out.Kind = "feishu"
	}
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = 10
	}
	if out.RetryCount == 0 {
		out.RetryCount = 3
	}
	if t.Enabled != nil {
		out.Enabled = *t.Enabled
	}
	return out
}

// DefaultGoals is the fixed goal sequence used when a rule names none.
var DefaultGoals = []string{"clean", "compile", "test", "jacoco:report"}

// DefaultTargetID names the target the built-in default rule notifies.
const DefaultTargetID = "default"

// BuiltinDefault is used when no rule and no file default apply.
func BuiltinDefault() models.ScanConfig {
	return models.ScanConfig{
		RepoIdentity:        "default",
		BuildGoals:          append([]string(nil), DefaultGoals...),
		ExecutionStrategy:   models.StrategyShared,
		TimeoutSeconds:      1800,
		MaxRetries:          2,
		NotificationTargets: []string{DefaultTargetID},
	}
}

// LoadFile reads and parses a routing table.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading routing table: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON routing table. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parsing routing table: %w", err)
	}
	return f, nil
}

// apply overlays r onto base.
func (r Rule) apply(base models.ScanConfig) models.ScanConfig {
	out := base.Clone()
	if len(r.Targets) > 0 {
		out.NotificationTargets = append([]string(nil), r.Targets...)
	}
	if len(r.BuildGoals) > 0 {
		out.BuildGoals = append([]string(nil), r.BuildGoals...)
	}
	if r.Strategy != "" {
		out.ExecutionStrategy = models.ExecutionStrategy(r.Strategy)
	}
	if r.TimeoutSeconds > 0 {
		out.TimeoutSeconds = r.TimeoutSeconds
	}
	if r.MaxRetries != nil {
		out.MaxRetries = *r.MaxRetries
	}
	return out
}
