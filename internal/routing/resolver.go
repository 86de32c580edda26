// Package routing maps a repository to its ScanConfig and notification
// targets. The table is held in immutable snapshots swapped atomically on
// reload; readers never lock.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	re2 "github.com/wasilibs/go-re2"

	"github.com/CosmoTheDev/covscan/models"
)

// ErrRoutingNotFound marks a lookup that fell through to the default.
// Resolve never returns it; it is only logged.
var ErrRoutingNotFound = errors.New("no routing rule matched")

// Store is the read-only lookup the pipeline consumes.
type Store interface {
	ScanConfig(repoURL, repoName string) models.ScanConfig
	Target(id string) (models.NotificationTarget, bool)
}

// Match kinds, in precedence order.
const (
	MatchExact    = "exact"
	MatchNameGlob = "name_wildcard"
	MatchURL      = "url"
	MatchDefault  = "default"
)

// Match explains which rule produced a config.
type Match struct {
	Config  models.ScanConfig `json:"config"`
	Kind    string            `json:"kind"`
	Pattern string            `json:"pattern,omitempty"`
}

type compiledRule struct {
	pattern string
	literal int // non-wildcard characters, used for ordering
	config  models.ScanConfig
	name    *re2.Regexp // anchored, nil for exact rules
	url     *re2.Regexp // unanchored, nil for plain substring
}

// Snapshot is one immutable version of the routing table.
type Snapshot struct {
	defaults  models.ScanConfig
	exact     map[string]models.ScanConfig
	nameGlobs []compiledRule
	urlRules  []compiledRule
	rules     []Rule
	targets   map[string]models.NotificationTarget
	Source    string
	LoadedAt  time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Build compiles and validates f with an unconfigured fallback target. An
// invalid table returns an error and no snapshot.
func Build(f File, source string) (*Snapshot, error) {
	return build(f, source, FileTarget{})
}

// build registers fallback as the DefaultTargetID target unless f defines
// one itself, so the built-in default rule always names a real target.
func build(f File, source string, fallback FileTarget) (*Snapshot, error) {
	s := &Snapshot{
		exact:    make(map[string]models.ScanConfig),
		targets:  make(map[string]models.NotificationTarget),
		rules:    append([]Rule(nil), f.Repos...),
		Source:   source,
		LoadedAt: time.Now().UTC(),
	}

	for _, ft := range f.Targets {
		t := ft.target()
		if err := validate.Struct(t); err != nil {
			return nil, fmt.Errorf("target %q: %w", t.ID, err)
		}
		if _, dup := s.targets[t.ID]; dup {
			return nil, fmt.Errorf("target %q defined twice", t.ID)
		}
		s.targets[t.ID] = t
	}
	if _, ok := s.targets[DefaultTargetID]; !ok {
		t, err := fallbackTarget(fallback, source)
		if err != nil {
			return nil, err
		}
		s.targets[DefaultTargetID] = t
	}

	s.defaults = f.Default.apply(BuiltinDefault())
	if err := s.check(s.defaults, "default"); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(f.Repos))
	for _, r := range f.Repos {
		p := strings.TrimSpace(r.Pattern)
		if p == "" {
			return nil, errors.New("repo rule with empty pattern")
		}
		if seen[p] {
			return nil, fmt.Errorf("repo pattern %q defined twice", p)
		}
		seen[p] = true

		cfg := r.apply(s.defaults)
		cfg.RepoIdentity = p
		if err := s.check(cfg, p); err != nil {
			return nil, err
		}

		cr := compiledRule{pattern: p, literal: len(strings.ReplaceAll(p, "*", "")), config: cfg}
		if strings.Contains(p, "*") {
			var err error
			if cr.url, err = re2.Compile(globToRegex(p)); err != nil {
				return nil, fmt.Errorf("repo pattern %q: %w", p, err)
			}
			if !strings.Contains(p, "/") {
				if cr.name, err = re2.Compile("^" + globToRegex(p) + "$"); err != nil {
					return nil, fmt.Errorf("repo pattern %q: %w", p, err)
				}
				s.nameGlobs = append(s.nameGlobs, cr)
			}
		} else if !strings.Contains(p, "/") {
			s.exact[p] = cfg
		}
		s.urlRules = append(s.urlRules, cr)
	}

	sortRules(s.nameGlobs)
	sortRules(s.urlRules)
	return s, nil
}

func fallbackTarget(ft FileTarget, source string) (models.NotificationTarget, error) {
	ft.ID = DefaultTargetID
	t := ft.target()
	if t.Endpoint == "" {
		t.Enabled = false
		slog.Warn("No default notification target configured; repositories without a rule notify nobody",
			"routing", source, "fix", "set notify.default_target.endpoint or define target \""+DefaultTargetID+"\"")
		return t, nil
	}
	if err := validate.Struct(t); err != nil {
		return t, fmt.Errorf("default target: %w", err)
	}
	return t, nil
}

func (s *Snapshot) check(cfg models.ScanConfig, where string) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("rule %q: %w", where, err)
	}
	for _, id := range cfg.NotificationTargets {
		if _, ok := s.targets[id]; !ok {
			return fmt.Errorf("rule %q: unknown target %q", where, id)
		}
	}
	return nil
}

// sortRules orders rules so evaluation does not depend on file order: more
// literal characters first, then lexical pattern order.
func sortRules(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].literal != rules[j].literal {
			return rules[i].literal > rules[j].literal
		}
		return rules[i].pattern < rules[j].pattern
	})
}

func globToRegex(p string) string {
	parts := strings.Split(p, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return strings.Join(parts, ".*")
}

// Resolve returns the config for a repository. It never fails.
func (s *Snapshot) Resolve(repoURL, repoName string) Match {
	name := strings.TrimSuffix(strings.TrimSpace(repoName), ".git")

	if name != "" {
		if cfg, ok := s.exact[name]; ok {
			return Match{Config: cfg.Clone(), Kind: MatchExact, Pattern: name}
		}
		for _, r := range s.nameGlobs {
			if r.name.MatchString(name) {
				return Match{Config: r.config.Clone(), Kind: MatchNameGlob, Pattern: r.pattern}
			}
		}
	}
	if repoURL != "" {
		for _, r := range s.urlRules {
			if (r.url != nil && r.url.MatchString(repoURL)) || (r.url == nil && strings.Contains(repoURL, r.pattern)) {
				return Match{Config: r.config.Clone(), Kind: MatchURL, Pattern: r.pattern}
			}
		}
	}

	cfg := s.defaults.Clone()
	cfg.RepoIdentity = firstNonEmpty(name, repoURL, cfg.RepoIdentity)
	return Match{Config: cfg, Kind: MatchDefault}
}

// Target looks up a notification target.
func (s *Snapshot) Target(id string) (models.NotificationTarget, bool) {
	t, ok := s.targets[id]
	return t, ok
}

// Rules returns the repo rules as loaded.
func (s *Snapshot) Rules() []Rule { return append([]Rule(nil), s.rules...) }

// TargetIDs returns every target id, sorted.
func (s *Snapshot) TargetIDs() []string {
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolver holds the current snapshot and reloads it from Path.
type Resolver struct {
	path     string
	fallback FileTarget
	snap     atomic.Pointer[Snapshot]
}

// New loads path (empty path means built-in defaults only). fallback backs
// the "default" target when the table does not define one.
func New(path string, fallback FileTarget) (*Resolver, error) {
	r := &Resolver{path: path, fallback: fallback}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic builds a Resolver from an in-memory table; Reload is a no-op.
func NewStatic(f File) (*Resolver, error) {
	s, err := Build(f, "static")
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	r.snap.Store(s)
	return r, nil
}

// Reload re-reads the routing file and swaps the snapshot. On error the
// previous snapshot stays active.
func (r *Resolver) Reload() error {
	if r.path == "" {
		if r.snap.Load() == nil {
			s, err := build(File{}, "builtin", r.fallback)
			if err != nil {
				return err
			}
			r.snap.Store(s)
		}
		return nil
	}
	f, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	s, err := build(f, r.path, r.fallback)
	if err != nil {
		return fmt.Errorf("routing table %s: %w", r.path, err)
	}
	r.snap.Store(s)
	slog.Info("Routing table loaded", "path", r.path, "rules", len(s.rules), "targets", len(s.targets))
	return nil
}

// Snapshot returns the current snapshot.
func (r *Resolver) Snapshot() *Snapshot { return r.snap.Load() }

// Resolve returns the config and the rule that produced it.
func (r *Resolver) Resolve(repoURL, repoName string) Match {
	m := r.Snapshot().Resolve(repoURL, repoName)
	if m.Kind == MatchDefault {
		slog.Info("Using default scan config", "repo", repoName, "url", repoURL, "reason", ErrRoutingNotFound)
	}
	return m
}

// ScanConfig implements Store.
func (r *Resolver) ScanConfig(repoURL, repoName string) models.ScanConfig {
	return r.Resolve(repoURL, repoName).Config
}

// Target implements Store.
func (r *Resolver) Target(id string) (models.NotificationTarget, bool) {
	return r.Snapshot().Target(id)
}

// Targets returns the configured targets for ids, skipping unknown ones.
func (r *Resolver) Targets(ids []string) []models.NotificationTarget {
	s := r.Snapshot()
	out := make([]models.NotificationTarget, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.Target(id); ok {
			out = append(out, t)
		} else {
			slog.Warn("Notification target not found", "target", id)
		}
	}
	return out
}

// WatchSignals reloads on SIGHUP until ctx is done.
func (r *Resolver) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := r.Reload(); err != nil {
					slog.Error("Routing reload failed; keeping previous table", "error", err)
				}
			}
		}
	}()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
