package routing

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/models"
)

func targets(ids ...string) []FileTarget {
	out := make([]FileTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, FileTarget{ID: id, Endpoint: "https://open.feishu.cn/hook/" + id})
	}
	return out
}

func TestResolveNameWildcard(t *testing.T) {
	r, err := NewStatic(File{
		Targets: targets("teamA"),
		Repos:   []Rule{{Pattern: "frontend-*", Targets: []string{"teamA"}}},
	})
	require.NoError(t, err)

	m := r.Resolve("git@git.example.com:web/frontend-dashboard.git", "frontend-dashboard")
	assert.Equal(t, MatchNameGlob, m.Kind)
	assert.Equal(t, []string{"teamA"}, m.Config.NotificationTargets)
}

func TestResolveExactWinsRegardlessOfOrder(t *testing.T) {
	rules := []Rule{
		{Pattern: "billing", Targets: []string{"exact"}},
		{Pattern: "bill*", Targets: []string{"glob"}},
		{Pattern: "*ing", Targets: []string{"glob2"}},
		{Pattern: "payments/", Targets: []string{"path"}},
		{Pattern: "*", Targets: []string{"any"}},
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]Rule(nil), rules...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		r, err := NewStatic(File{Targets: targets("exact", "glob", "glob2", "path", "any"), Repos: shuffled})
		require.NoError(t, err)

		m := r.Resolve("https://git.example.com/payments/billing.git", "billing")
		assert.Equal(t, MatchExact, m.Kind)
		assert.Equal(t, []string{"exact"}, m.Config.NotificationTargets)

		// Among wildcards the more literal pattern wins, independent of order.
		m = r.Resolve("https://git.example.com/x/billings.git", "billings")
		assert.Equal(t, "bill*", m.Pattern)
	}
}

func TestResolveURLPatternAndDefault(t *testing.T) {
	retries := 0
	r, err := NewStatic(File{
		Default: Rule{Targets: []string{"ops"}, MaxRetries: &retries},
		Targets: targets("ops", "pay"),
		Repos: []Rule{
			{Pattern: "git.example.com/payments/*", Targets: []string{"pay"}, Strategy: "local"},
		},
	})
	require.NoError(t, err)

	m := r.Resolve("https://git.example.com/payments/ledger.git", "ledger")
	assert.Equal(t, MatchURL, m.Kind)
	assert.Equal(t, []string{"pay"}, m.Config.NotificationTargets)
	assert.Equal(t, models.StrategyLocal, m.Config.ExecutionStrategy)

	m = r.Resolve("https://git.example.com/other/thing.git", "thing")
	assert.Equal(t, MatchDefault, m.Kind)
	assert.Equal(t, []string{"ops"}, m.Config.NotificationTargets)
	assert.Equal(t, 0, m.Config.MaxRetries)
	assert.Equal(t, "thing", m.Config.RepoIdentity)
	assert.Equal(t, DefaultGoals, m.Config.BuildGoals)
}

func TestResolveReturnsCopies(t *testing.T) {
	r, err := NewStatic(File{Targets: targets("a"), Repos: []Rule{{Pattern: "svc", Targets: []string{"a"}}}})
	require.NoError(t, err)
	cfg := r.ScanConfig("", "svc")
	cfg.NotificationTargets[0] = "mutated"
	assert.Equal(t, []string{"a"}, r.ScanConfig("", "svc").NotificationTargets)
}

func TestBuildRejectsInvalid(t *testing.T) {
	cases := map[string]File{
		"unknown target": {Repos: []Rule{{Pattern: "x", Targets: []string{"missing"}}}},
		"bad strategy":   {Repos: []Rule{{Pattern: "x", Strategy: "cloud"}}},
		"bad endpoint":   {Targets: []FileTarget{{ID: "t", Endpoint: "not a url"}}},
		"dup pattern":    {Repos: []Rule{{Pattern: "x"}, {Pattern: "x"}}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(f, "test")
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	good := `
targets:
  - id: teamA
    endpoint: https://open.feishu.cn/hook/a
    retry_count: 2
repos:
  - pattern: "frontend-*"
    targets: [teamA]
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))
	r, err := New(path, FileTarget{})
	require.NoError(t, err)

	tgt, ok := r.Target("teamA")
	require.True(t, ok)
	assert.True(t, tgt.Enabled)
	assert.Equal(t, 2, tgt.RetryCount)
	assert.Equal(t, "feishu", tgt.Kind)

	before := r.Snapshot()
	require.NoError(t, os.WriteFile(path, []byte("repos:\n  - pattern: x\n    strategy: nope\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.Same(t, before, r.Snapshot())
}

func TestParseJSONTable(t *testing.T) {
	f, err := Parse([]byte(`{"targets":[{"id":"t","endpoint":"https://h/x","enabled":false}],"repos":[{"pattern":"a","targets":["t"]}]}`))
	require.NoError(t, err)
	s, err := Build(f, "json")
	require.NoError(t, err)
	tgt, ok := s.Target("t")
	require.True(t, ok)
	assert.False(t, tgt.Enabled)
}

func TestBuiltinOnly(t *testing.T) {
	r, err := New("", FileTarget{})
	require.NoError(t, err)
	m := r.Resolve("https://h/x.git", "")
	assert.Equal(t, MatchDefault, m.Kind)
	assert.Equal(t, "https://h/x.git", m.Config.RepoIdentity)
	require.Len(t, m.Config.NotificationTargets, 1)
	assert.Equal(t, DefaultTargetID, m.Config.NotificationTargets[0])

	tgt, ok := r.Target(DefaultTargetID)
	require.True(t, ok)
	assert.False(t, tgt.Enabled, "no endpoint configured")
}

func TestDefaultRouteAlwaysHasATarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	table := `
targets:
  - id: teamA
    endpoint: https://open.feishu.cn/hook/a
repos:
  - pattern: "frontend-*"
    targets: [teamA]
`
	require.NoError(t, os.WriteFile(path, []byte(table), 0o600))

	fallback := FileTarget{Endpoint: "https://open.feishu.cn/hook/ops", Secret: "s3"}
	r, err := New(path, fallback)
	require.NoError(t, err)

	m := r.Resolve("https://git.example.com/backend/ledger.git", "ledger")
	assert.Equal(t, MatchDefault, m.Kind)
	require.Len(t, m.Config.NotificationTargets, 1)

	tgt, ok := r.Target(m.Config.NotificationTargets[0])
	require.True(t, ok)
	assert.True(t, tgt.Enabled)
	assert.Equal(t, "https://open.feishu.cn/hook/ops", tgt.Endpoint)
	assert.Equal(t, "feishu", tgt.Kind)
	assert.Equal(t, 3, tgt.RetryCount)

	// Reload keeps the fallback.
	require.NoError(t, r.Reload())
	tgt, ok = r.Target(DefaultTargetID)
	require.True(t, ok)
	assert.True(t, tgt.Enabled)
}

func TestTableDefinedDefaultTargetWins(t *testing.T) {
	r, err := NewStatic(File{Targets: []FileTarget{{ID: DefaultTargetID, Endpoint: "https://h/table"}}})
	require.NoError(t, err)
	m := r.Resolve("", "anything")
	assert.Equal(t, []string{DefaultTargetID}, m.Config.NotificationTargets)
	tgt, _ := r.Target(DefaultTargetID)
	assert.Equal(t, "https://h/table", tgt.Endpoint)
}

func TestInvalidFallbackEndpointIsRejected(t *testing.T) {
	_, err := New("", FileTarget{Endpoint: "not a url"})
	assert.Error(t, err)
}
