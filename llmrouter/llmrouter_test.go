package llmrouter_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/llmrouter"
)

type stubAdapter struct {
	name, provider string
	caps           []string
}

func (s *stubAdapter) Name() string           { return s.name }
func (s *stubAdapter) Provider() string       { return s.provider }
func (s *stubAdapter) Capabilities() []string { return s.caps }

func (s *stubAdapter) ProcessText(_ context.Context, prompt string) (string, error) {
	return "echo:" + prompt, nil
}

func (s *stubAdapter) GenerateStructuredResponse(_ context.Context, _, _ string) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func TestPoolResolveExactThenFuzzyThenAny(t *testing.T) {
	claude := &stubAdapter{name: "claude-3-sonnet", provider: "anthropic"}
	gpt := &stubAdapter{name: "gpt-4o-mini", provider: "openai"}
	pool := llmrouter.NewPool(claude, gpt)

	a, ok := pool.Resolve("claude-3-sonnet")
	require.True(t, ok)
	assert.Equal(t, "claude-3-sonnet", a.Name())

	a, ok = pool.Resolve("claude-3-opus") // not registered, fuzzy family match
	require.True(t, ok)
	assert.Equal(t, "claude-3-sonnet", a.Name())

	a, ok = pool.Resolve("nonexistent-model")
	require.True(t, ok) // last resort: any adapter
	assert.NotEmpty(t, a.Name())
}

func TestPoolSelectRoundRobinsWithinProvider(t *testing.T) {
	a1 := &stubAdapter{name: "a1", provider: "p", caps: []string{"structured-json"}}
	a2 := &stubAdapter{name: "a2", provider: "p", caps: []string{"structured-json"}}
	pool := llmrouter.NewPool(a1, a2)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		a, err := pool.Select(llmrouter.SelectConstraints{PreferredProvider: "p"})
		require.NoError(t, err)
		seen[a.Name()] = true
	}
	assert.True(t, seen["a1"])
	assert.True(t, seen["a2"])
}

func TestPoolSelectRequiresCapabilities(t *testing.T) {
	plain := &stubAdapter{name: "plain", provider: "p"}
	pool := llmrouter.NewPool(plain)

	_, err := pool.Select(llmrouter.SelectConstraints{RequiredCapabilities: []string{"structured-json"}})
	assert.ErrorIs(t, err, llmrouter.ErrNoAdapter)
}

func TestPoolRecordPerformanceAndStats(t *testing.T) {
	a := &stubAdapter{name: "a", provider: "p"}
	pool := llmrouter.NewPool(a)

	pool.RecordPerformance("a", llmrouter.PerformanceRecord{Success: true, TokensEstimate: 100})
	pool.RecordPerformance("a", llmrouter.PerformanceRecord{Success: false, TokensEstimate: 50})

	stats := pool.StatsFor("a")
	assert.Equal(t, 2, stats.Calls)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 150, stats.TotalTokens)
}

func TestAdaptiveRateLimiterBacksOffOnRateLimitError(t *testing.T) {
	limiter := llmrouter.NewAdaptiveRateLimiter(context.Background(), nil, "", 1000, 1000)
	before := limiter.CurrentTPM()

	failing := &erroringAdapter{err: llmrouter.ErrRateLimited}
	wrapped := limiter.Wrap(failing)
	_, _ = wrapped.ProcessText(context.Background(), "hi")

	assert.Less(t, limiter.CurrentTPM(), before)
}

type erroringAdapter struct{ err error }

func (e *erroringAdapter) Name() string           { return "err" }
func (e *erroringAdapter) Provider() string       { return "err" }
func (e *erroringAdapter) Capabilities() []string { return nil }
func (e *erroringAdapter) ProcessText(_ context.Context, _ string) (string, error) {
	return "", e.err
}
func (e *erroringAdapter) GenerateStructuredResponse(_ context.Context, _, _ string) (json.RawMessage, error) {
	return nil, e.err
}
