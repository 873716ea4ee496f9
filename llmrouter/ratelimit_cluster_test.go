package llmrouter

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func TestClusterLimiterBackoffUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "claude-3-sonnet"

	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)

	failing := &erroringAdapter{err: ErrRateLimited}
	wrapped := lim.Wrap(failing)
	_, _ = wrapped.ProcessText(context.Background(), "hi")

	time.Sleep(10 * time.Millisecond)

	v, ok := m.Get(key)
	if !ok {
		t.Fatal("expected key to exist in cluster map")
	}
	cur, err := strconv.Atoi(v)
	if err != nil {
		t.Fatalf("invalid value in cluster map: %v", err)
	}
	if cur >= 80000 {
		t.Fatalf("expected shared TPM to decrease, got %d", cur)
	}
}

func TestClusterLimiterProbeUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "gpt-4o-mini"

	m.values[key] = strconv.Itoa(1000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 1000, 2000)

	succeeding := &succeedingAdapter{name: "gpt-4o-mini", provider: "openai"}
	wrapped := lim.Wrap(succeeding)
	_, _ = wrapped.ProcessText(context.Background(), "hi")

	time.Sleep(10 * time.Millisecond)

	v, ok := m.Get(key)
	if !ok {
		t.Fatal("expected key to exist in cluster map")
	}
	cur, err := strconv.Atoi(v)
	if err != nil {
		t.Fatalf("invalid value in cluster map: %v", err)
	}
	if cur <= 1000 {
		t.Fatalf("expected shared TPM to increase, got %d", cur)
	}
}

func TestNewAdaptiveRateLimiterWithoutClusterMapIsProcessLocal(t *testing.T) {
	lim := NewAdaptiveRateLimiter(context.Background(), nil, "ignored", 500, 500)
	if got := lim.CurrentTPM(); got != 500 {
		t.Fatalf("expected process-local limiter seeded at initialTPM, got %v", got)
	}
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

type succeedingAdapter struct{ name, provider string }

func (s *succeedingAdapter) Name() string           { return s.name }
func (s *succeedingAdapter) Provider() string       { return s.provider }
func (s *succeedingAdapter) Capabilities() []string { return nil }
func (s *succeedingAdapter) ProcessText(_ context.Context, prompt string) (string, error) {
	return "echo:" + prompt, nil
}
func (s *succeedingAdapter) GenerateStructuredResponse(_ context.Context, _, _ string) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
