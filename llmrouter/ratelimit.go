package llmrouter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// ErrRateLimited indicates the wrapped adapter rejected a call due to
// provider-side rate limiting. Adapter implementations that surface this
// (wrapped via errors.Is) trigger AdaptiveRateLimiter's backoff.
var ErrRateLimited = errors.New("llmrouter: rate limited")

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in
	// front of an Adapter: it estimates the token cost of each call, blocks
	// the caller until budget is available, and adjusts its effective
	// tokens-per-minute ceiling up on success and down on ErrRateLimited.
	//
	// When constructed with a Pulse replicated map and key, the budget is
	// coordinated across every process sharing that map: a backoff or probe
	// observed by one process is written to the shared map and reconciled
	// into every other process's local limiter. Without a map it runs
	// process-local, useful for single-process callers and tests.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedAdapter struct {
		next    Adapter
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware
	// limiter, narrowed so tests can substitute a fake in-process map.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. When m and key are both set, capacity is
// coordinated across processes via the Pulse replicated map; otherwise the
// limiter operates process-local. A non-positive initialTPM defaults to a
// conservative 60,000 TPM; maxTPM is clamped up to initialTPM if supplied
// too small.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns an Adapter that enforces this limiter around every call to
// next, reporting the adapter's own Name/Provider/Capabilities unchanged.
func (l *AdaptiveRateLimiter) Wrap(next Adapter) Adapter {
	if next == nil {
		return nil
	}
	return &limitedAdapter{next: next, limiter: l}
}

func (a *limitedAdapter) Name() string           { return a.next.Name() }
func (a *limitedAdapter) Provider() string       { return a.next.Provider() }
func (a *limitedAdapter) Capabilities() []string { return a.next.Capabilities() }

func (a *limitedAdapter) ProcessText(ctx context.Context, prompt string) (string, error) {
	if err := a.limiter.wait(ctx, estimateTokens(prompt)); err != nil {
		return "", err
	}
	out, err := a.next.ProcessText(ctx, prompt)
	a.limiter.observe(err)
	return out, err
}

func (a *limitedAdapter) GenerateStructuredResponse(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	if err := a.limiter.wait(ctx, estimateTokens(systemPrompt)+estimateTokens(userPrompt)); err != nil {
		return nil, err
	}
	out, err := a.next.GenerateStructuredResponse(ctx, systemPrompt, userPrompt)
	a.limiter.observe(err)
	return out, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onBackoff

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onProbe

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// ceiling, primarily for tests and diagnostics.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// replaceTPM updates the limiter's effective budget to tpm, clamped to the
// configured [minTPM, maxTPM] range. Used to reconcile a locally-cached
// budget with a value observed on the shared cluster map.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// estimateTokens computes a cheap heuristic for the number of tokens in a
// prompt string: a fixed ratio of characters to tokens plus a small buffer
// for system/provider framing overhead.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 500
	}
	tokens := len(s) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

// JoinClusterRateLimitMap joins (or creates) the Pulse replicated map backed
// by rdb under name. Every process that joins the same name over the same
// Redis instance shares one AdaptiveRateLimiter budget when the returned map
// is passed to NewAdaptiveRateLimiter or Pool.EnableClusterRateLimit.
func JoinClusterRateLimitMap(ctx context.Context, name string, rdb *redis.Client) (*rmap.Map, error) {
	return rmap.Join(ctx, name, rdb)
}

// newClusterAdaptiveRateLimiter builds the limiter, wiring cluster
// coordination in when m and key are both usable; otherwise it falls back
// to a process-local limiter.
func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Best-effort initialization: if the key does not exist yet, seed it
	// with the initial value. A concurrent writer may still win; the
	// reconciliation subscription below picks up whatever wins.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Seeding the shared budget failed; fall back to process-local
			// rather than treating the cluster map as partially initialized.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	min := l.minTPM
	max := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalBackoff(context.Background(), m, key, min)
		},
		func(_ float64) {
			go globalProbe(context.Background(), m, key, step, max)
		},
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
