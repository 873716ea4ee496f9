// Package llmrouter implements the provider-agnostic LLM adapter pool
// consumed by the NLU Executor (C6): capability-constrained model selection,
// per-provider round-robin client pools, and lightweight performance
// tracking. The concrete provider clients (Anthropic, OpenAI, Ollama, …) are
// treated as "send a request, get a response" collaborators; this package
// only defines the Adapter contract they must satisfy and the pool that
// selects among them.
package llmrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Adapter is the interface the NLU Executor (C6) consumes to dispatch a
// prompt to a concrete model.
type Adapter interface {
	// Name is the adapter's registered identifier (e.g. "claude-3-sonnet",
	// "gpt-4o-mini"). Exact-name task/model matching compares against this.
	Name() string
	// Provider is the adapter's provider family (e.g. "anthropic", "openai",
	// "ollama"), used for fuzzy provider-family matching and round-robin
	// pool selection.
	Provider() string
	// Capabilities lists the declared capability tags this adapter
	// satisfies (e.g. "structured-json", "long-context").
	Capabilities() []string

	// ProcessText sends prompt to the model and returns its text response.
	ProcessText(ctx context.Context, prompt string) (string, error)
	// GenerateStructuredResponse sends a system/user prompt pair and returns
	// the model's response as a structured JSON value.
	GenerateStructuredResponse(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

// SelectConstraints narrows adapter selection to a capability set with an
// optional preferred provider or exact model name.
type SelectConstraints struct {
	RequiredCapabilities []string
	PreferredProvider    string
	PreferredModel       string
}

// PerformanceRecord is a lightweight, per-call observation the Pool
// maintains for each adapter.
type PerformanceRecord struct {
	Success        bool
	Duration       time.Duration
	TokensEstimate int
	At             time.Time
}

// Stats summarizes the performance records kept for one adapter.
type Stats struct {
	Calls        int
	Successes    int
	TotalTokens  int
	AvgDuration  time.Duration
	totalNanos   int64
}

// Pool selects adapters by capability/provider/model constraints, maintains
// a per-provider round-robin order, and records call outcomes. A single
// write lock protects round-robin counters and performance history; the
// adapters themselves are expected to be internally thread-safe.
type Pool struct {
	mu sync.Mutex

	byName     map[string]Adapter
	byProvider map[string][]Adapter
	rrIndex    map[string]int
	perf       map[string][]PerformanceRecord
}

// NewPool builds a Pool over adapters, indexing them by name and provider.
func NewPool(adapters ...Adapter) *Pool {
	p := &Pool{
		byName:     make(map[string]Adapter, len(adapters)),
		byProvider: make(map[string][]Adapter),
		rrIndex:    make(map[string]int),
		perf:       make(map[string][]PerformanceRecord),
	}
	for _, a := range adapters {
		p.byName[a.Name()] = a
		p.byProvider[a.Provider()] = append(p.byProvider[a.Provider()], a)
	}
	return p
}

// Add registers an additional adapter with the pool after construction.
func (p *Pool) Add(a Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName[a.Name()] = a
	p.byProvider[a.Provider()] = append(p.byProvider[a.Provider()], a)
}

// ErrNoAdapter indicates the pool has no adapter satisfying a selection
// request.
var ErrNoAdapter = fmt.Errorf("llmrouter: no adapter available")

// Select returns an adapter satisfying constraints, preferring an exact
// model-name match, then the preferred provider (round-robin among its
// adapters), then any adapter whose capabilities are a superset of
// RequiredCapabilities.
func (p *Pool) Select(c SelectConstraints) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.PreferredModel != "" {
		if a, ok := p.byName[c.PreferredModel]; ok {
			return a, nil
		}
	}
	if c.PreferredProvider != "" {
		if a := p.nextInProviderLocked(c.PreferredProvider, c.RequiredCapabilities); a != nil {
			return a, nil
		}
	}
	for provider := range p.byProvider {
		if a := p.nextInProviderLocked(provider, c.RequiredCapabilities); a != nil {
			return a, nil
		}
	}
	return nil, ErrNoAdapter
}

// nextInProviderLocked round-robins among provider's adapters, returning
// the next one (in rotation order) whose capabilities satisfy required.
// Callers must hold p.mu.
func (p *Pool) nextInProviderLocked(provider string, required []string) Adapter {
	adapters := p.byProvider[provider]
	if len(adapters) == 0 {
		return nil
	}
	start := p.rrIndex[provider]
	for i := 0; i < len(adapters); i++ {
		idx := (start + i) % len(adapters)
		a := adapters[idx]
		if hasCapabilities(a.Capabilities(), required) {
			p.rrIndex[provider] = (idx + 1) % len(adapters)
			return a
		}
	}
	return nil
}

func hasCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Resolve implements the NLU Executor's three-tier model dispatch:
// exact-name match first, then fuzzy provider family (any adapter
// whose name contains a substring of modelName and vice versa, e.g. any
// name containing "claude" resolves to any adapter whose key contains
// "claude"), and finally any registered adapter as a last resort.
func (p *Pool) Resolve(modelName string) (Adapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.byName[modelName]; ok {
		return a, true
	}
	lower := strings.ToLower(modelName)
	for name, a := range p.byName {
		if strings.Contains(strings.ToLower(name), lower) || strings.Contains(lower, strings.ToLower(name)) {
			return a, true
		}
	}
	for _, family := range []string{"claude", "gpt", "llama", "gemini", "mistral"} {
		if !strings.Contains(lower, family) {
			continue
		}
		for name, a := range p.byName {
			if strings.Contains(strings.ToLower(name), family) {
				return a, true
			}
		}
	}
	for _, a := range p.byName {
		return a, true
	}
	return nil, false
}

// ResolveModel implements nluplanner.ModelResolver: it selects any adapter
// satisfying capabilities (optionally preferring a provider) and returns its
// name, so the planner can bind a PlannedTask to a concrete model at plan
// time without depending on this package's concrete types.
func (p *Pool) ResolveModel(capabilities []string, preferredProvider string) (string, error) {
	a, err := p.Select(SelectConstraints{RequiredCapabilities: capabilities, PreferredProvider: preferredProvider})
	if err != nil {
		return "", err
	}
	return a.Name(), nil
}

// RecordPerformance appends a performance observation for the named
// adapter. Callers invoke this after every ProcessText/
// GenerateStructuredResponse call, successful or not, and decide their own
// retry policy on failure.
func (p *Pool) RecordPerformance(name string, rec PerformanceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := p.perf[name]
	history = append(history, rec)
	const maxHistory = 256
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	p.perf[name] = history
}

// StatsFor summarizes the performance history recorded for name.
func (p *Pool) StatsFor(name string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, rec := range p.perf[name] {
		s.Calls++
		if rec.Success {
			s.Successes++
		}
		s.TotalTokens += rec.TokensEstimate
		s.totalNanos += rec.Duration.Nanoseconds()
	}
	if s.Calls > 0 {
		s.AvgDuration = time.Duration(s.totalNanos / int64(s.Calls))
	}
	return s
}

// Get returns the adapter registered under name, if any.
func (p *Pool) Get(name string) (Adapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byName[name]
	return a, ok
}

// EnableClusterRateLimit wraps every adapter currently registered in the
// pool with an AdaptiveRateLimiter whose budget is coordinated across every
// process that joins the same Pulse map name over rdb, so a fleet of
// Coordinator/Executor processes shares one effective tokens-per-minute
// ceiling per adapter instead of each enforcing its own local budget.
func (p *Pool) EnableClusterRateLimit(ctx context.Context, rdb *redis.Client, mapName string, initialTPM, maxTPM float64) error {
	m, err := JoinClusterRateLimitMap(ctx, mapName, rdb)
	if err != nil {
		return fmt.Errorf("llmrouter: join cluster rate limit map: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, a := range p.byName {
		lim := NewAdaptiveRateLimiter(ctx, m, mapName+":"+name, initialTPM, maxTPM)
		p.byName[name] = lim.Wrap(a)
	}
	for provider, adapters := range p.byProvider {
		for i, a := range adapters {
			if wrapped, ok := p.byName[a.Name()]; ok {
				adapters[i] = wrapped
			}
		}
		p.byProvider[provider] = adapters
	}
	return nil
}
