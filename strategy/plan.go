package strategy

// Plan configures one Execute run: the numeric range to search, the
// dense/sparse mode cutoff, sharding and chunk sizing for sparse mode, and
// the optional pruning/ranking knobs.
type Plan struct {
	RangeStart uint64
	RangeEnd   uint64

	// PreferDenseCutoff: ranges at or below this use the dense array memo;
	// larger ranges use the sharded hash memo and parallel workers.
	PreferDenseCutoff uint64
	// Shards is the sharded memo's shard count for sparse mode; must be a
	// power of two.
	Shards int
	// Chunk is the initial per-worker batch size for sparse mode; the
	// supervisor adapts it at runtime.
	Chunk   uint64
	OddOnly bool

	// ProgressLogInterval, if non-zero, logs progress every N processed
	// candidates (adaptively rescaled in dense mode; sparse mode uses it
	// as given).
	ProgressLogInterval uint64

	// EarlyStopNoImprove halts the search after this many consecutive
	// candidates without a new best score, if set.
	EarlyStopNoImprove uint64

	// UpperBound, if set, lets the search stop early once no remaining
	// candidate could beat the current best.
	UpperBound UpperBoundEstimator

	// TopK, if set, retains the K highest-ranked candidates seen.
	TopK int

	// MemoryLimitMB, if set, forces sparse mode when the dense memo's
	// estimated footprint would exceed it even though RangeEnd is within
	// PreferDenseCutoff.
	MemoryLimitMB uint64

	MinScore *uint32
	MinAux   *uint64

	// CustomScoreExpr, if set, is an RPN-compilable expression over
	// `score`, `aux`, and `laux` (log10(aux+1)) used to rank Top-K entries
	// instead of raw score.
	CustomScoreExpr string
}

// DefaultPlan returns a Plan with sensible stock defaults for a full
// numeric sweep.
func DefaultPlan() Plan {
	return Plan{
		RangeStart:        2,
		RangeEnd:          1_000_000,
		PreferDenseCutoff: 120_000_000,
		Shards:            64,
		Chunk:             1_000_000,
	}
}

// EvalOutcome is one candidate's evaluation result: its score, the memo
// writes it produces, and an optional auxiliary metric used for Pareto
// tracking and custom score expressions.
type EvalOutcome struct {
	Score uint32
	Path  []PathEntry
	Aux   *uint64
}

// EvalFn evaluates one candidate n against the accumulated memo.
type EvalFn interface {
	Eval(n uint64, memo MemoBackend) EvalOutcome
}

// EvalFunc adapts a plain function to EvalFn.
type EvalFunc func(n uint64, memo MemoBackend) EvalOutcome

func (f EvalFunc) Eval(n uint64, memo MemoBackend) EvalOutcome { return f(n, memo) }

// UpperBoundEstimator bounds the best score still reachable in
// [nextNumeric, endNumeric], letting Execute stop once it can prove no
// remaining candidate can beat bestScore.
type UpperBoundEstimator interface {
	MaxRemainingScore(nextNumeric, endNumeric uint64, bestScore uint32) (uint32, bool)
}

// TopEntry is one retained Top-K candidate.
type TopEntry struct {
	N          uint64
	Score      uint32
	Aux        *uint64
	OrderScore float64
}

// ParetoEntry is one point on the (score, aux) Pareto frontier.
type ParetoEntry struct {
	N     uint64
	Score uint32
	Aux   *uint64
}

// Result is Execute's output: the best candidate found, plus any retained
// Top-K list and Pareto frontier.
type Result struct {
	BestN     uint64
	BestScore uint32
	Top       []TopEntry
	Pareto    []ParetoEntry
}
