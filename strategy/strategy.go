package strategy

import (
	"context"

	"github.com/stelevm/stele/telemetry"
)

// Execute runs plan's search, choosing the dense sequential path for ranges
// at or below plan.PreferDenseCutoff (and within plan.MemoryLimitMB, if
// set) and the sparse parallel path otherwise.
func Execute(ctx context.Context, plan Plan, eval EvalFn, logger telemetry.Logger) (*Result, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	useDense := plan.RangeEnd <= plan.PreferDenseCutoff
	var reason string
	switch {
	case useDense && plan.MemoryLimitMB > 0:
		mb := estimateDenseMemoMB(plan.RangeEnd)
		if mb > plan.MemoryLimitMB {
			useDense = false
			reason = "dense estimate exceeds memory limit"
		} else {
			reason = "dense estimate within memory limit"
		}
	case useDense:
		reason = "no memory limit set"
	default:
		reason = "range exceeds dense cutoff"
	}

	if useDense {
		logger.Info(ctx, "strategy execution mode selected",
			"mode", "dense", "reason", reason, "range_end", plan.RangeEnd,
			"cutoff", plan.PreferDenseCutoff, "memory_limit_mb", plan.MemoryLimitMB)
		return executeDense(ctx, plan, eval, logger)
	}
	logger.Info(ctx, "strategy execution mode selected",
		"mode", "sparse", "reason", reason, "range_end", plan.RangeEnd,
		"shards", plan.Shards, "chunk", plan.Chunk, "memory_limit_mb", plan.MemoryLimitMB)
	return executeSparse(ctx, plan, eval, logger)
}

// estimateDenseMemoMB estimates a DenseMemo's footprint in megabytes: one
// uint32 (4 bytes) per key in [0, rangeEnd].
func estimateDenseMemoMB(rangeEnd uint64) uint64 {
	bytes := (rangeEnd + 1) * 4
	return bytes / (1024 * 1024)
}
