package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/stelevm/stele/telemetry"
)

// executeDense runs the search sequentially over a flat-array memo,
// suited to ranges small enough to fit comfortably in memory.
func executeDense(ctx context.Context, plan Plan, eval EvalFn, logger telemetry.Logger) (*Result, error) {
	start := time.Now()
	memo := NewDenseMemo(plan.RangeEnd)
	result := &Result{BestN: 1, BestScore: 1}
	if plan.TopK > 0 {
		result.Top = []TopEntry{}
	}

	var compiled []exprToken
	if plan.CustomScoreExpr != "" {
		compiled, _ = compileExpr(plan.CustomScoreExpr)
	}

	step := uint64(1)
	startN := plan.RangeStart
	if plan.RangeStart < 2 {
		startN = 2
	}
	if plan.OddOnly {
		step = 2
		if startN < 3 {
			startN = 3
		}
		if startN%2 == 0 {
			startN++
		}
	}

	var totalCandidates uint64
	if plan.RangeEnd >= startN {
		if plan.OddOnly {
			totalCandidates = (plan.RangeEnd-startN)/2 + 1
		} else {
			totalCandidates = plan.RangeEnd - startN + 1
		}
	}

	var processed, sinceImprove uint64
	dynamicInterval := plan.ProgressLogInterval
	if dynamicInterval == 0 {
		dynamicInterval = 1
	}
	lastCheck := time.Now()
	var lastProcessed uint64

	for n := startN; n <= plan.RangeEnd; n += step {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		outcome := eval.Eval(n, memo)
		if plan.MinScore != nil && outcome.Score < *plan.MinScore {
			continue
		}
		if plan.MinAux != nil && auxOrZero(outcome.Aux) < *plan.MinAux {
			continue
		}

		if outcome.Score > result.BestScore {
			result.BestScore = outcome.Score
			result.BestN = n
			sinceImprove = 0
		} else {
			sinceImprove++
		}

		if outcome.Aux != nil {
			result.Pareto = updatePareto(result.Pareto, n, outcome.Score, outcome.Aux)
		}

		if plan.TopK > 0 {
			orderScore := float64(outcome.Score)
			if compiled != nil {
				if v, ok := evalExpr(compiled, outcome.Score, outcome.Aux); ok {
					orderScore = v
				}
			}
			result.Top = append(result.Top, TopEntry{N: n, Score: outcome.Score, Aux: outcome.Aux, OrderScore: orderScore})
			if len(result.Top) > plan.TopK*6 {
				sortTopEntries(result.Top)
				result.Top = result.Top[:plan.TopK]
			}
		}

		memo.InsertPath(outcome.Path)
		processed++

		if plan.ProgressLogInterval > 0 && processed%dynamicInterval == 0 {
			numericPct := float64(n) / float64(plan.RangeEnd) * 100
			candidatePct := float64(processed) / float64(max64(totalCandidates, 1)) * 100
			logger.Info(ctx, "strategy progress",
				"mode", "dense", "numeric_pct", numericPct, "candidate_pct", candidatePct,
				"processed", processed, "total", totalCandidates,
				"best_n", result.BestN, "best_score", result.BestScore, "log_interval", dynamicInterval)

			now := time.Now()
			elapsed := now.Sub(lastCheck).Seconds()
			if elapsed > 0.2 {
				delta := processed - lastProcessed
				tput := float64(delta) / elapsed
				ceiling := plan.ProgressLogInterval * 8
				if tput > 800_000 && dynamicInterval < ceiling {
					dynamicInterval = min64(dynamicInterval*2, ceiling)
					logger.Debug(ctx, "strategy adapt log interval", "direction", "increase", "new_interval", dynamicInterval, "throughput", tput)
				} else if tput < 200_000 && dynamicInterval > 1 {
					dynamicInterval = max64(dynamicInterval/2, 1)
					logger.Debug(ctx, "strategy adapt log interval", "direction", "decrease", "new_interval", dynamicInterval, "throughput", tput)
				}
				lastProcessed = processed
				lastCheck = now
			}
		}

		if plan.EarlyStopNoImprove > 0 && sinceImprove >= plan.EarlyStopNoImprove {
			break
		}
		if plan.UpperBound != nil {
			if remMax, ok := plan.UpperBound.MaxRemainingScore(n+step, plan.RangeEnd, result.BestScore); ok {
				if remMax <= result.BestScore {
					break
				}
			}
		}
	}

	if plan.TopK > 0 {
		sortTopEntries(result.Top)
		if len(result.Top) > plan.TopK {
			result.Top = result.Top[:plan.TopK]
		}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		logger.Info(ctx, "strategy execution stats",
			"mode", "dense", "processed", processed, "elapsed_sec", elapsed,
			"throughput", float64(processed)/elapsed, "best_n", result.BestN, "best_score", result.BestScore)
	}
	return result, nil
}

// sortTopEntries orders by OrderScore desc, then Score desc, then N desc,
// matching the original's ranking rule for Top-K truncation.
func sortTopEntries(entries []TopEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.OrderScore != b.OrderScore {
			return a.OrderScore > b.OrderScore
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.N > b.N
	})
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
