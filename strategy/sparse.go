package strategy

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stelevm/stele/telemetry"
)

// executeSparse runs the search across a worker pool over a sharded hash
// memo, with an adaptive-chunk supervisor goroutine that halves the
// per-worker batch size on stagnation, doubles it under sustained
// throughput, contracts it as workers approach the tail of the range, and
// shrinks it again past 90% completion.
func executeSparse(ctx context.Context, plan Plan, eval EvalFn, logger telemetry.Logger) (*Result, error) {
	start := time.Now()
	memo := NewShardedHashMemo(plan.Shards)

	var bestN, processed, lastImproveAt, next, adaptiveChunk atomic.Uint64
	var bestScore atomic.Uint32
	var stopFlag atomic.Bool
	bestN.Store(1)
	bestScore.Store(1)

	var compiled []exprToken
	if plan.CustomScoreExpr != "" {
		compiled, _ = compileExpr(plan.CustomScoreExpr)
	}

	threads := runtime.GOMAXPROCS(0)
	if threads <= 0 {
		threads = 8
	}
	if threads > 64 {
		threads = 64
	}

	initialStart := plan.RangeStart
	if initialStart < 2 {
		initialStart = 2
	}
	step := uint64(1)
	if plan.OddOnly {
		step = 2
		if initialStart < 3 {
			initialStart = 3
		}
		if initialStart%2 == 0 {
			initialStart++
		}
	}
	next.Store(initialStart)
	adaptiveChunk.Store(plan.Chunk)
	end := plan.RangeEnd

	var totalCandidates uint64
	if end >= initialStart {
		totalCandidates = (end-initialStart)/step + 1
	}

	var topMu sync.Mutex
	var top []TopEntry
	var paretoMu sync.Mutex
	var pareto []ParetoEntry

	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < threads; w++ {
		g.Go(func() error {
			for {
				if stopFlag.Load() || gctx.Err() != nil {
					return nil
				}
				chunkNow := adaptiveChunk.Load()
				if chunkNow < 1 {
					chunkNow = 1
				}
				startN := next.Add(chunkNow) - chunkNow
				if startN > end {
					return nil
				}
				stopAt := startN + chunkNow - 1
				if stopAt > end {
					stopAt = end
				}

				n := startN
				if plan.OddOnly && n%2 == 0 {
					n++
				}
				for n <= stopAt {
					outcome := eval.Eval(n, memo)
					if plan.MinScore != nil && outcome.Score < *plan.MinScore {
						n += step
						continue
					}
					if plan.MinAux != nil && auxOrZero(outcome.Aux) < *plan.MinAux {
						n += step
						continue
					}
					if len(outcome.Path) > 0 {
						memo.InsertPath(outcome.Path)
					}

					for {
						cur := bestScore.Load()
						if outcome.Score <= cur {
							break
						}
						if bestScore.CompareAndSwap(cur, outcome.Score) {
							bestN.Store(n)
							lastImproveAt.Store(processed.Load())
							break
						}
					}

					if outcome.Aux != nil {
						paretoMu.Lock()
						pareto = updatePareto(pareto, n, outcome.Score, outcome.Aux)
						paretoMu.Unlock()
					}

					if plan.TopK > 0 {
						orderScore := float64(outcome.Score)
						if compiled != nil {
							if v, ok := evalExpr(compiled, outcome.Score, outcome.Aux); ok {
								orderScore = v
							}
						}
						topMu.Lock()
						top = append(top, TopEntry{N: n, Score: outcome.Score, Aux: outcome.Aux, OrderScore: orderScore})
						if len(top) > plan.TopK*10 {
							sortTopEntries(top)
							top = top[:plan.TopK]
						}
						topMu.Unlock()
					}

					proc := processed.Add(1)

					if plan.ProgressLogInterval > 0 && proc%plan.ProgressLogInterval == 0 {
						numericPct := float64(n) / float64(end) * 100
						candidatePct := float64(proc) / float64(max64(totalCandidates, 1)) * 100
						logger.Info(gctx, "strategy progress",
							"mode", "sparse", "numeric_pct", numericPct, "candidate_pct", candidatePct,
							"processed", proc, "total", totalCandidates,
							"best_n", bestN.Load(), "best_score", bestScore.Load(),
							"threads", threads, "chunk", chunkNow)
					}

					if plan.EarlyStopNoImprove > 0 {
						since := proc - lastImproveAt.Load()
						if since >= plan.EarlyStopNoImprove {
							stopFlag.Store(true)
							return nil
						}
					}
					if plan.UpperBound != nil {
						if remMax, ok := plan.UpperBound.MaxRemainingScore(n+step, end, bestScore.Load()); ok {
							if remMax <= bestScore.Load() {
								stopFlag.Store(true)
								return nil
							}
						}
					}
					n += step
				}
			}
		})
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		runSparseSupervisor(gctx, logger, &adaptiveChunk, &processed, &next, &stopFlag, end, totalCandidates)
	}()

	err := g.Wait()
	stopFlag.Store(true)
	<-supervisorDone
	if err != nil {
		return nil, err
	}

	if plan.TopK > 0 {
		sortTopEntries(top)
		if len(top) > plan.TopK {
			top = top[:plan.TopK]
		}
	}

	elapsed := time.Since(start).Seconds()
	procFinal := processed.Load()
	if elapsed > 0 {
		logger.Info(ctx, "strategy execution stats",
			"mode", "sparse", "processed", procFinal, "elapsed_sec", elapsed,
			"throughput", float64(procFinal)/elapsed, "best_n", bestN.Load(), "best_score", bestScore.Load())
	}

	return &Result{
		BestN:     bestN.Load(),
		BestScore: bestScore.Load(),
		Top:       top,
		Pareto:    pareto,
	}, nil
}

// runSparseSupervisor polls every 250ms and rebalances adaptiveChunk: halves
// it after four consecutive stagnant polls, doubles it when workers keep up
// with the current chunk size, contracts it to the exact remaining count
// near the end of the range, and shrinks it again past 90% progress so the
// last workers don't over-commit to a stale chunk size.
func runSparseSupervisor(ctx context.Context, logger telemetry.Logger, adaptiveChunk, processed, next *atomic.Uint64, stop *atomic.Bool, end, totalCandidates uint64) {
	lastCheck := time.Now()
	var lastProcessed uint64
	var stagnantIters int

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if stop.Load() {
			return
		}
		now := time.Now()
		elapsed := now.Sub(lastCheck).Seconds()
		if elapsed < 0.05 {
			continue
		}
		procNow := processed.Load()
		delta := procNow - lastProcessed
		tput := float64(delta) / elapsed
		if tput < 0 {
			tput = 0
		}
		currentChunk := adaptiveChunk.Load()

		if delta == 0 {
			stagnantIters++
		} else {
			stagnantIters = 0
		}

		switch {
		case stagnantIters >= 4 && currentChunk > 1:
			newChunk := currentChunk / 2
			if newChunk < 1 {
				newChunk = 1
			}
			adaptiveChunk.Store(newChunk)
			logger.Debug(ctx, "strategy adapt chunk", "reason", "stagnant", "old", currentChunk, "new", newChunk)
			stagnantIters = 0
		case tput > 0 && delta >= saturatingSub(currentChunk, 1) && currentChunk < 1_000_000:
			newChunk := currentChunk * 2
			if newChunk > 1_000_000 {
				newChunk = 1_000_000
			}
			adaptiveChunk.Store(newChunk)
			logger.Debug(ctx, "strategy adapt chunk", "reason", "throughput", "old", currentChunk, "new", newChunk, "throughput", tput)
		}

		nextPos := next.Load()
		if nextPos <= end {
			remaining := saturatingSub(end, nextPos) + 1
			currentChunk = adaptiveChunk.Load()
			if remaining < currentChunk && remaining > 0 {
				adaptiveChunk.Store(remaining)
				logger.Debug(ctx, "strategy adapt chunk", "reason", "tail_contract", "old", currentChunk, "new", remaining, "remaining", remaining, "next", nextPos, "end", end)
			} else if totalCandidates > 0 {
				progress := float64(procNow) / float64(totalCandidates)
				if progress > 0.90 && float64(currentChunk) > 0.02*float64(totalCandidates) {
					reduced := currentChunk / 2
					if reduced < 1 {
						reduced = 1
					}
					if reduced < currentChunk {
						adaptiveChunk.Store(reduced)
						logger.Debug(ctx, "strategy adapt chunk", "reason", "near_end_shrink", "old", currentChunk, "new", reduced, "progress", progress)
					}
				}
			}
		}

		lastProcessed = procNow
		lastCheck = now
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
