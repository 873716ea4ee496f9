// Package executor implements the NLU Executor (C6): it drives a
// planner.ProcessingPlan's tasks through an LLM adapter pool according to
// the policy's chosen strategy (sequential, parallel/bundled, staged, or
// plan-order batched), composes prompts, parses and salvages responses, and
// consolidates the results into a UnifiedNLUData document.
package executor

import (
	"context"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stelevm/stele/llmrouter"
	"github.com/stelevm/stele/nlu/planner"
	"github.com/stelevm/stele/telemetry"
)

// AdapterResolver selects an llmrouter.Adapter for a planned task's model
// name using a three-tier dispatch (exact name, fuzzy provider family, last
// resort). llmrouter.Pool implements this.
type AdapterResolver interface {
	Resolve(modelName string) (llmrouter.Adapter, bool)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the Executor's logger (default: telemetry.NoopLogger).
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer overrides the Executor's tracer (default: telemetry.NoopTracer).
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithNERHints supplies a function computing the `{ner_hints}` prompt
// substitution for a given input text. Absent an override, the Executor
// substitutes "[]" whether or not STELE_ENABLE_NER_HINTS is set; it computes
// no hints of its own.
func WithNERHints(fn func(text string) string) Option {
	return func(e *Executor) { e.nerHints = fn }
}

// Executor runs a ProcessingPlan's tasks against an AdapterResolver.
type Executor struct {
	adapters AdapterResolver
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	nerHints func(text string) string
}

// New builds an Executor over adapters, applying any options.
func New(adapters AdapterResolver, opts ...Option) *Executor {
	e := &Executor{
		adapters: adapters,
		logger:   telemetry.NewNoopLogger(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.nerHints == nil {
		e.nerHints = defaultNERHints
	}
	return e
}

// defaultNERHints is the Executor's stock {ner_hints} substitution: this
// package carries no NER model of its own, so whether or not hints are
// enabled it substitutes an empty list. A caller wiring in a real tagger
// does so via WithNERHints and reads the env var itself.
func defaultNERHints(string) string {
	_ = strings.ToLower(strings.TrimSpace(os.Getenv("STELE_ENABLE_NER_HINTS")))
	return "[]"
}

// Execute runs plan's tasks against inputText and consolidates the results.
// The dispatch strategy is plan.StrategyName (case-insensitive):
// "sequential" runs tasks one at a time in declaration order; "parallel" and
// "bundled" launch every task in each plan.ExecutionOrder batch
// concurrently; "staged" recomputes the topological batching independently
// of the plan (an integrity check rather than trusting the planner);
// anything else batches strictly by plan.ExecutionOrder.
func (e *Executor) Execute(ctx context.Context, plan *planner.ProcessingPlan, inputText string) (*UnifiedNLUData, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "nlu.executor.execute")
	defer span.End()

	if plan == nil || len(plan.Tasks) == 0 {
		e.logger.Warn(ctx, "execution plan contains no tasks")
		return consolidate(nil, "", inputText, 0), nil
	}

	hints := e.nerHints(inputText)
	strategy := strings.ToLower(plan.StrategyName)

	var outputs []TaskOutput
	switch {
	case strings.Contains(strategy, "bundled"):
		outputs = e.executeBatched(ctx, plan.ExecutionOrder, plan.Tasks, inputText, hints)
	case strings.Contains(strategy, "parallel"):
		outputs = e.executeBatched(ctx, plan.ExecutionOrder, plan.Tasks, inputText, hints)
	case strings.Contains(strategy, "staged"):
		order := recomputeStagedOrder(plan.Tasks)
		outputs = e.executeBatched(ctx, order, plan.Tasks, inputText, hints)
	case strategy == "sequential" || strings.Contains(strategy, "sequential"):
		outputs = e.executeSequential(ctx, plan.Tasks, inputText, hints)
	default:
		outputs = e.executeBatched(ctx, plan.ExecutionOrder, plan.Tasks, inputText, hints)
	}

	elapsed := time.Since(start).Milliseconds()
	return consolidate(outputs, plan.StrategyName, inputText, elapsed), nil
}

func (e *Executor) executeSequential(ctx context.Context, tasks []planner.PlannedTask, inputText, hints string) []TaskOutput {
	outputs := make([]TaskOutput, 0, len(tasks))
	for _, task := range tasks {
		outputs = append(outputs, e.runTask(ctx, task, inputText, hints))
	}
	return outputs
}

// executeBatched runs each batch in order, tasks within a batch
// concurrently, and collects results in task-id order regardless of
// completion order.
func (e *Executor) executeBatched(ctx context.Context, order [][]string, tasks []planner.PlannedTask, inputText, hints string) []TaskOutput {
	byID := make(map[string]planner.PlannedTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var outputs []TaskOutput
	for _, batch := range order {
		results := make([]TaskOutput, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, id := range batch {
			i, id := i, id
			task, ok := byID[id]
			if !ok {
				continue
			}
			g.Go(func() error {
				results[i] = e.runTask(gctx, task, inputText, hints)
				return nil
			})
		}
		// Every task call always returns (never errors out of runTask), so
		// Wait only joins the goroutines; a failing task is captured as a
		// failed TaskOutput, never propagated.
		_ = g.Wait()
		outputs = append(outputs, results...)
	}
	return outputs
}

// recomputeStagedOrder independently re-derives a topological batching from
// each task's declared dependencies, rather than trusting plan.ExecutionOrder.
func recomputeStagedOrder(tasks []planner.PlannedTask) [][]string {
	completed := make(map[string]struct{}, len(tasks))
	remaining := append([]planner.PlannedTask(nil), tasks...)
	var order [][]string
	for len(remaining) > 0 {
		var batch []string
		var next []planner.PlannedTask
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := completed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, t.ID)
			} else {
				next = append(next, t)
			}
		}
		if len(batch) == 0 {
			// Dependencies the planner already validated cannot cycle here;
			// fall back to running everything remaining as one batch rather
			// than dropping tasks silently.
			for _, t := range remaining {
				batch = append(batch, t.ID)
			}
			next = nil
		}
		for _, id := range batch {
			completed[id] = struct{}{}
		}
		order = append(order, batch)
		remaining = next
	}
	return order
}

func (e *Executor) runTask(ctx context.Context, task planner.PlannedTask, inputText, hints string) TaskOutput {
	start := time.Now()
	actualInput := inputText
	if task.InputData != nil {
		actualInput = *task.InputData
	}
	prompt := composePrompt(task.PromptTemplate, actualInput, hints)

	adapter, ok := e.adapters.Resolve(task.ModelName)
	if !ok {
		e.logger.Warn(ctx, "no adapter available for task", "task_id", task.ID, "model", task.ModelName)
		return TaskOutput{
			TaskID:    task.ID,
			ModelUsed: task.ModelName,
			Duration:  time.Since(start),
			Success:   false,
			Error:     "no adapter available for model " + task.ModelName,
			Data:      []byte("null"),
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	responseCh := make(chan struct {
		text string
		err  error
	}, 1)
	go func() {
		text, err := adapter.ProcessText(callCtx, prompt)
		responseCh <- struct {
			text string
			err  error
		}{text, err}
	}()

	select {
	case <-callCtx.Done():
		e.logger.Error(ctx, "task execution timed out", "task_id", task.ID, "timeout", task.Timeout.String())
		return TaskOutput{
			TaskID:    task.ID,
			ModelUsed: task.ModelName,
			Duration:  time.Since(start),
			Success:   false,
			Error:     "Task execution timed out",
			Data:      []byte("null"),
		}
	case r := <-responseCh:
		duration := time.Since(start)
		if r.err != nil {
			e.logger.Error(ctx, "task execution failed", "task_id", task.ID, "err", r.err)
			return TaskOutput{
				TaskID:    task.ID,
				ModelUsed: task.ModelName,
				Duration:  duration,
				Success:   false,
				Error:     r.err.Error(),
				Data:      []byte("null"),
			}
		}
		typeTag := task.TaskType
		if typeTag == "" {
			if idx := strings.IndexByte(task.ID, '_'); idx >= 0 {
				typeTag = task.ID[:idx]
			} else {
				typeTag = task.ID
			}
		}
		data := parseTaskResponse(typeTag, r.text)
		return TaskOutput{
			TaskID:    task.ID,
			ModelUsed: task.ModelName,
			Duration:  duration,
			Success:   true,
			Data:      data,
		}
	}
}

func composePrompt(template, input, nerHints string) string {
	prompt := strings.ReplaceAll(template, "{input}", input)
	prompt = strings.ReplaceAll(prompt, "{current_time}", time.Now().UTC().Format(time.RFC3339))
	prompt = strings.ReplaceAll(prompt, "{ner_hints}", nerHints)
	return prompt
}
