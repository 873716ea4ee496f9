package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/llmrouter"
	"github.com/stelevm/stele/nlu/executor"
	"github.com/stelevm/stele/nlu/planner"
)

type fakeAdapter struct {
	name     string
	response string
	err      error
	delay    time.Duration
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) Provider() string                { return "fake" }
func (f *fakeAdapter) Capabilities() []string          { return []string{"structured-json"} }
func (f *fakeAdapter) ProcessText(ctx context.Context, prompt string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}
func (f *fakeAdapter) GenerateStructuredResponse(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

type fakeResolver struct {
	adapters map[string]llmrouter.Adapter
}

func (f fakeResolver) Resolve(modelName string) (llmrouter.Adapter, bool) {
	a, ok := f.adapters[modelName]
	return a, ok
}

func TestExecuteSequentialSingleTask(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"model-a": &fakeAdapter{name: "model-a", response: `{"intent":"greeting"}`},
	}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "sequential",
		ExecutionOrder: [][]string{{"intent_detection"}},
		Tasks: []planner.PlannedTask{
			{ID: "intent_detection", TaskType: "intent", ModelName: "model-a", PromptTemplate: "{input}", Timeout: time.Second},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "greeting", result.ProcessingMetadata.PrimaryIntent)
	assert.Contains(t, result.ProcessingMetadata.ModelsUsed, "model-a")
	assert.Empty(t, result.ProcessingMetadata.Warnings)
}

func TestExecuteParallelPreservesBatchResults(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"model-a": &fakeAdapter{name: "model-a", response: `{"entities":[]}`, delay: 10 * time.Millisecond},
		"model-b": &fakeAdapter{name: "model-b", response: `{"topics":["weather"]}`},
	}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "parallel",
		ExecutionOrder: [][]string{{"entity_extraction", "topic_analysis"}},
		Tasks: []planner.PlannedTask{
			{ID: "entity_extraction", TaskType: "entity", ModelName: "model-a", PromptTemplate: "{input}", Timeout: time.Second},
			{ID: "topic_analysis", TaskType: "topic", ModelName: "model-b", PromptTemplate: "{input}", Timeout: time.Second},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "what's the weather")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"model-a", "model-b"}, result.ProcessingMetadata.ModelsUsed)
	assert.Contains(t, result.ProcessingMetadata.Topics, "weather")
}

func TestExecuteTaskTimeoutProducesWarningNotError(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"slow-model": &fakeAdapter{name: "slow-model", response: `{}`, delay: 50 * time.Millisecond},
	}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "sequential",
		ExecutionOrder: [][]string{{"slow_task"}},
		Tasks: []planner.PlannedTask{
			{ID: "slow_task", TaskType: "intent", ModelName: "slow-model", PromptTemplate: "{input}", Timeout: 5 * time.Millisecond},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "input")
	require.NoError(t, err)
	require.Len(t, result.ProcessingMetadata.Warnings, 1)
	assert.Contains(t, result.ProcessingMetadata.Warnings[0], "slow_task")
}

func TestExecuteUnresolvableModelRecordsWarning(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "sequential",
		ExecutionOrder: [][]string{{"intent_detection"}},
		Tasks: []planner.PlannedTask{
			{ID: "intent_detection", TaskType: "intent", ModelName: "missing-model", PromptTemplate: "{input}"},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "hi")
	require.NoError(t, err)
	require.Len(t, result.ProcessingMetadata.Warnings, 1)
	// A default single segment still synthesizes from the original input.
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "hi", result.Segments[0].Text)
}

func TestExecuteStagedRecomputesOrderIndependently(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"m": &fakeAdapter{name: "m", response: `{}`},
	}}
	exec := executor.New(resolver)

	// ExecutionOrder deliberately wrong/stale; staged strategy must recompute
	// from each task's Dependencies rather than trust it.
	plan := &planner.ProcessingPlan{
		StrategyName:   "staged",
		ExecutionOrder: [][]string{{"A", "B", "C"}},
		Tasks: []planner.PlannedTask{
			{ID: "A", ModelName: "m", PromptTemplate: "{input}"},
			{ID: "B", ModelName: "m", PromptTemplate: "{input}", Dependencies: []string{"A"}},
			{ID: "C", ModelName: "m", PromptTemplate: "{input}", Dependencies: []string{"B"}},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "input")
	require.NoError(t, err)
	assert.Empty(t, result.ProcessingMetadata.Warnings)
}

func TestExecuteEmptyPlanReturnsDefaultSegment(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{}}
	exec := executor.New(resolver)

	result, err := exec.Execute(context.Background(), &planner.ProcessingPlan{}, "stand-alone input")
	require.NoError(t, err)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "stand-alone input", result.Segments[0].Text)
}

func TestExecuteBundledTaskPopulatesSegmentsAndExtractedData(t *testing.T) {
	bundled := `{"segments":[{"text":"hello","segment_type":"statement","priority":50}],"extracted_data":{"nodes":[{"temp_id":"e1","type":"entity","name":"hello"}],"relationships":[]}}`
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"model-a": &fakeAdapter{name: "model-a", response: bundled},
	}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "default",
		ExecutionOrder: [][]string{{"bundled_extraction"}},
		Tasks: []planner.PlannedTask{
			{ID: "bundled_extraction", TaskType: "bundled", ModelName: "model-a", PromptTemplate: "{input}"},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "hello")
	require.NoError(t, err)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "hello", result.Segments[0].Text)
	require.Len(t, result.ExtractedData.Nodes, 1)
	assert.Equal(t, "e1", result.ExtractedData.Nodes[0].TempID)
}

func TestExecuteEntityTaskConvertsIntoKnowledgeNodes(t *testing.T) {
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{
		"model-a": &fakeAdapter{name: "model-a", response: `{"entities":[{"name":"Paris","entity_type":"location"}]}`},
	}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "sequential",
		ExecutionOrder: [][]string{{"entity_extraction"}},
		Tasks: []planner.PlannedTask{
			{ID: "entity_extraction", TaskType: "entity", ModelName: "model-a", PromptTemplate: "{input}"},
		},
	}

	result, err := exec.Execute(context.Background(), plan, "Paris is lovely")
	require.NoError(t, err)
	require.Len(t, result.ExtractedData.Nodes, 1)
	assert.Equal(t, "Paris", result.ExtractedData.Nodes[0].Name)
	assert.Equal(t, executor.NodeEntity, result.ExtractedData.Nodes[0].Type)
}

func TestComposePromptSubstitutesPlaceholdersViaExecute(t *testing.T) {
	var captured string
	capture := &capturingAdapter{fakeAdapter: fakeAdapter{name: "model-a", response: `{}`}}
	resolver := fakeResolver{adapters: map[string]llmrouter.Adapter{"model-a": capture}}
	exec := executor.New(resolver)

	plan := &planner.ProcessingPlan{
		StrategyName:   "sequential",
		ExecutionOrder: [][]string{{"t1"}},
		Tasks: []planner.PlannedTask{
			{ID: "t1", ModelName: "model-a", PromptTemplate: "analyze: {input} hints: {ner_hints}"},
		},
	}
	_, err := exec.Execute(context.Background(), plan, "payload text")
	require.NoError(t, err)
	captured = capture.lastPrompt
	assert.Contains(t, captured, "payload text")
	assert.Contains(t, captured, "hints: []")
}

type capturingAdapter struct {
	fakeAdapter
	lastPrompt string
}

func (c *capturingAdapter) ProcessText(ctx context.Context, prompt string) (string, error) {
	c.lastPrompt = prompt
	return c.fakeAdapter.response, c.fakeAdapter.err
}
