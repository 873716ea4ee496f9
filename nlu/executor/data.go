package executor

import (
	"encoding/json"
	"time"
)

// KnowledgeNodeType tags the four node kinds a task's extraction can
// contribute to UnifiedNLUData's ExtractedData.
type KnowledgeNodeType string

const (
	NodeEntity    KnowledgeNodeType = "entity"
	NodeTemporal  KnowledgeNodeType = "temporal"
	NodeNumerical KnowledgeNodeType = "numerical"
	NodeAction    KnowledgeNodeType = "action"
)

// KnowledgeNode is one extracted entity/temporal-marker/numerical-value/
// action, keyed by a temp id so Relationship can link nodes produced by
// different tasks without a shared durable identifier.
type KnowledgeNode struct {
	TempID string            `json:"temp_id"`
	Type   KnowledgeNodeType `json:"type"`
	Name   string            `json:"name"`
	Data   map[string]any    `json:"data,omitempty"`
}

// Relationship links two KnowledgeNodes by their temp ids.
type Relationship struct {
	FromTempID string `json:"from_temp_id"`
	ToTempID   string `json:"to_temp_id"`
	Kind       string `json:"kind"`
}

// ExtractedData unions the knowledge nodes and relationships produced
// across every successful task in a run.
type ExtractedData struct {
	Nodes         []KnowledgeNode `json:"nodes"`
	Relationships []Relationship  `json:"relationships"`
}

// Segment is a text span with a type tag, priority, and dependency list.
type Segment struct {
	Text         string         `json:"text"`
	SegmentType  string         `json:"segment_type"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tokens       []string       `json:"tokens,omitempty"`
}

// ProcessingMetadata summarizes a run: strategy used, models touched,
// timing/cost, per-task confidence, detected topics, and sentiment.
type ProcessingMetadata struct {
	StrategyUsed      string             `json:"strategy_used"`
	ModelsUsed        []string           `json:"models_used"`
	ExecutionTimeMS   int64              `json:"execution_time_ms"`
	TotalCostEstimate float64            `json:"total_cost_estimate"`
	ConfidenceScores  map[string]float64 `json:"confidence_scores"`
	Topics            []string           `json:"topics"`
	SentimentScore    float64            `json:"sentiment_score"`
	PrimaryIntent     string             `json:"primary_intent"`
	// Warnings records non-fatal degradations (a task failed, parsing fell
	// back to an envelope, …) so callers can surface partial-result caveats
	// without treating the run as an error.
	Warnings []string `json:"warnings,omitempty"`
}

// UnifiedNLUData is the Executor's consolidated output across every task in
// a ProcessingPlan.
type UnifiedNLUData struct {
	Segments           []Segment          `json:"segments"`
	ExtractedData      ExtractedData      `json:"extracted_data"`
	ProcessingMetadata ProcessingMetadata `json:"processing_metadata"`
}

// TaskOutput records one task's execution: the model used, wall-clock
// duration, a success flag, an optional error string, and the parsed (or
// fallback-enveloped) JSON payload.
type TaskOutput struct {
	TaskID    string          `json:"task_id"`
	ModelUsed string          `json:"model_used"`
	Duration  time.Duration   `json:"duration"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data"`
}
