package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// consolidate merges a run's TaskOutputs into a UnifiedNLUData: it unions
// extracted nodes/relationships, gathers segments from any segmentation
// task (synthesizing a single whole-input segment when none ran), dedups the
// models touched, sums a per-task cost estimate, and records a warning for
// every failed task instead of propagating it as an error.
func consolidate(outputs []TaskOutput, strategyName, originalInput string, elapsedMS int64) *UnifiedNLUData {
	var extracted ExtractedData
	extracted.Nodes = []KnowledgeNode{}
	extracted.Relationships = []Relationship{}

	var segments []Segment
	modelSet := make(map[string]struct{})
	confidence := make(map[string]float64)
	var warnings []string
	var topics []string
	sentiment := 0.0
	primaryIntent := "unknown"
	totalCost := 0.0

	for _, out := range outputs {
		if !out.Success {
			warnings = append(warnings, "task "+out.TaskID+" failed: "+out.Error)
			continue
		}
		modelSet[out.ModelUsed] = struct{}{}
		totalCost += estimateTaskCost(out)

		var payload map[string]json.RawMessage
		if err := json.Unmarshal(out.Data, &payload); err != nil {
			warnings = append(warnings, "task "+out.TaskID+" produced unparseable payload")
			continue
		}

		if nodes, ok := payload["nodes"]; ok {
			var ns []KnowledgeNode
			if json.Unmarshal(nodes, &ns) == nil {
				extracted.Nodes = append(extracted.Nodes, ns...)
			}
		}
		if rels, ok := payload["relationships"]; ok {
			var rs []Relationship
			if json.Unmarshal(rels, &rs) == nil {
				extracted.Relationships = append(extracted.Relationships, rs...)
			}
		}
		if extractedData, ok := payload["extracted_data"]; ok {
			var part ExtractedData
			if json.Unmarshal(extractedData, &part) == nil {
				extracted.Nodes = append(extracted.Nodes, part.Nodes...)
				extracted.Relationships = append(extracted.Relationships, part.Relationships...)
			}
		}
		taskTypeEarly := strings.ToLower(out.TaskID)
		if idx := strings.IndexByte(taskTypeEarly, '_'); idx >= 0 {
			taskTypeEarly = taskTypeEarly[:idx]
		}
		extracted.Nodes = append(extracted.Nodes, nodesFromTaskPayload(taskTypeEarly, out.TaskID, payload)...)

		if intentRaw, ok := payload["intent"]; ok {
			var intent string
			if json.Unmarshal(intentRaw, &intent) == nil && intent != "" {
				primaryIntent = intent
				confidence["intent"] = 1.0
			}
		}
		if topicsRaw, ok := payload["topics"]; ok {
			var ts []string
			if json.Unmarshal(topicsRaw, &ts) == nil {
				topics = append(topics, ts...)
			}
		}
		if sentimentRaw, ok := payload["sentiment_score"]; ok {
			var s float64
			if json.Unmarshal(sentimentRaw, &s) == nil {
				sentiment = s
			}
		}

		taskType := taskTypeEarly
		if taskType == "segmentation" || taskType == "bundled" {
			if segRaw, ok := payload["segments"]; ok {
				var segs []Segment
				if json.Unmarshal(segRaw, &segs) == nil {
					segments = append(segments, segs...)
				} else {
					warnings = append(warnings, "task "+out.TaskID+": failed to deserialize segments")
				}
			}
		}
	}

	if len(segments) == 0 {
		segments = []Segment{{
			Text:        originalInput,
			SegmentType: "statement",
			Priority:    100,
			Metadata:    map[string]any{"intent": primaryIntent},
		}}
	}

	models := make([]string, 0, len(modelSet))
	for m := range modelSet {
		models = append(models, m)
	}

	return &UnifiedNLUData{
		Segments:      segments,
		ExtractedData: extracted,
		ProcessingMetadata: ProcessingMetadata{
			StrategyUsed:      strategyName,
			ModelsUsed:        models,
			ExecutionTimeMS:   elapsedMS,
			TotalCostEstimate: totalCost,
			ConfidenceScores:  confidence,
			Topics:            topics,
			SentimentScore:    sentiment,
			PrimaryIntent:     primaryIntent,
			Warnings:          warnings,
		},
	}
}

// nodesFromTaskPayload converts a task's type-specific extraction keys
// (entities/numerical_values/temporal_markers, as produced by both the
// fallback envelopes in parse.go and a well-formed model response) into the
// common KnowledgeNode shape, keyed by a temp id derived from the task id
// and the node's position so relationship tasks run against the same task
// can reference them.
func nodesFromTaskPayload(taskType, taskID string, payload map[string]json.RawMessage) []KnowledgeNode {
	var key string
	var nodeType KnowledgeNodeType
	switch taskType {
	case "entity":
		key, nodeType = "entities", NodeEntity
	case "numerical":
		key, nodeType = "numerical_values", NodeNumerical
	case "temporal":
		key, nodeType = "temporal_markers", NodeTemporal
	default:
		return nil
	}

	raw, ok := payload[key]
	if !ok {
		return nil
	}
	var items []map[string]any
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}

	nodes := make([]KnowledgeNode, 0, len(items))
	for i, item := range items {
		name, _ := item["name"].(string)
		if name == "" {
			if v, ok := item["value"]; ok {
				name = toDisplayString(v)
			}
		}
		nodes = append(nodes, KnowledgeNode{
			TempID: fmt.Sprintf("%s_%s_%d", taskID, taskType, i),
			Type:   nodeType,
			Name:   name,
			Data:   item,
		})
	}
	return nodes
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}

// estimateTaskCost prices a task by a per-model-family base rate scaled by
// its execution time, floored at a tenth of a second so a near-instant call
// isn't priced at zero.
func estimateTaskCost(out TaskOutput) float64 {
	name := strings.ToLower(out.ModelUsed)
	var base float64
	switch {
	case strings.Contains(name, "claude"):
		base = 0.01
	case strings.Contains(name, "gpt-4"):
		base = 0.03
	case strings.Contains(name, "gpt-3.5"):
		base = 0.002
	default:
		base = 0.005
	}
	factor := out.Duration.Seconds()
	if factor < 0.1 {
		factor = 0.1
	}
	return base * factor
}
