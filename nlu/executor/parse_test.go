package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskResponseDirectJSON(t *testing.T) {
	out := parseTaskResponse("intent", `{"intent":"greeting"}`)
	assert.JSONEq(t, `{"intent":"greeting"}`, string(out))
}

func TestParseTaskResponseFencedJSON(t *testing.T) {
	resp := "here you go:\n```json\n{\"topics\":[\"weather\"]}\n```\nthanks"
	out := parseTaskResponse("topic", resp)
	assert.JSONEq(t, `{"topics":["weather"]}`, string(out))
}

func TestParseTaskResponseTruncatedIsSalvaged(t *testing.T) {
	resp := `{"entities":[{"name":"Paris","entity_type":"location"}`
	out := parseTaskResponse("entity", resp)
	require.True(t, json.Valid(out))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Contains(t, payload, "entities")
}

func TestParseTaskResponseUnparseableFallsBackToEnvelope(t *testing.T) {
	out := parseTaskResponse("intent", "I think the user wants to say hello")
	require.True(t, json.Valid(out))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, "I think the user wants to say hello", payload["intent"])
}

func TestSalvageTruncatedJSONIsIdempotent(t *testing.T) {
	truncated := `{"a": [1, 2, {"b": "c"`
	first, ok := salvageTruncatedJSON(truncated)
	require.True(t, ok)
	require.True(t, json.Valid([]byte(first)))

	second, ok := salvageTruncatedJSON(first)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestLooksTruncatedDetectsUnbalancedStructures(t *testing.T) {
	assert.True(t, looksTruncated(`{"a": [1, 2`))
	assert.True(t, looksTruncated(`{"a": "unterminated`))
	assert.False(t, looksTruncated(`{"a": 1}`))
}

func TestFallbackEnvelopeSegmentation(t *testing.T) {
	out := fallbackEnvelope("segmentation", "just one statement")
	var payload struct {
		Segments []map[string]any `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(out, &payload))
	require.Len(t, payload.Segments, 1)
	assert.Equal(t, "just one statement", payload.Segments[0]["text"])
}

func TestHeuristicNumbersExtractsValues(t *testing.T) {
	nums := heuristicNumbers("there were 12 apples and 3.5 kg of flour")
	require.Len(t, nums, 2)
	assert.Equal(t, 12.0, nums[0]["value"])
}
