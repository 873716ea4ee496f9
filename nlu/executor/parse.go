package executor

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// parseTaskResponse turns a raw model response into a structured JSON
// payload for the given task type, following a four-step fallback chain:
// direct parse, fenced/substring extraction, truncation salvage, then a
// task-type-specific envelope so the pipeline never surfaces a raw parse
// failure to the caller.
func parseTaskResponse(taskType, response string) json.RawMessage {
	if json.Valid([]byte(response)) {
		return json.RawMessage(response)
	}

	if extracted, ok := extractJSON(response); ok {
		if json.Valid([]byte(extracted)) {
			return json.RawMessage(extracted)
		}
		if looksTruncated(extracted) {
			if salvaged, ok := salvageTruncatedJSON(extracted); ok {
				return json.RawMessage(salvaged)
			}
		}
	}

	return fallbackEnvelope(taskType, response)
}

// extractJSON pulls a JSON document out of free-form model output: a
// ```json fenced block, any fenced block whose body parses as JSON, or a
// top-level {...}/[...] substring.
func extractJSON(text string) (string, bool) {
	if body, ok := fencedBlock(text, "```json"); ok {
		return body, true
	}
	if body, ok := fencedBlock(text, "```"); ok && json.Valid([]byte(body)) {
		return body, true
	}
	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= 2 {
		isObject := strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
		isArray := strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")
		if isObject || isArray {
			return trimmed, true
		}
	}
	return "", false
}

func fencedBlock(text, marker string) (string, bool) {
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	contentStart := start + len(marker)
	rest := text[contentStart:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// looksTruncated heuristically detects a JSON-like string cut off mid
// string/object/array: unterminated string, unmatched braces/brackets, or a
// tail that doesn't end in a closing delimiter.
func looksTruncated(s string) bool {
	brace, bracket := 0, 0
	inString, escape := false, false
	for _, c := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			brace++
		case '}':
			brace--
		case '[':
			bracket++
		case ']':
			bracket--
		}
	}
	trimmedEnd := strings.TrimRightFunc(s, unicode.IsSpace)
	endsClosed := strings.HasSuffix(trimmedEnd, "}") || strings.HasSuffix(trimmedEnd, "]")
	return inString || brace > 0 || bracket > 0 || !endsClosed
}

// salvageTruncatedJSON closes an unterminated string (if any) then appends
// closing braces/brackets in stack order until the structure balances,
// re-validating the result. Idempotent: re-salvaging an already-valid or
// already-salvaged string returns it unchanged.
func salvageTruncatedJSON(s string) (string, bool) {
	var b strings.Builder
	b.WriteString(s)

	inString, escape := false, false
	for _, c := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
	}
	if inString {
		b.WriteByte('"')
	}
	result := b.String()

	var stack []byte
	inString, escape = false, false
	for _, c := range result {
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		closers.WriteByte(stack[i])
	}
	result += closers.String()

	if json.Valid([]byte(result)) {
		return result, true
	}
	return s, false
}

// fallbackEnvelope wraps an unparseable response into a task-type-specific
// envelope so the caller always receives structured data. Entity, numerical,
// topic and sentiment tasks apply a cheap heuristic over the raw text;
// temporal and relationship tasks get empty lists; intent, segmentation and
// bundled tasks get a minimal envelope built from the text; any other task
// type wraps the trimmed response verbatim under "result".
func fallbackEnvelope(taskType, response string) json.RawMessage {
	trimmed := strings.TrimSpace(response)
	var payload map[string]any

	switch taskType {
	case "entity":
		payload = map[string]any{"entities": heuristicEntities(trimmed)}
	case "numerical":
		payload = map[string]any{"numerical_values": heuristicNumbers(trimmed)}
	case "temporal":
		payload = map[string]any{"temporal_markers": []any{}}
	case "relationship":
		payload = map[string]any{"relationships": []any{}}
	case "topic":
		payload = map[string]any{"topics": heuristicTopics(trimmed)}
	case "sentiment":
		payload = map[string]any{"sentiment_score": heuristicSentiment(trimmed)}
	case "intent":
		payload = map[string]any{"intent": firstLine(trimmed), "confidence": 0.5}
	case "segmentation":
		payload = map[string]any{"segments": []any{
			map[string]any{
				"text":         trimmed,
				"segment_type": "statement",
				"priority":     50,
				"metadata":     map[string]any{"fallback": true},
			},
		}}
	case "bundled":
		payload = map[string]any{
			"segments": []any{
				map[string]any{
					"text":         firstN(trimmed, 100),
					"segment_type": "statement",
					"priority":     50,
					"metadata":     map[string]any{"fallback": true},
				},
			},
			"extracted_data": map[string]any{"nodes": []any{}, "relationships": []any{}},
		}
	default:
		payload = map[string]any{"result": trimmed, "task_type": taskType}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{"result":""}`)
	}
	return data
}

func heuristicEntities(text string) []map[string]any {
	var out []map[string]any
	for _, word := range strings.Fields(text) {
		hasUpper := false
		for _, r := range word {
			if unicode.IsUpper(r) {
				hasUpper = true
				break
			}
		}
		if hasUpper {
			out = append(out, map[string]any{"name": word, "entity_type": "unknown"})
		}
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out
}

func heuristicNumbers(text string) []map[string]any {
	var out []map[string]any
	for _, word := range strings.Fields(text) {
		if n, err := strconv.ParseFloat(word, 64); err == nil {
			out = append(out, map[string]any{"value": n, "unit": "", "category": "number"})
		}
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out
}

func heuristicTopics(text string) []string {
	var out []string
	for _, word := range strings.Fields(text) {
		if len(word) > 3 && isAlpha(word) {
			out = append(out, strings.ToLower(word))
		}
		if len(out) == 5 {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func heuristicSentiment(text string) float64 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "positive"):
		return 0.5
	case strings.Contains(lower, "negative"):
		return -0.5
	default:
		return 0
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func firstN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
