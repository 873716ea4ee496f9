// Package planner implements the NLU Planner (C5): it scores free-text input
// against a set of condition-keyed processing policies, picks the
// highest-priority match, and compiles the policy's declared tasks into a
// ProcessingPlan, a list of PlannedTasks bound to concrete model names plus
// a topologically-sorted execution_order of independent batches.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/stelevm/stele/config"
)

// InputAnalysis captures the signal the Planner uses to select a policy:
// length, word count, a heuristic complexity score, and two question-shape
// flags.
type InputAnalysis struct {
	Length                 int
	WordCount              int
	ComplexityScore        float64
	ContainsQuestionWords  bool
	EndsWithQuestionMark   bool
}

var questionWords = []string{"what", "who", "where", "when", "why", "how", "which", "whose", "is", "are", "do", "does", "can", "could", "would", "should"}

// Analyse computes an InputAnalysis for text. ComplexityScore is a simple
// length/word-count/punctuation heuristic (there is no single canonical
// formula in the source material; this one is monotonic in sentence length
// and vocabulary spread, which is all policy conditions rely on).
func Analyse(text string) InputAnalysis {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)
	lower := strings.ToLower(trimmed)

	containsQuestionWord := false
	for _, w := range words {
		cleaned := strings.Trim(strings.ToLower(w), ".,!?;:\"'")
		for _, qw := range questionWords {
			if cleaned == qw {
				containsQuestionWord = true
				break
			}
		}
		if containsQuestionWord {
			break
		}
	}

	uniqueWords := make(map[string]struct{}, len(words))
	for _, w := range words {
		uniqueWords[strings.ToLower(w)] = struct{}{}
	}
	lexicalDiversity := 0.0
	if len(words) > 0 {
		lexicalDiversity = float64(len(uniqueWords)) / float64(len(words))
	}
	avgWordLen := 0.0
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += len([]rune(w))
		}
		avgWordLen = float64(total) / float64(len(words))
	}
	complexity := (float64(len(words))/20.0)*0.4 + avgWordLen/8.0*0.3 + lexicalDiversity*0.3
	if complexity > 1.0 {
		complexity = 1.0
	}

	return InputAnalysis{
		Length:                len([]rune(trimmed)),
		WordCount:             len(words),
		ComplexityScore:       complexity,
		ContainsQuestionWords: containsQuestionWord,
		EndsWithQuestionMark:  strings.HasSuffix(strings.TrimRightFunc(trimmed, unicode.IsSpace), "?") || strings.Contains(lower, "?"),
	}
}

// ModelConfig declares one available model: provider family, capability
// tags, and sizing/cost metadata used by capability-based selection.
type ModelConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Provider     string   `json:"provider" yaml:"provider"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	CostTier     string   `json:"cost_tier" yaml:"cost_tier"`
}

// TaskDefaults holds the per-task-type configuration from the document's
// top-level `tasks` map, consulted when a policy's task reference doesn't
// override a field itself.
type TaskDefaults struct {
	PreferredModel        string   `json:"preferred_model,omitempty" yaml:"preferred_model,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	PromptTemplate        string   `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	TimeoutMS             int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// TaskRef is one task declared by a ProcessingPolicy: an id, optional type
// tag (defaults to id), and any per-task overrides of the document-level
// TaskDefaults.
type TaskRef struct {
	ID                    string   `json:"id" yaml:"id"`
	TaskType              string   `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	PreferredModel        string   `json:"preferred_model,omitempty" yaml:"preferred_model,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Dependencies          []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TimeoutMS             int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	InputData             *string  `json:"input_data,omitempty" yaml:"input_data,omitempty"`
	PromptTemplate        string   `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
}

// TypeTag returns the task's type label used for prompt-defaults lookup and
// response parsing: the explicit TaskType if set, else the id's prefix up to
// the first underscore (mirrors the original's
// `result.task_name.split('_').next()` convention, e.g. "entity_extraction"
// -> "entity").
func (t TaskRef) TypeTag() string {
	if t.TaskType != "" {
		return t.TaskType
	}
	if idx := strings.IndexByte(t.ID, '_'); idx >= 0 {
		return t.ID[:idx]
	}
	return t.ID
}

// ProcessingPolicy is a condition-keyed rule selecting a strategy and task
// list for a given InputAnalysis.
type ProcessingPolicy struct {
	Name         string         `json:"name" yaml:"name"`
	Priority     int            `json:"priority" yaml:"priority"`
	StrategyName string         `json:"strategy_name" yaml:"strategy_name"`
	Tasks        []TaskRef      `json:"tasks" yaml:"tasks"`
	Conditions   map[string]any `json:"conditions" yaml:"conditions"`
}

// Document is the processing-policy configuration document: the policy list
// plus document-wide task defaults and the available model roster.
type Document struct {
	Policies []ProcessingPolicy      `json:"policies" yaml:"policies"`
	Tasks    map[string]TaskDefaults `json:"tasks" yaml:"tasks"`
	Models   []ModelConfig           `json:"models" yaml:"models"`
}

// LoadDocument reads a processing-policy Document from path (JSON or YAML,
// selected by extension via the config package).
func LoadDocument(path string) (*Document, error) {
	var doc Document
	if err := config.LoadFile(path, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ErrorKind tokenizes the planner's single non-recoverable failure mode.
type ErrorKind string

// KindPlanningError is the only ErrorKind the planner produces: no matching
// policy, a cycle in task dependencies, or a dependency referring to an
// undeclared task id.
const KindPlanningError ErrorKind = "planning_error"

// Error is the planner's error type. Every failure mode in this package
// maps to KindPlanningError; Message distinguishes the cause.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("planner: %s: %s", e.Kind, e.Message) }

func newError(format string, args ...any) *Error {
	return &Error{Kind: KindPlanningError, Message: fmt.Sprintf(format, args...)}
}

// SelectPolicy returns the highest-priority policy among policies whose
// Conditions all match analysis, ties broken by declaration order. Returns
// a PlanningError if no policy matches.
func SelectPolicy(policies []ProcessingPolicy, analysis InputAnalysis) (*ProcessingPolicy, error) {
	type candidate struct {
		policy *ProcessingPolicy
		index  int
	}
	var matched []candidate
	for i := range policies {
		p := &policies[i]
		if policyMatches(p, analysis) {
			matched = append(matched, candidate{policy: p, index: i})
		}
	}
	if len(matched) == 0 {
		return nil, newError("no policy matches the given input analysis")
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].policy.Priority > matched[j].policy.Priority
	})
	return matched[0].policy, nil
}

func policyMatches(p *ProcessingPolicy, analysis InputAnalysis) bool {
	for condition, value := range p.Conditions {
		var ok bool
		switch condition {
		case "input_length":
			ok = matchNumeric(float64(analysis.Length), value)
		case "word_count":
			ok = matchNumeric(float64(analysis.WordCount), value)
		case "complexity_score":
			ok = matchNumeric(analysis.ComplexityScore, value)
		case "contains_question_words":
			ok = matchBoolean(analysis.ContainsQuestionWords, value)
		case "ends_with_question_mark":
			ok = matchBoolean(analysis.EndsWithQuestionMark, value)
		default:
			// Unknown conditions are permissive, matching the source's
			// behaviour of warning and treating the condition as satisfied.
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchBoolean(actual bool, condition any) bool {
	b, ok := condition.(bool)
	return ok && b == actual
}

// matchNumeric accepts either a bare numeric limit (equality) or a map of
// operator -> limit (lt, lte, gt, gte, eq), all of which must hold.
func matchNumeric(actual float64, condition any) bool {
	switch v := condition.(type) {
	case map[string]any:
		for op, limitVal := range v {
			limit, ok := toFloat(limitVal)
			if !ok {
				return false
			}
			switch op {
			case "lt":
				if actual >= limit {
					return false
				}
			case "lte":
				if actual > limit {
					return false
				}
			case "gt":
				if actual <= limit {
					return false
				}
			case "gte":
				if actual < limit {
					return false
				}
			case "eq":
				if actual != limit {
					return false
				}
			default:
				return false
			}
		}
		return true
	default:
		limit, ok := toFloat(v)
		if !ok {
			return false
		}
		return actual == limit
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// PlannedTask is a fully-resolved task: a concrete model name, a prompt
// template (still carrying unresolved {input}/{current_time}/{ner_hints}
// placeholders for the Executor to fill in), static input data, declared
// dependencies, and a per-task timeout.
type PlannedTask struct {
	ID             string
	TaskType       string
	ModelName      string
	PromptTemplate string
	InputData      *string
	Dependencies   []string
	Timeout        time.Duration
}

// ProcessingPlan is the Planner's output: the resolved task list plus a
// topologically valid batching (ExecutionOrder) and the strategy name the
// Executor should use to run it.
type ProcessingPlan struct {
	Tasks          []PlannedTask
	ExecutionOrder [][]string
	StrategyName   string
}

// ModelResolver selects a concrete model name satisfying capabilities with
// an optional preferred provider. llmrouter.Pool implements this so the
// planner never depends on llmrouter's concrete adapter types.
type ModelResolver interface {
	ResolveModel(capabilities []string, preferredProvider string) (string, error)
}

const defaultTaskTimeout = 30 * time.Second

// CreatePlan compiles policy's declared tasks into a ProcessingPlan,
// resolving each task's model via preferred_model (task-ref, then
// document-level task defaults) or, failing that, resolver.
// PlannedTask.InputData is the task ref's own static InputData (nil leaves
// prompt composition to substitute the original text at execution time).
func CreatePlan(policy *ProcessingPolicy, doc *Document, resolver ModelResolver) (*ProcessingPlan, error) {
	if policy == nil {
		return nil, newError("policy is nil")
	}
	tasks := make([]PlannedTask, 0, len(policy.Tasks))
	for _, ref := range policy.Tasks {
		if ref.ID == "" {
			return nil, newError("task in policy %q has an empty id", policy.Name)
		}
		typeTag := ref.TypeTag()
		defaults := TaskDefaults{}
		if doc != nil {
			defaults = doc.Tasks[typeTag]
		}

		model := ref.PreferredModel
		if model == "" {
			model = defaults.PreferredModel
		}
		if model == "" {
			caps := ref.RequiredCapabilities
			if len(caps) == 0 {
				caps = defaults.RequiredCapabilities
			}
			if resolver == nil {
				return nil, newError("task %q declares no preferred_model and no model resolver is configured", ref.ID)
			}
			resolved, err := resolver.ResolveModel(caps, "")
			if err != nil {
				return nil, newError("task %q: resolve model: %v", ref.ID, err)
			}
			model = resolved
		}

		prompt := ref.PromptTemplate
		if prompt == "" {
			prompt = defaults.PromptTemplate
		}

		timeoutMS := ref.TimeoutMS
		if timeoutMS == 0 {
			timeoutMS = defaults.TimeoutMS
		}
		timeout := defaultTaskTimeout
		if timeoutMS > 0 {
			timeout = time.Duration(timeoutMS) * time.Millisecond
		} else if timeoutMS < 0 {
			timeout = 0
		}

		tasks = append(tasks, PlannedTask{
			ID:             ref.ID,
			TaskType:       typeTag,
			ModelName:      model,
			PromptTemplate: prompt,
			InputData:      ref.InputData,
			Dependencies:   append([]string(nil), ref.Dependencies...),
			Timeout:        timeout,
		})
	}

	order, err := topologicalOrder(tasks)
	if err != nil {
		return nil, err
	}

	return &ProcessingPlan{
		Tasks:          tasks,
		ExecutionOrder: order,
		StrategyName:   policy.StrategyName,
	}, nil
}

// topologicalOrder batches tasks into execution_order: each batch contains
// every task whose dependencies are already satisfied by prior batches. Any
// dependency referring to an undeclared task id, or a cycle preventing
// further progress, is a PlanningError.
func topologicalOrder(tasks []PlannedTask) ([][]string, error) {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return nil, newError("task %q depends on undeclared task %q", t.ID, dep)
			}
		}
	}

	completed := make(map[string]struct{}, len(tasks))
	remaining := append([]PlannedTask(nil), tasks...)
	var order [][]string
	maxIterations := len(tasks) + 1
	for iter := 0; len(remaining) > 0; iter++ {
		if iter > maxIterations {
			return nil, newError("cycle detected in task dependencies")
		}
		var batch []string
		var next []PlannedTask
		for _, t := range remaining {
			if dependenciesSatisfied(t, completed) {
				batch = append(batch, t.ID)
			} else {
				next = append(next, t)
			}
		}
		if len(batch) == 0 {
			return nil, newError("cycle detected in task dependencies")
		}
		for _, id := range batch {
			completed[id] = struct{}{}
		}
		order = append(order, batch)
		remaining = next
	}
	return order, nil
}

func dependenciesSatisfied(t PlannedTask, completed map[string]struct{}) bool {
	for _, dep := range t.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}
