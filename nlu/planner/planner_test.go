package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/nlu/planner"
)

func TestAnalyseQuestion(t *testing.T) {
	a := planner.Analyse("What time is it?")
	assert.True(t, a.EndsWithQuestionMark)
	assert.True(t, a.ContainsQuestionWords)
	assert.Equal(t, 4, a.WordCount)
}

func TestSelectPolicyMatchesQuestionMark(t *testing.T) {
	policies := []planner.ProcessingPolicy{
		{
			Name:         "q",
			Priority:     10,
			StrategyName: "sequential",
			Conditions:   map[string]any{"ends_with_question_mark": true},
			Tasks:        []planner.TaskRef{{ID: "intent", PreferredModel: "X"}},
		},
	}
	analysis := planner.Analyse("What time is it?")

	p, err := planner.SelectPolicy(policies, analysis)
	require.NoError(t, err)
	assert.Equal(t, "q", p.Name)
}

func TestSelectPolicyPriorityOrdering(t *testing.T) {
	policies := []planner.ProcessingPolicy{
		{Name: "low", Priority: 1, Conditions: map[string]any{}},
		{Name: "high", Priority: 5, Conditions: map[string]any{}},
	}
	p, err := planner.SelectPolicy(policies, planner.Analyse("hello"))
	require.NoError(t, err)
	assert.Equal(t, "high", p.Name)
}

func TestSelectPolicyNoMatch(t *testing.T) {
	policies := []planner.ProcessingPolicy{
		{Name: "only", Conditions: map[string]any{"word_count": map[string]any{"gt": 1000}}},
	}
	_, err := planner.SelectPolicy(policies, planner.Analyse("hi"))
	require.Error(t, err)
	var perr *planner.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, planner.KindPlanningError, perr.Kind)
}

func TestMatchNumericOperators(t *testing.T) {
	policies := []planner.ProcessingPolicy{
		{
			Name: "bounded",
			Conditions: map[string]any{
				"word_count": map[string]any{"gte": 2, "lte": 4},
			},
		},
	}
	_, err := planner.SelectPolicy(policies, planner.Analyse("two words"))
	require.NoError(t, err)

	_, err = planner.SelectPolicy(policies, planner.Analyse("this has way too many words in it"))
	require.Error(t, err)
}

func TestCreatePlanResolvesExactlyOneTask(t *testing.T) {
	policy := &planner.ProcessingPolicy{
		Name:         "q",
		Priority:     10,
		StrategyName: "sequential",
		Tasks:        []planner.TaskRef{{ID: "intent", PreferredModel: "X"}},
	}
	plan, err := planner.CreatePlan(policy, &planner.Document{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "intent", plan.Tasks[0].ID)
	assert.Equal(t, "X", plan.Tasks[0].ModelName)
	assert.Equal(t, [][]string{{"intent"}}, plan.ExecutionOrder)
}

type stubResolver struct {
	model string
	err   error
}

func (s stubResolver) ResolveModel(capabilities []string, preferredProvider string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.model, nil
}

func TestCreatePlanUsesResolverWhenNoPreferredModel(t *testing.T) {
	policy := &planner.ProcessingPolicy{
		Name:  "fallback",
		Tasks: []planner.TaskRef{{ID: "entity_extraction", RequiredCapabilities: []string{"structured-json"}}},
	}
	plan, err := planner.CreatePlan(policy, &planner.Document{}, stubResolver{model: "resolved-model"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "resolved-model", plan.Tasks[0].ModelName)
	assert.Equal(t, "entity", plan.Tasks[0].TaskType)
}

func TestCreatePlanStagedExecutionOrder(t *testing.T) {
	policy := &planner.ProcessingPolicy{
		Name: "staged",
		Tasks: []planner.TaskRef{
			{ID: "A", PreferredModel: "m"},
			{ID: "B", PreferredModel: "m", Dependencies: []string{"A"}},
			{ID: "C", PreferredModel: "m", Dependencies: []string{"A"}},
			{ID: "D", PreferredModel: "m", Dependencies: []string{"B", "C"}},
		},
	}
	plan, err := planner.CreatePlan(policy, &planner.Document{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.ExecutionOrder, 3)
	assert.Equal(t, []string{"A"}, plan.ExecutionOrder[0])
	assert.ElementsMatch(t, []string{"B", "C"}, plan.ExecutionOrder[1])
	assert.Equal(t, []string{"D"}, plan.ExecutionOrder[2])
}

func TestCreatePlanDetectsCycle(t *testing.T) {
	policy := &planner.ProcessingPolicy{
		Name: "cyclic",
		Tasks: []planner.TaskRef{
			{ID: "A", PreferredModel: "m", Dependencies: []string{"D"}},
			{ID: "B", PreferredModel: "m", Dependencies: []string{"A"}},
			{ID: "C", PreferredModel: "m", Dependencies: []string{"A"}},
			{ID: "D", PreferredModel: "m", Dependencies: []string{"B", "C"}},
		},
	}
	_, err := planner.CreatePlan(policy, &planner.Document{}, nil)
	require.Error(t, err)
	var perr *planner.Error
	require.ErrorAs(t, err, &perr)
}

func TestCreatePlanRejectsUndeclaredDependency(t *testing.T) {
	policy := &planner.ProcessingPolicy{
		Name:  "dangling",
		Tasks: []planner.TaskRef{{ID: "A", PreferredModel: "m", Dependencies: []string{"ghost"}}},
	}
	_, err := planner.CreatePlan(policy, &planner.Document{}, nil)
	require.Error(t, err)
}
