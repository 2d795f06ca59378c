package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Assembles(t *testing.T) {
	undo := CompensateFunc(func(context.Context, any) error { return nil })

	def := NewBuilder("docs-sync", "Docs sync").
		SetDescription("fetch docs, branch, file tasks").
		SetParallel(true).
		SetErrorHandling(ErrorPolicyRollback).
		SetInputSchema(map[string]any{"type": "object"}).
		AddStep(Step{ID: "fetchDocs", Provider: "kb", Action: "fetch"}).
		AddStep(Step{
			ID:         "createBranch",
			Provider:   "github",
			Action:     "create_branch",
			DependsOn:  []string{"fetchDocs"},
			Retry:      &RetryConfig{MaxRetries: 2, BackoffMs: 100},
			Compensate: undo,
		}).
		Build()

	assert.Equal(t, "docs-sync", def.ID)
	assert.Equal(t, "Docs sync", def.Name)
	assert.Equal(t, "fetch docs, branch, file tasks", def.Description)
	assert.True(t, def.Parallel)
	assert.Equal(t, ErrorPolicyRollback, def.OnError)
	assert.Equal(t, "object", def.InputSchema["type"])
	require.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"fetchDocs"}, def.Steps[1].DependsOn)
	assert.NotNil(t, def.Steps[1].Compensate)
	assert.Equal(t, 1, def.StepIndex("createBranch"))
	assert.Equal(t, -1, def.StepIndex("ghost"))
}

func TestBuilder_CopiesSteps(t *testing.T) {
	params := map[string]any{"labels": []any{"docs"}, "meta": map[string]any{"team": "a"}}
	deps := []string{"x"}
	retry := &RetryConfig{MaxRetries: 1}
	comp := &ToolCall{Provider: "github", Action: "delete_branch", Params: map[string]any{"id": "{{output.id}}"}}

	b := NewBuilder("wf", "wf").AddStep(Step{
		ID: "a", Provider: "p", Action: "x",
		Params: params, DependsOn: deps, Retry: retry, Compensation: comp,
	})

	params["labels"].([]any)[0] = "changed"
	params["meta"].(map[string]any)["team"] = "b"
	deps[0] = "y"
	retry.MaxRetries = 9
	comp.Params["id"] = "changed"

	def := b.Build()
	s := def.Steps[0]
	assert.Equal(t, []any{"docs"}, s.Params["labels"])
	assert.Equal(t, "a", s.Params["meta"].(map[string]any)["team"])
	assert.Equal(t, []string{"x"}, s.DependsOn)
	assert.Equal(t, 1, s.Retry.MaxRetries)
	assert.Equal(t, "{{output.id}}", s.Compensation.Params["id"])

	// Builds are independent of each other.
	def.Steps[0].Params["new"] = true
	assert.NotContains(t, b.Build().Steps[0].Params, "new")
}

func TestErrorPolicy(t *testing.T) {
	assert.True(t, ErrorPolicy("").Valid())
	assert.True(t, ErrorPolicyContinue.Valid())
	assert.False(t, ErrorPolicy("retry").Valid())
	assert.Equal(t, ErrorPolicyStop, ErrorPolicy("").Effective())
	assert.Equal(t, ErrorPolicyRollback, ErrorPolicyRollback.Effective())
}
