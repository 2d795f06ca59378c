package schema

import "context"

// WorkflowDefinition is the declarative step graph submitted to the engine.
// It is read-only input: many runs may share one definition.
type WorkflowDefinition struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step      `json:"steps" yaml:"steps"`
	Parallel    bool        `json:"parallel" yaml:"parallel"`
	OnError     ErrorPolicy `json:"on_error" yaml:"on_error"`

	// InputSchema is an optional JSON Schema the run's initial variables must satisfy.
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// Step binds one tool provider action to its parameters and dependencies.
type Step struct {
	ID        string         `json:"id" yaml:"id"`
	Provider  string         `json:"provider" yaml:"provider"`
	Action    string         `json:"action" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry     *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`

	// When is a condition expression from static configuration; loaders compile
	// it into Condition. WhenLang selects the language (cel, expr).
	When     string `json:"when,omitempty" yaml:"when,omitempty"`
	WhenLang string `json:"when_lang,omitempty" yaml:"when_lang,omitempty"`

	// Condition decides at dispatch time whether the step runs.
	Condition Condition `json:"-" yaml:"-"`
	// WhenBound marks a Condition compiled from When. Binding again replaces it.
	WhenBound bool `json:"-" yaml:"-"`

	// Compensation undoes a succeeded step during rollback through the Tool Invoker.
	// Compensate, when set, takes precedence.
	Compensation *ToolCall      `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Compensate   CompensateFunc `json:"-" yaml:"-"`
}

// ErrorPolicy selects how the run reacts to a failed step.
type ErrorPolicy string

const (
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicyStop     ErrorPolicy = "stop"
	ErrorPolicyRollback ErrorPolicy = "rollback"
)

// Valid reports whether p is a known policy. The empty policy is valid and means stop.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case "", ErrorPolicyContinue, ErrorPolicyStop, ErrorPolicyRollback:
		return true
	}
	return false
}

// Effective returns the policy applied at runtime.
func (p ErrorPolicy) Effective() ErrorPolicy {
	if p == "" {
		return ErrorPolicyStop
	}
	return p
}

// RetryConfig bounds retries of a single step.
type RetryConfig struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	BackoffMs  int `json:"backoff_ms" yaml:"backoff_ms"`
}

// ToolCall is a provider action invocation described as data.
type ToolCall struct {
	Provider string         `json:"provider" yaml:"provider"`
	Action   string         `json:"action" yaml:"action"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Condition receives the outputs of succeeded steps keyed by step ID.
// Returning an error (or panicking) counts as "run".
type Condition func(outputs map[string]any) (bool, error)

// CompensateFunc undoes the effect of a succeeded step given its output.
type CompensateFunc func(ctx context.Context, output any) error

// StepIndex returns the position of the step with the given ID, or -1.
func (d *WorkflowDefinition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
