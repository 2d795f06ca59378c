package validation

import "github.com/rendis/toolflow/pkg/schema"

// Validator checks workflow definitions before execution.
// Document and input checks use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDocument(doc any) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

// ActionLookup reports whether a provider exposes an action.
type ActionLookup interface {
	HasAction(provider, action string) bool
}
