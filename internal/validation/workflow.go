package validation

import (
	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
//  1. Structural (JSON Schema, documents only)
//  2. Semantic (actions, conditions, policy)
//  3. DAG (ids, dependencies, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions *expressions.Conditions
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
		conditions: conds,
	}, nil
}

// Validate runs the semantic and DAG stages on a decoded definition.
// Semantic errors skip the DAG stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ReasonSchema, "workflow definition is nil")
		return r
	}

	result := validateSemantic(def, wv.actions, wv.conditions)
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDocument checks a raw document against the workflow JSON Schema.
func (wv *WorkflowValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return wv.jsonSchema.ValidateDocument(doc)
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

var _ Validator = (*WorkflowValidator)(nil)
