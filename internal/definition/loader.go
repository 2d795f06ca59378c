// Package definition loads workflow definitions from static configuration
// (YAML or JSON) and prepares them for a run.
package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/pkg/schema"
)

// Loader decodes and validates definition documents.
// It is safe for concurrent use.
type Loader struct {
	validator  *validation.WorkflowValidator
	conditions *expressions.Conditions
}

// NewLoader creates a Loader. lookup may be nil to skip provider/action checks.
func NewLoader(lookup validation.ActionLookup) (*Loader, error) {
	v, err := validation.NewWorkflowValidator(lookup)
	if err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	return &Loader{validator: v, conditions: conds}, nil
}

// Check runs every validation stage on data and returns all issues, warnings
// included. The definition is nil when the document does not decode.
func (l *Loader) Check(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if len(bytes.TrimSpace(data)) == 0 {
		result.AddError("/", schema.ReasonSchema, "definition payload is empty")
		return nil, result
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.AddError("/", schema.ReasonSchema, "decode definition: "+err.Error())
		return nil, result
	}
	result.Merge(l.validator.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		result.AddError("/", schema.ReasonSchema, "decode definition: "+err.Error())
		return nil, result
	}
	result.Merge(l.validator.Validate(&def))
	return &def, result
}

// Parse decodes and validates a YAML or JSON definition.
func (l *Loader) Parse(data []byte) (*schema.WorkflowDefinition, error) {
	def, result := l.Check(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}

// CheckDocument is Check for an already-decoded document, such as a JSON
// object received over MCP.
func (l *Loader) CheckDocument(doc map[string]any) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	data, err := json.Marshal(doc)
	if err != nil {
		result := &schema.ValidationResult{}
		result.AddError("/", schema.ReasonSchema, "definition is not JSON-compatible: "+err.Error())
		return nil, result
	}
	return l.Check(data)
}

// ParseDocument validates an already-decoded document.
func (l *Loader) ParseDocument(doc map[string]any) (*schema.WorkflowDefinition, error) {
	def, result := l.CheckDocument(doc)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadReader reads and parses a definition.
func (l *Loader) LoadReader(r io.Reader) (*schema.WorkflowDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return l.Parse(data)
}

// LoadFile reads and parses the definition at path.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Prepare checks inputs against the definition's input schema and returns a
// copy whose `when` expressions are compiled with inputs bound.
func (l *Loader) Prepare(def *schema.WorkflowDefinition, inputs map[string]any) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewValidationError(schema.ReasonSchema, "workflow definition is nil")
	}
	if err := l.validator.ValidateInput(inputs, def.InputSchema); err != nil {
		return nil, err
	}

	cp := *def
	cp.Steps = slices.Clone(def.Steps)
	if err := l.conditions.Bind(&cp, inputs); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ParseInputs turns "key=value" pairs into run inputs. Values are decoded as
// YAML scalars, so numbers and booleans keep their type.
func ParseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q: want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

// LoadInputsFile reads run inputs from a YAML or JSON object file.
func LoadInputsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	inputs := map[string]any{}
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return inputs, nil
}
