package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/toolflow/pkg/schema"
)

const workflowSchemaURL = "https://toolflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes a workflow definition document (YAML or JSON).
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://toolflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "parallel": { "type": "boolean" },
    "on_error": { "type": "string", "enum": ["continue", "stop", "rollback"] },
    "input_schema": { "type": "object" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "provider", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "provider": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "when": { "type": "string", "minLength": 1 },
        "when_lang": { "type": "string", "enum": ["cel", "expr"] },
        "compensation": { "$ref": "#/$defs/tool_call" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "backoff_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "tool_call": {
      "type": "object",
      "required": ["provider", "action"],
      "properties": {
        "provider": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definition documents and run inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}

	c := newCompiler()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded definition document (maps, slices, scalars)
// and reports every violation with its instance path.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ReasonSchema, "document is not JSON-compatible: "+err.Error())
		return result
	}
	if err := v.workflowSchema.Validate(value); err != nil {
		addViolations(result, err)
	}
	return result
}

// ValidateInput checks input against inputSchema. A nil schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.compile(inputSchema)
	if err != nil {
		return schema.NewValidationError(schema.ReasonSchema, "invalid input schema: %s", err.Error()).WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewValidationError(schema.ReasonSchema, "inputs are not JSON-compatible").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		result := &schema.ValidationResult{}
		addViolations(result, err)
		for i := range result.Errors {
			result.Errors[i].Path = "inputs" + strings.TrimSuffix(result.Errors[i].Path, "/")
		}
		return result.ToError()
	}
	return nil
}

func (v *JSONSchemaValidator) compile(inputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("toolflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations walks a ValidationError tree and records each leaf.
func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ReasonSchema, err.Error())
		return
	}
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ReasonSchema, fmt.Sprintf("%s: %s", loc, verr.Error()))
		return
	}
	for _, cause := range verr.Causes {
		addViolations(result, cause)
	}
}
