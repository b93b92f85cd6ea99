package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepwise/pkg/schema"
)

const workflowSchemaURL = "https://stepwise.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepwise.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.\\-]+$" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "settings": { "$ref": "#/$defs/settings" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "settings": {
      "type": "object",
      "properties": {
        "max_cost": { "type": "number", "minimum": 0 },
        "default_model": { "type": "string" },
        "default_temperature": { "type": "number" },
        "default_max_tokens": { "type": "integer" },
        "optimization": {
          "type": "object",
          "properties": {
            "enable_synthesis": { "type": "boolean" },
            "synthesis_token_trigger": { "type": "integer", "minimum": 0 },
            "synthesis_tool": { "type": "string" },
            "truncate_steps": { "type": "boolean" },
            "max_step_tokens": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name", "tool"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "tool": { "type": "string", "minLength": 1 },
        "input": { "type": ["string", "object", "null"] },
        "output": {
          "type": "object",
          "properties": {
            "variable": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_\\-]*$" },
            "extract": { "type": "string" }
          },
          "additionalProperties": false
        },
        "model": { "type": "string" },
        "temperature": { "type": "number" },
        "max_tokens": { "type": "integer" },
        "parallel": { "type": "boolean" },
        "condition": { "type": "string" },
        "condition_engine": { "type": "string", "enum": ["", "cel", "expr"] },
        "use_previous_output": { "type": "boolean" },
        "persist": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definitions in two stages: structural (JSON
// Schema) and semantic. It is safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
	tools          ToolLookup
}

// ToolLookup reports whether a tool name is known. Validation only warns on
// unknown tools since providers may register them later.
type ToolLookup interface {
	Has(name string) bool
}

// NewValidator compiles the workflow schema. tools may be nil.
func NewValidator(tools ToolLookup) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: compiled, tools: tools}, nil
}

// Validate runs both stages. Structural errors short-circuit the semantic stage.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "workflow definition is nil")
		return result
	}
	result.Source = def.Name

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "serialize definition: %v", err)
		return result
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, "%s", violation.message)
		}
		return result
	}

	result.Merge(validateSemantic(def, v.tools))
	return result
}

func validateSemantic(def *schema.WorkflowDefinition, tools ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]int, len(def.Steps))
	vars := make(map[string]int)

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if prev, dup := seen[step.Name]; dup {
			result.AddError(path+".name", "duplicate step name %q (first at steps[%d])", step.Name, prev)
		} else {
			seen[step.Name] = i
		}

		if step.Output.Variable != "" {
			if prev, dup := vars[step.Output.Variable]; dup {
				result.AddWarning(path+".output.variable", "variable %q also bound by steps[%d]", step.Output.Variable, prev)
			}
			vars[step.Output.Variable] = i
		}

		switch step.ConditionEngine {
		case "", schema.ConditionEngineCEL, schema.ConditionEngineExpr:
		default:
			result.AddError(path+".condition_engine", "unknown condition engine %q", step.ConditionEngine)
		}
		if step.ConditionEngine != "" && step.Condition == "" {
			result.AddWarning(path+".condition_engine", "condition engine set without a condition")
		}

		if step.Parallel && step.UsePreviousOutput {
			result.AddError(path+".use_previous_output", "parallel steps cannot depend on the previous output")
		}

		if step.Output.Extract != "" && step.Output.Variable == "" {
			result.AddWarning(path+".output.extract", "extract has no effect without output.variable")
		}

		if tools != nil && !tools.Has(step.Tool) {
			result.AddWarning(path+".tool", "tool %q is not registered", step.Tool)
		}
	}

	opt := def.Settings.Optimization
	if opt.EnableSynthesis && tools != nil && opt.SynthesisTool != "" && !tools.Has(opt.SynthesisTool) {
		result.AddWarning("settings.optimization.synthesis_tool", "tool %q is not registered", opt.SynthesisTool)
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and returns its leaves.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips a value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
