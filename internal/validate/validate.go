// Package validate checks workflow definitions at registration time.
// Structural shape is enforced with JSON Schema; reference integrity,
// action well-formedness and code-step checks are layered on top.
// Execution never produces validation issues.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/internal/refs"
	"github.com/loomworks/loom/pkg/api"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "action"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "action": { "$ref": "#/$defs/action" },
        "input": { "type": "object" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "properties": {
        "toolCall": {
          "type": "object",
          "required": ["connectionId", "toolName"],
          "properties": {
            "connectionId": { "type": "string", "minLength": 1 },
            "toolName": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        },
        "code": {
          "type": "object",
          "required": ["source"],
          "properties": {
            "source": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        },
        "sleep": {
          "type": "object",
          "properties": {
            "durationMs": { "type": "integer", "minimum": 1 },
            "wakeAt": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        },
        "waitForSignal": {
          "type": "object",
          "required": ["signalName"],
          "properties": {
            "signalName": { "type": "string", "minLength": 1 },
            "timeoutMs": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1 },
        "backoffMs": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["workflowId"],
      "properties": {
        "workflowId": { "type": "string", "minLength": 1 },
        "input": { "type": "object" },
        "forEach": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// Validator runs the full definition-time check suite. Safe for
// concurrent use.
type Validator struct {
	schema *jsonschema.Schema
	code   api.CodeRunner
}

// New compiles the embedded workflow schema. code may be nil, in which
// case code-step source checks are skipped.
func New(code api.CodeRunner) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{schema: compiled, code: code}, nil
}

// Validate returns every violation in the definition, never failing fast
// on the first. A nil result means the definition is acceptable.
func (v *Validator) Validate(ctx context.Context, def api.Workflow) []api.Issue {
	var issues []api.Issue

	issues = append(issues, v.structural(def)...)
	issues = append(issues, duplicateSteps(def)...)
	issues = append(issues, actionShapes(def)...)
	issues = append(issues, refIntegrity(def)...)
	issues = append(issues, v.codeSteps(ctx, def)...)

	return issues
}

// structural checks the definition against the embedded JSON Schema.
func (v *Validator) structural(def api.Workflow) []api.Issue {
	doc, err := toJSONValue(def)
	if err != nil {
		return []api.Issue{{Code: api.IssueSchemaViolation, Message: err.Error()}}
	}
	err = v.schema.Validate(doc)
	if err == nil {
		return nil
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []api.Issue{{Code: api.IssueSchemaViolation, Message: err.Error()}}
	}

	var issues []api.Issue
	for _, violation := range collectViolations(verr) {
		issues = append(issues, api.Issue{Code: api.IssueSchemaViolation, Message: violation})
	}
	return issues
}

func duplicateSteps(def api.Workflow) []api.Issue {
	seen := make(map[string]bool, len(def.Steps))
	var issues []api.Issue
	for _, s := range def.Steps {
		if seen[s.Name] {
			issues = append(issues, api.Issue{
				Code:    api.IssueDuplicateStep,
				Step:    s.Name,
				Message: fmt.Sprintf("step name %q is used more than once", s.Name),
			})
		}
		seen[s.Name] = true
	}
	return issues
}

func actionShapes(def api.Workflow) []api.Issue {
	var issues []api.Issue
	for _, s := range def.Steps {
		switch s.Action.Kind() {
		case api.ActionInvalid:
			issues = append(issues, api.Issue{
				Code:    api.IssueInvalidAction,
				Step:    s.Name,
				Message: "exactly one action variant must be set",
			})
		case api.ActionSleep:
			sl := s.Action.Sleep
			if (sl.DurationMs > 0) == (sl.WakeAt != "") {
				issues = append(issues, api.Issue{
					Code:    api.IssueInvalidAction,
					Step:    s.Name,
					Message: "sleep requires exactly one of durationMs or wakeAt",
				})
			}
		}
	}
	return issues
}

// refIntegrity checks every @ref in step inputs against the reserved
// heads and the workflow's step names. @output is only available while
// trigger inputs are evaluated, and @item/@index only inside forEach
// fan-out; neither exists during step execution.
func refIntegrity(def api.Workflow) []api.Issue {
	names := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		names[s.Name] = true
	}

	var issues []api.Issue
	for _, s := range def.Steps {
		sources := []any{s.Input}
		if s.Action.Sleep != nil && s.Action.Sleep.WakeAt != "" {
			sources = append(sources, s.Action.Sleep.WakeAt)
		}
		for _, ref := range refs.Extract(sources) {
			head := refHead(ref)
			switch head {
			case "input":
				continue
			case "output":
				issues = append(issues, api.Issue{
					Code:    api.IssueMissingRef,
					Step:    s.Name,
					Ref:     ref,
					Message: "@output is only available in trigger inputs",
				})
			case "item", "index":
				issues = append(issues, api.Issue{
					Code:    api.IssueMissingRef,
					Step:    s.Name,
					Ref:     ref,
					Message: fmt.Sprintf("@%s is only available in forEach trigger inputs", head),
				})
			default:
				if !names[head] {
					issues = append(issues, api.Issue{
						Code:    api.IssueMissingRef,
						Step:    s.Name,
						Ref:     ref,
						Message: fmt.Sprintf("reference to unknown step %q", head),
					})
				}
			}
		}
	}

	for _, tr := range def.Triggers {
		for _, ref := range refs.Extract(tr.Input) {
			head := refHead(ref)
			switch head {
			case "input", "output":
			case "item", "index":
				if tr.ForEach == "" {
					issues = append(issues, api.Issue{
						Code:    api.IssueMissingRef,
						Ref:     ref,
						Message: fmt.Sprintf("@%s requires the trigger to declare forEach", head),
					})
				}
			default:
				if !names[head] {
					issues = append(issues, api.Issue{
						Code:    api.IssueMissingRef,
						Ref:     ref,
						Message: fmt.Sprintf("reference to unknown step %q", head),
					})
				}
			}
		}
	}

	return issues
}

// codeSteps statically checks each code step's source through the
// sandbox and verifies its declared shapes exist.
func (v *Validator) codeSteps(ctx context.Context, def api.Workflow) []api.Issue {
	if v.code == nil {
		return nil
	}

	var issues []api.Issue
	for _, s := range def.Steps {
		if s.Action.Code == nil {
			continue
		}
		check, err := v.code.Check(ctx, s.Action.Code.Source)
		if err != nil {
			issues = append(issues, api.Issue{
				Code:    api.IssueInvalidTypescript,
				Step:    s.Name,
				Message: err.Error(),
			})
			continue
		}
		if !check.Valid {
			issues = append(issues, api.Issue{
				Code:    api.IssueInvalidTypescript,
				Step:    s.Name,
				Message: check.Error,
			})
			continue
		}
		if check.InputShape == nil || check.OutputShape == nil {
			issues = append(issues, api.Issue{
				Code:    api.IssueMissingSchema,
				Step:    s.Name,
				Message: "code step must declare input and output shapes",
			})
			continue
		}
		issues = append(issues, literalShapeMismatches(s, check.InputShape)...)
	}
	return issues
}

// literalShapeMismatches compares literal input values against the
// declared input shape. Values carrying @refs are unknowable until
// runtime and are skipped.
func literalShapeMismatches(s api.Step, shape map[string]any) []api.Issue {
	props, _ := shape["properties"].(map[string]any)
	if props == nil {
		return nil
	}

	var issues []api.Issue
	for key, want := range props {
		val, ok := s.Input[key]
		if !ok {
			continue
		}
		if str, isStr := val.(string); isStr && len(refs.Extract(str)) > 0 {
			continue
		}
		prop, _ := want.(map[string]any)
		wantType, _ := prop["type"].(string)
		if wantType == "" {
			continue
		}
		if got := jsonTypeOf(val); got != "" && got != wantType {
			issues = append(issues, api.Issue{
				Code:    api.IssueTypeMismatch,
				Step:    s.Name,
				Message: fmt.Sprintf("input %q is %s, shape expects %s", key, got, wantType),
			})
		}
	}
	return issues
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return ""
}

func refHead(ref string) string {
	head := strings.TrimPrefix(ref, "@")
	if i := strings.IndexByte(head, '.'); i >= 0 {
		head = head[:i]
	}
	return head
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
