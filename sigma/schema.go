package sigma

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ruleSchema is the JSON schema a rule document is validated against in
// strict mode. It mirrors the structural checks the parser performs and adds
// type constraints on metadata fields.
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "detection"],
  "properties": {
    "id": {"type": "string"},
    "title": {"type": "string", "minLength": 1, "maxLength": 256},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "date": {"type": ["string", "number"]},
    "modified": {"type": ["string", "number"]},
    "status": {
      "type": "string",
      "enum": ["experimental", "test", "stable", "deprecated"]
    },
    "level": {
      "type": "string",
      "enum": ["critical", "high", "medium", "low", "informational"]
    },
    "references": {"type": "array", "items": {"type": "string"}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "falsepositives": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "logsource": {
      "type": "object",
      "properties": {
        "product": {"type": "string"},
        "service": {"type": "string"},
        "category": {"type": "string"}
      },
      "additionalProperties": true
    },
    "detection": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "condition": {"type": "string", "minLength": 1}
      },
      "minProperties": 2
    }
  }
}`

var compiledSchema *gojsonschema.Schema

func init() {
	var err error
	compiledSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(ruleSchema))
	if err != nil {
		panic(fmt.Sprintf("sigma: invalid built-in rule schema: %v", err))
	}
}

// ValidateDocument checks a raw YAML rule document against the built-in
// schema. It never returns an error for rule-content problems; those are
// reported in the result. The returned error covers only undecodable YAML.
func ValidateDocument(data []byte) (*ValidationResult, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []string{"invalid YAML: " + err.Error()},
		}, nil
	}

	// gojsonschema wants JSON-compatible values; yaml.v3 already decodes
	// mappings into map[string]interface{}, so the document loads directly.
	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(normalizeYAML(raw)))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	vr := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		vr.Errors = append(vr.Errors, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return vr, nil
}

// validateStrict runs the schema over an already decoded document and turns
// any finding into a RuleSyntaxError.
func validateStrict(raw map[string]interface{}, label string, doc int) error {
	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(normalizeYAML(raw)))
	if err != nil {
		return &RuleSyntaxError{Path: label, Document: doc, Reason: "schema validation failed", Err: err}
	}
	if !result.Valid() {
		descs := result.Errors()
		reasons := make([]string, 0, len(descs))
		for _, d := range descs {
			reasons = append(reasons, fmt.Sprintf("%s: %s", d.Field(), d.Description()))
		}
		return &RuleSyntaxError{Path: label, Document: doc, Reason: "schema violation: " + strings.Join(reasons, "; ")}
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} values, which yaml can
// produce for nested mappings with non-string keys, into JSON-compatible
// maps.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
