package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ReportSchema is the contract for scan documents returned by the analyzer.
var ReportSchema = json.RawMessage(`{
	"type": "object",
	"required": ["siteUrl", "summary", "issues"],
	"properties": {
		"siteUrl": {"type": "string", "minLength": 1},
		"summary": {
			"type": "object",
			"required": ["score"],
			"properties": {
				"score": {"type": "integer", "minimum": 0, "maximum": 100},
				"counts": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
				"estTotalTokens": {"type": "integer", "minimum": 0}
			}
		},
		"issues": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "category"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"category": {"type": "string"},
					"severity": {"enum": ["low", "medium", "high", "critical"]},
					"fixAvailable": {"type": "boolean"},
					"estTokens": {"type": "integer", "minimum": 0}
				}
			}
		},
		"pagesAnalyzed": {"type": "array", "items": {"type": "string"}}
	}
}`)

// FixResultSchema is the contract for fix documents.
var FixResultSchema = json.RawMessage(`{
	"type": "object",
	"required": ["applied", "summary"],
	"properties": {
		"applied": {"type": "array", "items": {"type": "string"}},
		"summary": {
			"type": "object",
			"required": ["message"],
			"properties": {
				"message": {"type": "string"},
				"tokensCharged": {"type": "integer", "minimum": 0}
			}
		}
	}
}`)

// StructuredValidator validates analyzer documents against a JSON Schema.
type StructuredValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewStructuredValidator compiles a JSON Schema for validation.
func NewStructuredValidator(schemaJSON json.RawMessage) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &StructuredValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema.
func (sv *StructuredValidator) SchemaJSON() json.RawMessage {
	return sv.schemaJSON
}

// ValidationError describes a document that does not match its schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks raw against the schema.
func (sv *StructuredValidator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return nil
}

// DecodeValidated validates raw and then decodes it into out.
func (sv *StructuredValidator) DecodeValidated(raw []byte, out any) error {
	if err := sv.Validate(raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Message: fmt.Sprintf("decode document: %s", err)}
	}
	return nil
}
