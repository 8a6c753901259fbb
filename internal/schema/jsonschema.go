package schema

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const taskDraftSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title"],
  "properties": {
    "id":          {"type": "string"},
    "scope":       {"type": "string"},
    "title":       {"type": "string", "minLength": 1, "maxLength": 500},
    "description": {"type": "string"},
    "status":      {"enum": ["open", "in_progress", "done"]},
    "priority":    {"type": "integer", "minimum": 0, "maximum": 4},
    "tags":        {"type": "array", "items": {"type": "string"}},
    "due_at":      {"type": ["string", "null"]}
  }
}`

const taskPatchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": false,
  "properties": {
    "title":        {"type": "string", "minLength": 1, "maxLength": 500},
    "description":  {"type": "string"},
    "status":       {"enum": ["open", "in_progress", "done"]},
    "priority":     {"type": "integer", "minimum": 0, "maximum": 4},
    "tags":         {"type": "array", "items": {"type": "string"}},
    "due_at":       {"type": "string"},
    "clear_due":    {"type": "boolean"},
    "base_version": {"type": "integer", "minimum": 0}
  }
}`

var (
	compileOnce sync.Once
	draftSchema *jsonschema.Schema
	patchSchema *jsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	for name, src := range map[string]string{
		"task-draft.json": taskDraftSchema,
		"task-patch.json": taskPatchSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			compileErr = fmt.Errorf("failed to add %s: %w", name, err)
			return
		}
	}
	if draftSchema, compileErr = c.Compile("task-draft.json"); compileErr != nil {
		return
	}
	patchSchema, compileErr = c.Compile("task-patch.json")
}

// ValidateDraftJSON validates a raw create payload before it is decoded.
func ValidateDraftJSON(body []byte) error {
	return validateJSON(body, func() *jsonschema.Schema { return draftSchema })
}

// ValidatePatchJSON validates a raw patch payload before it is decoded.
func ValidatePatchJSON(body []byte) error {
	return validateJSON(body, func() *jsonschema.Schema { return patchSchema })
}

func validateJSON(body []byte, pick func() *jsonschema.Schema) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := pick().Validate(inst); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
