// Package lexicon validates records against their named schema. A record's
// schema is selected by its $type field; unknown types are accepted as opaque
// so extensions can define their own collections without kernel changes.
package lexicon

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Well-known record types.
const (
	TypeMemoryNote     = "agent.memory.note"
	TypeMemoryDecision = "agent.memory.decision"
	TypeCommsMessage   = "agent.comms.message"
	TypeSessionArchive = "agent.session.archive"
)

// DefaultMessagePriority is injected into agent.comms.message records that
// omit priority.
const DefaultMessagePriority = 3

// Issue describes one validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries the full issue list for a rejected record.
type ValidationError struct {
	Type   string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: %d issue(s)", e.Type, len(e.Issues))
}

var schemaSources = map[string]string{
	TypeMemoryNote: `{
		"type": "object",
		"required": ["summary", "createdAt"],
		"properties": {
			"$type":     {"type": "string"},
			"summary":   {"type": "string", "minLength": 1},
			"text":      {"type": "string"},
			"tags":      {"type": "array", "items": {"type": "string"}},
			"createdAt": {"type": "string", "format": "date-time"}
		}
	}`,
	TypeMemoryDecision: `{
		"type": "object",
		"required": ["decision", "status", "createdAt"],
		"properties": {
			"$type":     {"type": "string"},
			"decision":  {"type": "string", "minLength": 1},
			"status":    {"type": "string"},
			"context":   {"type": "string"},
			"rationale": {"type": "string"},
			"createdAt": {"type": "string", "format": "date-time"}
		}
	}`,
	TypeCommsMessage: `{
		"type": "object",
		"required": ["sender", "recipient", "content", "createdAt"],
		"properties": {
			"$type":     {"type": "string"},
			"sender":    {"type": "string", "pattern": "^did:[a-z0-9]+:"},
			"recipient": {"type": "string", "pattern": "^did:[a-z0-9]+:"},
			"content": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"type": "string", "enum": ["text", "json", "ref"]}
				}
			},
			"createdAt": {"type": "string", "format": "date-time"},
			"priority":  {"type": "integer", "minimum": 0}
		}
	}`,
	TypeSessionArchive: `{
		"type": "object",
		"required": ["messages", "archivedAt"],
		"properties": {
			"$type":      {"type": "string"},
			"messages":   {"type": "array", "items": {"type": "object"}},
			"archivedAt": {"type": "string", "format": "date-time"}
		}
	}`,
}

var schemas = mustCompile(schemaSources)

func mustCompile(sources map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(sources))
	for typ, src := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("lexicon: compile schema for %s: %v", typ, err))
		}
		out[typ] = schema
	}
	return out
}

// RecordType extracts the $type field of a record, or "" if absent.
func RecordType(record map[string]interface{}) string {
	typ, _ := record["$type"].(string)
	return typ
}

// Validate checks a record against the schema for its $type and injects
// per-type defaults on success. Records with an unknown or missing $type pass
// through untouched. Returns a *ValidationError on failure.
func Validate(record map[string]interface{}) error {
	typ := RecordType(record)
	schema, ok := schemas[typ]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record for validation: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate %s: %w", typ, err)
	}
	if !result.Valid() {
		issues := make([]Issue, 0, len(result.Errors()))
		for _, resErr := range result.Errors() {
			issues = append(issues, Issue{
				Path:    resErr.Field(),
				Message: resErr.Description(),
			})
		}
		return &ValidationError{Type: typ, Issues: issues}
	}

	applyDefaults(typ, record)
	return nil
}

// applyDefaults mutates a validated record with per-type default values.
func applyDefaults(typ string, record map[string]interface{}) {
	switch typ {
	case TypeCommsMessage:
		if _, ok := record["priority"]; !ok {
			record["priority"] = DefaultMessagePriority
		}
	}
}
