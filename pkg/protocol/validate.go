package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// JSON schemas for the client -> server payloads. Unknown message types
// are not validated here; the session ignores them.
var clientSchemas = map[MessageType]string{
	TypeUserMessage: `{
		"type": "object",
		"properties": {
			"content": {"type": "string"},
			"file_paths": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["content"]
	}`,
	TypeApprovalResponse: `{
		"type": "object",
		"properties": {
			"approved": {"type": "boolean"},
			"reason": {"type": "string"},
			"modified_input": {"type": "object"}
		},
		"required": ["approved"]
	}`,
	TypeInterrupt:    `{"type": "object"}`,
	TypeClearSession: `{"type": "object"}`,
}

var compiledSchemas map[MessageType]*gojsonschema.Schema

func init() {
	compiledSchemas = make(map[MessageType]*gojsonschema.Schema, len(clientSchemas))
	for t, raw := range clientSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: invalid schema for %s: %v", t, err))
		}
		compiledSchemas[t] = schema
	}
}

// ParseClientMessage decodes and validates one inbound frame. A frame
// with an unknown type decodes successfully and is left for the caller
// to ignore. A known type with a malformed payload returns an error.
func ParseClientMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("frame has no type")
	}

	schema, known := compiledSchemas[msg.Type]
	if !known {
		return msg, nil
	}

	data := msg.Data
	if len(data) == 0 {
		data = []byte("{}")
		msg.Data = data
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Message{}, fmt.Errorf("payload validation failed: %w", err)
	}
	if !result.Valid() {
		errs := []string{}
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return Message{}, fmt.Errorf("invalid %s payload: %v", msg.Type, errs)
	}

	return msg, nil
}
