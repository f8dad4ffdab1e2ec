package wire

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound call payloads are schema-validated before their handlers run, so a
// malformed dashboard frame is rejected with a useful error instead of a
// half-populated struct. Outbound payloads are validated by construction
// through the typed structs in types.go.
var inboundSchemaSources = map[string]string{
	MethodStartTransaction: `{
		"type": "object",
		"required": ["transactionId", "action", "user"],
		"properties": {
			"transactionId": {"type": "string", "minLength": 1},
			"action": {
				"type": "object",
				"required": ["slug"],
				"properties": {
					"slug": {"type": "string", "minLength": 1},
					"url": {"type": "string"}
				}
			},
			"user": {
				"type": "object",
				"required": ["email"],
				"properties": {
					"email": {"type": "string"},
					"firstName": {"type": ["string", "null"]},
					"lastName": {"type": ["string", "null"]},
					"role": {"type": "string"},
					"teams": {"type": "array", "items": {"type": "string"}}
				}
			},
			"params": {},
			"paramsMeta": {},
			"environment": {"type": "string"}
		}
	}`,
	MethodIOResponse: `{
		"type": "object",
		"required": ["value", "transactionId"],
		"properties": {
			"value": {"type": "string", "minLength": 1},
			"transactionId": {"type": "string", "minLength": 1}
		}
	}`,
	MethodOpenPage: `{
		"type": "object",
		"required": ["pageKey", "page", "user"],
		"properties": {
			"pageKey": {"type": "string", "minLength": 1},
			"page": {
				"type": "object",
				"required": ["slug"],
				"properties": {"slug": {"type": "string", "minLength": 1}}
			},
			"user": {"type": "object", "required": ["email"]},
			"params": {},
			"paramsMeta": {},
			"environment": {"type": "string"}
		}
	}`,
	MethodClosePage: `{
		"type": "object",
		"required": ["pageKey"],
		"properties": {
			"pageKey": {"type": "string", "minLength": 1}
		}
	}`,
}

var inboundSchemas = compileInboundSchemas()

func compileInboundSchemas() map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(inboundSchemaSources))
	for method, src := range inboundSchemaSources {
		url := "dashlink://schemas/" + method + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("wire: invalid schema for %s: %v", method, err))
		}
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("wire: add schema for %s: %v", method, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("wire: compile schema for %s: %v", method, err))
		}
		schemas[method] = schema
	}
	return schemas
}

// ValidateInbound checks an inbound CALL's data against the method's input
// schema. Methods without a registered schema pass.
func ValidateInbound(methodName string, data []byte) error {
	schema, ok := inboundSchemas[methodName]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("wire: %s inputs are not valid JSON: %w", methodName, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("wire: %s inputs failed validation: %w", methodName, err)
	}
	return nil
}
