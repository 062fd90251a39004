package tools

import "github.com/invopop/jsonschema"

// GenerateSchema builds a JSON schema for a tool's input struct without
// references, matching what providers expect inline.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(&v)
}
