package functiontool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema derives a JSON schema from the argument struct.
//
// Recognized tags:
//   - json:"name" — parameter name
//   - jsonschema:"required" — mark as required
//   - jsonschema:"description=..." — parameter description
//   - jsonschema:"default=...", "enum=a|b", "minimum=N,maximum=M"
func generateSchema[T any]() (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		// Required fields come from jsonschema tags, not omitempty.
		RequiredFromJSONSchemaTags: true,

		// Inline every definition; no $ref indirection.
		ExpandedStruct: true,

		// No $schema/$id noise.
		DoNotReference: true,
	}

	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	// Function-calling endpoints expect type/properties/required only.
	result := map[string]interface{}{
		"type": "object",
	}
	if properties, ok := schemaMap["properties"]; ok {
		result["properties"] = properties
	} else {
		result["properties"] = map[string]interface{}{}
	}
	if required, ok := schemaMap["required"]; ok {
		result["required"] = required
	}
	if addProps, ok := schemaMap["additionalProperties"]; ok {
		result["additionalProperties"] = addProps
	}

	return result, nil
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	// Round-trip through JSON so ordered maps and typed fields all
	// land as plain maps and slices.
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}
