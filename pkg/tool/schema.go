package tool

import (
	"fmt"
	"strings"
)

var schemaTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// ValidateSchema checks a tool registration the way function-calling
// UIs expect it: a type:object schema with a properties map where
// every property carries a known type and a non-empty description,
// arrays describe their items, objects carry nested properties or a
// description, and required (when present) is a list.
func ValidateSchema(name, description string, parameters map[string]interface{}) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("tool %q: description must be a non-empty string", name)
	}
	if parameters == nil {
		return fmt.Errorf("tool %q: parameters must be a JSON Schema object", name)
	}

	topType, _ := parameters["type"].(string)
	if topType != "object" {
		return fmt.Errorf("tool %q: parameters top-level type must be \"object\"", name)
	}

	rawProps, ok := parameters["properties"]
	if !ok {
		return fmt.Errorf("tool %q: parameters must have a top-level properties field", name)
	}
	props, ok := rawProps.(map[string]interface{})
	if !ok {
		return fmt.Errorf("tool %q: parameters properties must be a map", name)
	}

	for key, rawProp := range props {
		prop, ok := rawProp.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tool %q: parameter %q definition must be a map", name, key)
		}
		if err := validateProperty(name, key, prop); err != nil {
			return err
		}
	}

	if rawRequired, ok := parameters["required"]; ok {
		switch rawRequired.(type) {
		case []interface{}, []string:
		default:
			return fmt.Errorf("tool %q: required must be a list of property names", name)
		}
	}

	return nil
}

func validateProperty(tool, key string, prop map[string]interface{}) error {
	propType, _ := prop["type"].(string)
	if propType == "" {
		return fmt.Errorf("tool %q: parameter %q must have a type field", tool, key)
	}
	if !schemaTypes[propType] {
		return fmt.Errorf("tool %q: parameter %q has unknown type %q", tool, key, propType)
	}

	desc, _ := prop["description"].(string)
	if strings.TrimSpace(desc) == "" {
		return fmt.Errorf("tool %q: parameter %q must have a non-empty description", tool, key)
	}

	if propType == "array" {
		items, ok := prop["items"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("tool %q: array parameter %q must have an items map", tool, key)
		}
		itemType, _ := items["type"].(string)
		if itemType == "" {
			return fmt.Errorf("tool %q: parameter %q items must have a type", tool, key)
		}
		if !schemaTypes[itemType] {
			return fmt.Errorf("tool %q: parameter %q items have unknown type %q", tool, key, itemType)
		}
		itemDesc, _ := items["description"].(string)
		if strings.TrimSpace(itemDesc) == "" {
			return fmt.Errorf("tool %q: parameter %q items must have a non-empty description", tool, key)
		}
	}

	if propType == "object" {
		if _, hasProps := prop["properties"]; !hasProps && strings.TrimSpace(desc) == "" {
			return fmt.Errorf("tool %q: object parameter %q needs properties or a description", tool, key)
		}
	}

	return nil
}
