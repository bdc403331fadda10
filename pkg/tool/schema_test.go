package tool

import (
	"errors"
	"strings"
	"testing"
)

func validParams() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results.",
			},
			"filters": map[string]interface{}{
				"type":        "object",
				"description": "Optional filters.",
				"properties": map[string]interface{}{
					"language": map[string]interface{}{
						"type":        "string",
						"description": "Language code.",
					},
				},
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"description": "Tags to filter by.",
				"items": map[string]interface{}{
					"type":        "string",
					"description": "One tag.",
				},
			},
		},
		"required": []interface{}{"query"},
	}
}

func TestValidateSchema_Valid(t *testing.T) {
	if err := ValidateSchema("search", "Search the index.", validParams()); err != nil {
		t.Errorf("ValidateSchema() error = %v, want nil", err)
	}
}

func TestValidateSchema_EmptyName(t *testing.T) {
	if err := ValidateSchema("", "desc", validParams()); !errors.Is(err, ErrEmptyName) {
		t.Errorf("error = %v, want ErrEmptyName", err)
	}
	if err := ValidateSchema("  ", "desc", validParams()); !errors.Is(err, ErrEmptyName) {
		t.Errorf("blank name error = %v, want ErrEmptyName", err)
	}
}

func TestValidateSchema_Failures(t *testing.T) {
	mutate := func(fn func(p map[string]interface{})) map[string]interface{} {
		p := validParams()
		fn(p)
		return p
	}
	prop := func(p map[string]interface{}, key string) map[string]interface{} {
		return p["properties"].(map[string]interface{})[key].(map[string]interface{})
	}

	cases := []struct {
		name    string
		desc    string
		params  map[string]interface{}
		errPart string
	}{
		{"empty description", "", validParams(), "description"},
		{"nil parameters", "d", nil, "parameters"},
		{"wrong top type", "d", mutate(func(p map[string]interface{}) { p["type"] = "array" }), "type must be"},
		{"missing properties", "d", mutate(func(p map[string]interface{}) { delete(p, "properties") }), "properties"},
		{"properties not a map", "d", mutate(func(p map[string]interface{}) { p["properties"] = "nope" }), "must be a map"},
		{"property missing type", "d", mutate(func(p map[string]interface{}) { delete(prop(p, "query"), "type") }), "type field"},
		{"property unknown type", "d", mutate(func(p map[string]interface{}) { prop(p, "query")["type"] = "varchar" }), "unknown type"},
		{"property missing description", "d", mutate(func(p map[string]interface{}) { delete(prop(p, "query"), "description") }), "description"},
		{"array without items", "d", mutate(func(p map[string]interface{}) { delete(prop(p, "tags"), "items") }), "items"},
		{"array items missing type", "d", mutate(func(p map[string]interface{}) {
			delete(prop(p, "tags")["items"].(map[string]interface{}), "type")
		}), "items must have a type"},
		{"required not a list", "d", mutate(func(p map[string]interface{}) { p["required"] = "query" }), "required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema("search", tc.desc, tc.params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("error %q should mention %q", err, tc.errPart)
			}
		})
	}
}

func TestValidateSchema_RequiredAsStringSlice(t *testing.T) {
	// Schemas built in Go carry []string rather than []interface{}.
	p := validParams()
	p["required"] = []string{"query"}
	if err := ValidateSchema("search", "Search.", p); err != nil {
		t.Errorf("ValidateSchema() error = %v, want nil", err)
	}
}

func TestErrorFormat(t *testing.T) {
	err := NewError("mcp", "call", "child unreachable", ErrChildExited)
	want := "[mcp:call] child unreachable: tool child process exited"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrChildExited) {
		t.Error("structured error should unwrap to its cause")
	}

	bare := NewError("mcp", "call", "child unreachable", nil)
	if bare.Error() != "[mcp:call] child unreachable" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
