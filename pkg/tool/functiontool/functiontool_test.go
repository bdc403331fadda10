package functiontool_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mentatlabs/mentat/pkg/tool"
	"github.com/mentatlabs/mentat/pkg/tool/functiontool"
)

type addArgs struct {
	X int `json:"x" jsonschema:"required,description=First addend"`
	Y int `json:"y" jsonschema:"required,description=Second addend"`
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo"`
}

type badArgs struct {
	Mystery string `json:"mystery"` // no description tag
}

func newCalcSet(t *testing.T) *functiontool.Set {
	t.Helper()

	set := functiontool.NewSet("calc")
	err := functiontool.Add(set, functiontool.Config{
		Name:        "add",
		Description: "Add two integers.",
	}, func(ctx context.Context, args addArgs) (any, error) {
		return map[string]int{"sum": args.X + args.Y}, nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	err = functiontool.Add(set, functiontool.Config{
		Name:        "echo",
		Description: "Echo text back.",
	}, func(ctx context.Context, args echoArgs) (any, error) {
		return args.Text, nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	return set
}

func TestSet_Tools(t *testing.T) {
	set := newCalcSet(t)

	tools, err := set.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("Tools() length = %d, want 2", len(tools))
	}

	// Registration order is preserved.
	if tools[0].Name != "add" || tools[1].Name != "echo" {
		t.Errorf("tool order = %s, %s", tools[0].Name, tools[1].Name)
	}

	add := tools[0]
	if add.Parameters["type"] != "object" {
		t.Errorf("schema type = %v, want object", add.Parameters["type"])
	}

	props, ok := add.Parameters["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("schema properties missing: %v", add.Parameters)
	}
	x, ok := props["x"].(map[string]interface{})
	if !ok {
		t.Fatalf("property x missing: %v", props)
	}
	if x["type"] != "integer" {
		t.Errorf("x type = %v, want integer", x["type"])
	}
	if x["description"] != "First addend" {
		t.Errorf("x description = %v", x["description"])
	}

	required, ok := add.Parameters["required"].([]interface{})
	if !ok || len(required) != 2 {
		t.Fatalf("required = %v, want two entries", add.Parameters["required"])
	}
}

func TestSet_Call(t *testing.T) {
	set := newCalcSet(t)

	result, err := set.Call(context.Background(), "c1", "add", map[string]interface{}{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != `{"sum":3}` {
		t.Errorf("Call() = %q, want {\"sum\":3}", result)
	}

	// String results pass through without JSON quoting.
	result, err = set.Call(context.Background(), "c1", "echo", map[string]interface{}{"text": "hello"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != "hello" {
		t.Errorf("Call() = %q, want hello", result)
	}
}

func TestSet_Call_NumericCoercion(t *testing.T) {
	// JSON-decoded arguments arrive as float64; the round-trip into
	// the typed struct must land them in int fields.
	set := newCalcSet(t)

	result, err := set.Call(context.Background(), "c1", "add", map[string]interface{}{"x": float64(40), "y": float64(2)})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != `{"sum":42}` {
		t.Errorf("Call() = %q, want {\"sum\":42}", result)
	}
}

func TestSet_Call_UnknownTool(t *testing.T) {
	set := newCalcSet(t)

	_, err := set.Call(context.Background(), "c1", "multiply", nil)
	if !errors.Is(err, tool.ErrUnknownTool) {
		t.Errorf("Call() error = %v, want ErrUnknownTool", err)
	}
}

func TestSet_Call_InvalidArguments(t *testing.T) {
	set := newCalcSet(t)

	_, err := set.Call(context.Background(), "c1", "add", map[string]interface{}{"x": "not a number"})
	if err == nil {
		t.Fatal("Call() with mistyped args should error")
	}
	if !strings.Contains(err.Error(), "invalid arguments") {
		t.Errorf("error = %v, want invalid arguments", err)
	}
}

func TestSet_Call_HandlerError(t *testing.T) {
	set := functiontool.NewSet("p")
	boom := errors.New("division by zero")

	err := functiontool.Add(set, functiontool.Config{
		Name:        "fail",
		Description: "Always fails.",
	}, func(ctx context.Context, args struct{}) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	_, err = set.Call(context.Background(), "c1", "fail", map[string]interface{}{})
	if !errors.Is(err, boom) {
		t.Errorf("Call() error = %v, want handler error", err)
	}
}

func TestAdd_RejectsUndescribedParameters(t *testing.T) {
	set := functiontool.NewSet("p")

	err := functiontool.Add(set, functiontool.Config{
		Name:        "mystery",
		Description: "Has an undocumented parameter.",
	}, func(ctx context.Context, args badArgs) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("Add() should reject a parameter without a description")
	}
	if !strings.Contains(err.Error(), "description") {
		t.Errorf("error = %v, want description complaint", err)
	}
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	set := newCalcSet(t)

	err := functiontool.Add(set, functiontool.Config{
		Name:        "add",
		Description: "Shadowing registration.",
	}, func(ctx context.Context, args addArgs) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("Add() should reject a duplicate tool name")
	}
}

func TestAdd_EmptyArgsSchema(t *testing.T) {
	set := functiontool.NewSet("p")

	err := functiontool.Add(set, functiontool.Config{
		Name:        "now",
		Description: "Current time.",
	}, func(ctx context.Context, args struct{}) (any, error) {
		return "2024-06-01T00:00:00Z", nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tools, _ := set.Tools(context.Background())
	if len(tools) != 1 {
		t.Fatalf("Tools() length = %d", len(tools))
	}
	props, ok := tools[0].Parameters["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("empty-args schema should still carry a properties map: %v", tools[0].Parameters)
	}
	if len(props) != 0 {
		t.Errorf("empty-args properties = %v, want none", props)
	}
}

func ExampleAdd() {
	set := functiontool.NewSet("calc")

	_ = functiontool.Add(set, functiontool.Config{
		Name:        "add",
		Description: "Add two integers.",
	}, func(ctx context.Context, args addArgs) (any, error) {
		return map[string]int{"sum": args.X + args.Y}, nil
	})

	result, _ := set.Call(context.Background(), "call-1", "add", map[string]interface{}{"x": 19, "y": 23})
	fmt.Println(result)
	// Output: {"sum":42}
}
