// Package functiontool builds an in-process tool.Toolset from typed
// Go functions. Schemas are generated from the argument struct's tags,
// so the function signature is the single source of truth.
//
//	type AddArgs struct {
//	    X int `json:"x" jsonschema:"required,description=First addend"`
//	    Y int `json:"y" jsonschema:"required,description=Second addend"`
//	}
//
//	set := functiontool.NewSet("calc")
//	err := functiontool.Add(set, functiontool.Config{
//	    Name:        "add",
//	    Description: "Add two integers.",
//	}, func(ctx context.Context, args AddArgs) (any, error) {
//	    return args.X + args.Y, nil
//	})
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mentatlabs/mentat/pkg/tool"
)

// Config names one function tool.
type Config struct {
	Name        string
	Description string
}

type entry struct {
	def     tool.Definition
	handler func(ctx context.Context, args map[string]interface{}) (string, error)
}

// Set is an in-process toolset. Register functions with Add; the set
// itself is a tool.Toolset.
type Set struct {
	id string

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewSet builds an empty set with the given toolset id.
func NewSet(id string) *Set {
	return &Set{
		id:      id,
		entries: make(map[string]*entry),
	}
}

// Add registers a typed function on the set. The generated schema must
// pass tool.ValidateSchema, which in practice means every argument
// field needs a jsonschema description tag.
func Add[Args any](s *Set, cfg Config, fn func(ctx context.Context, args Args) (any, error)) error {
	schema, err := generateSchema[Args]()
	if err != nil {
		return tool.NewError(s.id, "add", fmt.Sprintf("failed to generate schema for %s", cfg.Name), err)
	}

	if err := tool.ValidateSchema(cfg.Name, cfg.Description, schema); err != nil {
		return tool.NewError(s.id, "add", "invalid tool registration", err)
	}

	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		var typedArgs Args
		if err := mapToStruct(args, &typedArgs); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", cfg.Name, err)
		}

		result, err := fn(ctx, typedArgs)
		if err != nil {
			return "", err
		}
		return encodeResult(result)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[cfg.Name]; exists {
		return tool.NewError(s.id, "add", fmt.Sprintf("tool %q already registered", cfg.Name), nil)
	}

	s.entries[cfg.Name] = &entry{
		def: tool.Definition{
			Name:        cfg.Name,
			Description: cfg.Description,
			Parameters:  schema,
		},
		handler: handler,
	}
	s.order = append(s.order, cfg.Name)
	return nil
}

// ID implements tool.Toolset.
func (s *Set) ID() string {
	return s.id
}

// Tools implements tool.Toolset.
func (s *Set) Tools(ctx context.Context) ([]tool.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tool.Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].def)
	}
	return out, nil
}

// Call implements tool.Toolset.
func (s *Set) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", tool.ErrUnknownTool, name)
	}
	return e.handler(ctx, args)
}

// Close implements tool.Toolset. In-process functions hold nothing.
func (s *Set) Close() error {
	return nil
}

// encodeResult renders a handler result as tool-message text: strings
// pass through, everything else is JSON.
func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode tool result: %w", err)
		}
		return string(data), nil
	}
}
