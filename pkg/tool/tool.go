// Package tool pools heterogeneous tool providers under one
// namespace and routes model-issued calls to the right one.
//
// A provider is anything that satisfies Toolset: an in-process
// function set (functiontool), a child-process MCP server
// (mcptoolset), a browser bridge over WebSocket (wstoolset), or the
// temporal recall store (memorytool). The Router aggregates them,
// prefixing every advertised tool name with `<toolset_id>__` so
// collisions between providers cannot happen.
package tool

import (
	"context"
)

// Definition advertises one callable tool. Parameters is a JSON
// Schema object; ValidateSchema states the rules it must satisfy.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Toolset is one tool provider.
//
// Call receives the model's call id alongside the tool name; backends
// that resolve results asynchronously (the WebSocket bridge) key their
// pending work by it. Close releases child processes and sockets and
// must be safe to call more than once.
type Toolset interface {
	// ID is the namespace prefix. Must be unique within a Router and
	// must not contain "__".
	ID() string

	// Tools lists the provider's tools with unprefixed names.
	Tools(ctx context.Context) ([]Definition, error)

	// Call executes one tool and returns its textual result.
	Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error)

	// Close releases provider resources.
	Close() error
}
