package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mentatlabs/mentat/pkg/observability"
)

// Separator joins a toolset id and a tool name in the advertised
// namespace. Calls are split at its first occurrence, so toolset ids
// must not contain it while tool names may.
const Separator = "__"

// Router aggregates toolsets under one namespace.
type Router struct {
	mu       sync.RWMutex
	order    []Toolset
	toolsets map[string]Toolset
}

// NewRouter builds a router over the given toolsets.
func NewRouter(toolsets ...Toolset) (*Router, error) {
	r := &Router{
		toolsets: make(map[string]Toolset, len(toolsets)),
	}
	for _, ts := range toolsets {
		if err := r.Register(ts); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a toolset. Ids must be unique and free of the
// separator.
func (r *Router) Register(ts Toolset) error {
	id := ts.ID()
	if strings.TrimSpace(id) == "" {
		return NewError("router", "register", "toolset id cannot be empty", nil)
	}
	if strings.Contains(id, Separator) {
		return NewError("router", "register",
			fmt.Sprintf("toolset id %q cannot contain %q", id, Separator), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.toolsets[id]; exists {
		return NewError("router", "register",
			fmt.Sprintf("toolset id %q already registered", id), nil)
	}

	r.toolsets[id] = ts
	r.order = append(r.order, ts)
	return nil
}

// Tools lists every toolset's tools with names rewritten to
// `<toolset_id>__<tool_name>`, in registration order.
func (r *Router) Tools(ctx context.Context) ([]Definition, error) {
	r.mu.RLock()
	order := make([]Toolset, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	var out []Definition
	for _, ts := range order {
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, NewError(ts.ID(), "list", "failed to list tools", err)
		}
		for _, def := range tools {
			def.Name = ts.ID() + Separator + def.Name
			if def.Parameters == nil {
				def.Parameters = map[string]interface{}{"type": "object"}
			}
			out = append(out, def)
		}
	}
	return out, nil
}

// Call splits name at the first separator, forwards to the matching
// toolset with the unprefixed name, and returns its result verbatim.
func (r *Router) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}

	sep := strings.Index(name, Separator)
	if sep <= 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	prefix, rawName := name[:sep], name[sep+len(Separator):]

	r.mu.RLock()
	ts, ok := r.toolsets[prefix]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	tracer := observability.GetTracer("mentat.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, rawName),
			attribute.String(observability.AttrToolset, prefix),
		),
	)
	defer span.End()

	startTime := time.Now()
	result, err := ts.Call(ctx, callID, rawName, args)
	duration := time.Since(startTime)

	span.SetAttributes(attribute.Int64(observability.AttrDurationMillis, duration.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "success")

	return result, nil
}

// Toolset returns the registered toolset with the given id.
func (r *Router) Toolset(id string) (Toolset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.toolsets[id]
	return ts, ok
}

// Close closes every toolset, returning the joined errors.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, ts := range r.order {
		if err := ts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolset %s: %w", ts.ID(), err))
		}
	}
	return errors.Join(errs...)
}
