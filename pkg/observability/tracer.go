// Package observability exposes the tracer handles used around LLM
// calls and tool dispatch. No exporter is configured here; without a
// registered provider the spans are no-ops, and embedders that want
// real traces install their own TracerProvider via otel.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrToolName       = "tool.name"
	AttrToolset        = "tool.toolset"
	AttrLLMModel       = "llm.model"
	AttrLLMTokens      = "llm.tokens"
	AttrSessionID      = "session.id"
	AttrLoopIteration  = "loop.iteration"
	AttrMessageCount   = "conversation.messages"
	AttrRefinedCount   = "conversation.refined"
	AttrErrorType      = "error.type"
	AttrDurationMillis = "duration_ms"

	SpanTurn          = "agent.turn"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
)

// GetTracer returns a tracer from the globally registered provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
