// Package agent drives the turn loop: refine the conversation, send
// it to the model, dispatch any tool calls through the router, append
// the exchange to the store, and repeat until the model stops
// calling tools or the loop bound trips. A session gate serializes
// runs so one conversation never hosts two loops at once.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/llms"
	"github.com/mentatlabs/mentat/pkg/memory"
	"github.com/mentatlabs/mentat/pkg/observability"
	"github.com/mentatlabs/mentat/pkg/tool"
	"github.com/mentatlabs/mentat/pkg/utils"
)

// DefaultMaxToolLoop bounds refine+send rounds per ask.
const DefaultMaxToolLoop = 10

// ErrLoopExhausted reports that the loop bound tripped before the
// model stopped calling tools. Appended rounds persist in the store.
var ErrLoopExhausted = errors.New("tool loop exhausted")

// eventBuffer sizes each AskStream channel.
const eventBuffer = 64

// Options wires an Agent. Store, Strategy, Router and Provider are
// required.
type Options struct {
	Store    *conversation.Store
	Strategy memory.Strategy
	Router   *tool.Router
	Provider llms.Provider

	// MaxToolLoop bounds rounds per ask; zero means
	// DefaultMaxToolLoop.
	MaxToolLoop int

	// OnEvent, when set, receives every loop event regardless of the
	// ask flavor. Used to fan status out to UI sockets.
	OnEvent func(Event)

	Logger *slog.Logger
}

// Agent runs turns against one conversation store.
type Agent struct {
	store       *conversation.Store
	strategy    memory.Strategy
	router      *tool.Router
	provider    llms.Provider
	counter     *utils.TokenCounter
	maxToolLoop int
	onEvent     func(Event)
	logger      *slog.Logger
}

func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Strategy == nil {
		opts.Strategy = memory.NilStrategy{}
	}
	if opts.MaxToolLoop <= 0 {
		opts.MaxToolLoop = DefaultMaxToolLoop
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// A nil counter degrades to the len/4 estimate inside Count.
	counter, err := utils.NewTokenCounter(opts.Provider.ModelName())
	if err != nil {
		counter = nil
	}
	return &Agent{
		store:       opts.Store,
		strategy:    opts.Strategy,
		router:      opts.Router,
		provider:    opts.Provider,
		counter:     counter,
		maxToolLoop: opts.MaxToolLoop,
		onEvent:     opts.OnEvent,
		logger:      opts.Logger,
	}, nil
}

// Ask appends the prompt and runs the loop to completion, blocking
// until the final assistant reply. Tool failures are reinjected as
// results and never surface here; loop-control failures
// (ErrLoopExhausted, cancellation, fatal provider errors) do.
func (a *Agent) Ask(ctx context.Context, prompt string) (string, error) {
	a.store.AddUserPrompt(prompt)
	return a.run(ctx, false, a.emitTo(nil))
}

// AskStream appends the prompt and runs the loop in the background,
// delivering events on the returned channel. A terminal event (done,
// error or stopped) is always sent before the channel closes.
func (a *Agent) AskStream(ctx context.Context, prompt string) (<-chan Event, error) {
	a.store.AddUserPrompt(prompt)
	return a.resumeStream(ctx)
}

// Resume runs the loop from the current log tail without appending a
// prompt. Replay flows trim the log and resume from the user message
// they kept.
func (a *Agent) Resume(ctx context.Context) (string, error) {
	return a.run(ctx, false, a.emitTo(nil))
}

// ResumeStream is Resume with the AskStream event contract.
func (a *Agent) ResumeStream(ctx context.Context) (<-chan Event, error) {
	return a.resumeStream(ctx)
}

func (a *Agent) resumeStream(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		_, _ = a.run(ctx, true, a.emitTo(events))
	}()
	return events, nil
}

// emitTo builds the event sink for one run: the optional channel
// first, then the configured callback. The buffered send is tried
// before consulting the context so terminal events still land after
// cancellation; a full buffer with no consumer is the only drop.
func (a *Agent) emitTo(events chan<- Event) func(context.Context, Event) {
	return func(ctx context.Context, ev Event) {
		if events != nil {
			select {
			case events <- ev:
			default:
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			}
		}
		if a.onEvent != nil {
			a.onEvent(ev)
		}
	}
}

func (a *Agent) run(ctx context.Context, streaming bool, emit func(context.Context, Event)) (reply string, err error) {
	tracer := observability.GetTracer("mentat.agent")
	ctx, span := tracer.Start(ctx, observability.SpanTurn,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, a.provider.ModelName()),
			attribute.Bool("llm.streaming", streaming),
		),
	)
	defer span.End()
	start := time.Now()

	defs, err := a.router.Tools(ctx)
	if err != nil {
		// A dead provider should not brick the conversation; the model
		// just sees fewer tools.
		a.logger.Warn("Tool listing failed, continuing without failed providers", "error", err)
	}
	toolDefs := make([]llms.ToolDefinition, len(defs))
	for i, d := range defs {
		toolDefs[i] = llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}

	meter := newTPSMeter(start, a.counter)
	emit(ctx, Event{State: StateGenerating, Phase: PhaseStart, TPS: meter.tps()})

	finish := func(ev Event, reply string, err error) (string, error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokens, meter.total()),
			attribute.Int64(observability.AttrDurationMillis, time.Since(start).Milliseconds()),
		)
		emit(ctx, ev)
		return reply, err
	}

	for round := 1; round <= a.maxToolLoop; round++ {
		if ctx.Err() != nil {
			return finish(Event{State: StateStopped, Phase: PhaseIdle, TPS: meter.tps()}, "", ctx.Err())
		}

		view := a.strategy.Refine(a.store.Snapshot())

		var text string
		var calls []conversation.ToolCall
		if streaming {
			text, calls, err = a.streamRound(ctx, view, toolDefs, meter, emit)
		} else {
			text, calls, err = a.completeRound(ctx, view, toolDefs, meter)
		}
		if err != nil {
			if ctx.Err() != nil {
				return finish(Event{State: StateStopped, Phase: PhaseIdle, TPS: meter.tps()}, "", ctx.Err())
			}
			return finish(Event{State: StateError, Phase: PhaseCompleted, Error: err.Error(), TPS: meter.tps()}, "", err)
		}

		if len(calls) == 0 {
			// finish_reason=stop; empty text with no calls means the
			// model yields without a reply.
			if text != "" {
				if _, err := a.store.AddAssistantReply(text, nil); err != nil {
					return finish(Event{State: StateError, Phase: PhaseCompleted, Error: err.Error(), TPS: meter.tps()}, "", err)
				}
			}
			return finish(Event{
				State:  StateDone,
				Phase:  PhaseCompleted,
				Reply:  text,
				TPS:    meter.tps(),
				Tokens: meter.total(),
			}, text, nil)
		}

		results, stopped := a.dispatch(ctx, calls, meter, emit)
		if text != "" || len(results) > 0 {
			if _, err := a.store.AddAssistantReply(text, results); err != nil {
				return finish(Event{State: StateError, Phase: PhaseCompleted, Error: err.Error(), TPS: meter.tps()}, "", err)
			}
		}
		if stopped {
			return finish(Event{State: StateStopped, Phase: PhaseIdle, TPS: meter.tps()}, "", ctx.Err())
		}

		a.logger.Debug("Tool round complete",
			"round", round,
			"calls", len(calls),
			"tokens", meter.total(),
		)
	}

	err = fmt.Errorf("%w after %d rounds", ErrLoopExhausted, a.maxToolLoop)
	return finish(Event{State: StateError, Phase: PhaseCompleted, Error: err.Error(), TPS: meter.tps()}, "", err)
}

// streamRound consumes one streaming response, emitting text deltas
// and reassembling tool-call fragments. Slots that never complete are
// dropped with a warning.
func (a *Agent) streamRound(
	ctx context.Context,
	view []conversation.Message,
	toolDefs []llms.ToolDefinition,
	meter *tpsMeter,
	emit func(context.Context, Event),
) (string, []conversation.ToolCall, error) {
	stream, err := a.provider.GenerateStreaming(ctx, view, toolDefs)
	if err != nil {
		return "", nil, err
	}

	table := newCallTable()
	var text string
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			text += chunk.Text
			meter.observe(chunk.Text)
			emit(ctx, Event{
				State: StateGenerating,
				Phase: PhasePartialAssistant,
				Text:  chunk.Text,
				TPS:   meter.tps(),
			})
		case llms.ChunkToolCall:
			for _, d := range chunk.ToolDeltas {
				table.add(d)
			}
		case llms.ChunkDone:
			meter.reconcile(chunk.Tokens)
		case llms.ChunkError:
			return "", nil, chunk.Error
		}
	}

	calls, incomplete := table.collect()
	for _, idx := range incomplete {
		a.logger.Warn("Discarding incomplete tool-call slot", "index", idx)
	}
	return text, calls, nil
}

// completeRound consumes one non-streaming response.
func (a *Agent) completeRound(
	ctx context.Context,
	view []conversation.Message,
	toolDefs []llms.ToolDefinition,
	meter *tpsMeter,
) (string, []conversation.ToolCall, error) {
	resp, err := a.provider.Generate(ctx, view, toolDefs)
	if err != nil {
		return "", nil, err
	}
	meter.observe(resp.Content)
	meter.reconcile(resp.Tokens)
	return resp.Content, resp.ToolCalls, nil
}

// dispatch routes each call serially in emission order. A failing
// tool becomes a structured error result the model can react to;
// only cancellation interrupts the sweep, returning the results
// gathered so far.
func (a *Agent) dispatch(
	ctx context.Context,
	calls []conversation.ToolCall,
	meter *tpsMeter,
	emit func(context.Context, Event),
) (results []conversation.CallWithResult, stopped bool) {
	results = make([]conversation.CallWithResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return results, true
		}

		args, ok := parseArguments(call.Function.Arguments)
		if !ok {
			a.logger.Warn("Malformed tool arguments, dispatching with empty args",
				"tool", call.Function.Name,
				"call_id", call.ID,
				"arguments", call.Function.Arguments,
			)
			emit(ctx, Event{
				State:  StateTool,
				Phase:  PhaseToolError,
				Tool:   call.Function.Name,
				CallID: call.ID,
				Error:  "malformed tool arguments, using empty args",
				TPS:    meter.tps(),
			})
			args = map[string]interface{}{}
		}

		out, err := a.router.Call(ctx, call.ID, call.Function.Name, args)
		if err != nil {
			if ctx.Err() != nil {
				return results, true
			}
			a.logger.Warn("Tool execution failed",
				"tool", call.Function.Name,
				"call_id", call.ID,
				"error", err,
			)
			out = toolFailureJSON(err)
			emit(ctx, Event{
				State:  StateTool,
				Phase:  PhaseToolError,
				Tool:   call.Function.Name,
				CallID: call.ID,
				Result: out,
				Error:  err.Error(),
				TPS:    meter.tps(),
			})
		} else {
			emit(ctx, Event{
				State:  StateTool,
				Phase:  PhaseToolResult,
				Tool:   call.Function.Name,
				CallID: call.ID,
				Result: out,
				TPS:    meter.tps(),
			})
		}

		results = append(results, conversation.CallWithResult{Call: call, Result: out})
	}
	return results, false
}

// toolFailureJSON encodes a tool failure as the structured result the
// model sees. The loop never rethrows tool errors.
func toolFailureJSON(err error) string {
	payload, merr := json.Marshal(map[string]string{
		"error":  "TOOL EXECUTION FAILED",
		"detail": err.Error(),
	})
	if merr != nil {
		return `{"error":"TOOL EXECUTION FAILED"}`
	}
	return string(payload)
}

// tpsMeter measures tokens per second from streamed text, upgraded to
// reported usage totals when the endpoint sends them.
type tpsMeter struct {
	start     time.Time
	counter   *utils.TokenCounter
	estimated int
	reported  int
}

func newTPSMeter(start time.Time, counter *utils.TokenCounter) *tpsMeter {
	return &tpsMeter{start: start, counter: counter}
}

func (m *tpsMeter) observe(text string) {
	m.estimated += m.counter.Count(text)
}

func (m *tpsMeter) reconcile(reported int) {
	if reported > 0 {
		m.reported += reported
	}
}

func (m *tpsMeter) total() int {
	if m.reported > 0 {
		return m.reported
	}
	return m.estimated
}

func (m *tpsMeter) tps() float64 {
	elapsed := time.Since(m.start).Seconds()
	if elapsed < 1e-3 {
		elapsed = 1e-3
	}
	return math.Round(float64(m.total())/elapsed*100) / 100
}
