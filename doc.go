// Package mentat is an agent orchestration runtime: it drives a
// conversational LLM through multi-turn, tool-augmented reasoning
// loops against an OpenAI-compatible chat-completions endpoint.
//
// A client submits a prompt; the runtime keeps a structured
// conversation log with causal links between assistant tool calls and
// their responses, refines that log to fit the model's context budget,
// streams partial assistant output, reassembles fragmented tool calls,
// and routes each call to one of several tool backends: in-process Go
// functions, child-process MCP servers over stdio, or browser-resident
// tools reached through a WebSocket bridge.
//
// # Layout
//
//   - pkg/conversation — the message log and its mutation API
//   - pkg/memory — refinement strategies and the temporal store
//   - pkg/llms — the chat-completion provider
//   - pkg/tool — the router and the toolset providers beneath it
//   - pkg/agent — the reasoning loop and the session gate
//   - pkg/server — the HTTP/WebSocket surface
//   - pkg/storage — projects, scripts and execution records
//   - pkg/runner — scripted prompt execution
//   - cmd/mentat — the CLI (serve, run, memoryd, version)
//
// # Quick start
//
// Install the binary:
//
//	go install github.com/mentatlabs/mentat/cmd/mentat@latest
//
// Point it at any OpenAI-compatible endpoint (LM Studio, Ollama,
// llama.cpp server, api.openai.com) and start the HTTP surface:
//
//	mentat serve --config mentat.yaml
//
// Then ask:
//
//	curl -s localhost:8080/ask -d '{"prompt":"hello"}'
package mentat
