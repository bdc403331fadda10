// Package runner executes stored prompt scripts against a fresh agent
// and records the outcome.
//
// A run resolves the project's system prompt and one script version
// (explicit or latest), feeds the script's prompts to the agent in
// order, and persists an execution record with the final transcript.
// A failed prompt ends the run with status "error"; the record still
// carries everything produced up to that point.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentatlabs/mentat/pkg/agent"
	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/llms"
	"github.com/mentatlabs/mentat/pkg/memory"
	"github.com/mentatlabs/mentat/pkg/storage"
	"github.com/mentatlabs/mentat/pkg/tool"
)

// Config contains the configuration for creating a Runner.
type Config struct {
	// Storage persists projects, scripts and executions.
	Storage *storage.Store

	// Provider is the LLM backend every run talks to.
	Provider llms.Provider

	// Router exposes tools to the agent (optional).
	Router *tool.Router

	// Strategy refines the conversation before each LLM request
	// (optional; defaults to no refinement).
	Strategy memory.Strategy

	// MaxToolLoop bounds tool rounds per prompt (optional).
	MaxToolLoop int

	// OnReply, when set, is called after each completed prompt.
	// Used by the CLI to stream progress.
	OnReply func(index int, prompt, reply string)

	Logger *slog.Logger
}

// Runner drives agents over stored scripts.
type Runner struct {
	storage     *storage.Store
	provider    llms.Provider
	router      *tool.Router
	strategy    memory.Strategy
	maxToolLoop int
	onReply     func(int, string, string)
	logger      *slog.Logger
}

// New creates a new Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = memory.NilStrategy{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := cfg.Router
	if router == nil {
		// Tool-less runs still need a router for the agent to consult.
		router, _ = tool.NewRouter()
	}

	return &Runner{
		storage:     cfg.Storage,
		provider:    cfg.Provider,
		router:      router,
		strategy:    strategy,
		maxToolLoop: cfg.MaxToolLoop,
		onReply:     cfg.OnReply,
		logger:      logger,
	}, nil
}

// Request selects what to run.
type Request struct {
	// Project names the project whose script runs.
	Project string

	// ScriptVersion picks an exact version; zero means latest.
	ScriptVersion int

	// MaxCount caps how many of the script's prompts run; zero means
	// all of them.
	MaxCount int
}

// Run executes one script and persists the execution record. The
// record is returned even when the run ended with status "error"; a
// non-nil error means the run could not start or could not be saved.
func (r *Runner) Run(ctx context.Context, req Request) (*storage.Execution, error) {
	project, err := r.storage.GetProject(ctx, req.Project)
	if err != nil {
		return nil, err
	}

	var script *storage.Script
	if req.ScriptVersion > 0 {
		script, err = r.storage.GetScript(ctx, req.Project, req.ScriptVersion)
	} else {
		script, err = r.storage.LatestScript(ctx, req.Project)
	}
	if err != nil {
		return nil, err
	}

	prompts := script.Prompts
	if req.MaxCount > 0 && len(prompts) > req.MaxCount {
		prompts = prompts[:req.MaxCount]
	}

	r.logger.Info("running script",
		"project", project.Name,
		"script_id", script.ID,
		"version", script.Version,
		"prompts", len(prompts))

	store := conversation.NewStore()
	if project.SystemPrompt != "" {
		store.SetSystemPrompt(project.SystemPrompt)
	}

	ag, err := agent.New(agent.Options{
		Store:       store,
		Strategy:    r.strategy,
		Router:      r.router,
		Provider:    r.provider,
		MaxToolLoop: r.maxToolLoop,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}

	exec := &storage.Execution{
		Project:       project.Name,
		ScriptID:      script.ID,
		ScriptVersion: script.Version,
		Status:        storage.StatusSuccess,
		StartedAt:     time.Now().UTC(),
	}

	for i, prompt := range prompts {
		reply, err := ag.Ask(ctx, prompt)
		if err != nil {
			exec.Status = storage.StatusError
			exec.ErrorMessage = err.Error()
			r.logger.Error("prompt failed",
				"project", project.Name,
				"prompt_index", i,
				"error", err)
			break
		}

		exec.PromptCount++
		if r.onReply != nil {
			r.onReply(i, prompt, reply)
		}
	}

	exec.FinishedAt = time.Now().UTC()
	exec.Transcript = store.Snapshot()

	if err := r.storage.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	r.logger.Info("execution saved",
		"execution_id", exec.ID,
		"status", exec.Status,
		"prompts_completed", exec.PromptCount,
		"duration", exec.FinishedAt.Sub(exec.StartedAt))

	return exec, nil
}
