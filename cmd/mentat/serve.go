package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mentatlabs/mentat/pkg/agent"
	"github.com/mentatlabs/mentat/pkg/config"
	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/llms"
	"github.com/mentatlabs/mentat/pkg/logger"
	"github.com/mentatlabs/mentat/pkg/memory"
	"github.com/mentatlabs/mentat/pkg/server"
	"github.com/mentatlabs/mentat/pkg/tool"
	"github.com/mentatlabs/mentat/pkg/tool/mcptoolset"
	"github.com/mentatlabs/mentat/pkg/tool/memorytool"
	"github.com/mentatlabs/mentat/pkg/tool/wstoolset"
)

// ServeCmd starts the HTTP/WebSocket agent server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	log := logger.GetLogger()

	store := conversation.NewStore()
	if cfg.Agent.SystemPrompt != "" {
		store.SetSystemPrompt(cfg.Agent.SystemPrompt)
	}

	var temporal *memory.TemporalStore
	if cfg.Memory.Temporal == nil || *cfg.Memory.Temporal {
		temporal = memory.NewTemporalStore()
	}
	strategy := memory.NewPairwiseStrategy(memory.PairwiseConfig{
		MaxTokens: cfg.Memory.MaxTokens,
		TrimCap:   cfg.Memory.TrimCap,
		Temporal:  temporal,
	})

	provider, err := llms.NewOpenAIProviderFromConfig(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm provider: %w", err)
	}
	defer provider.Close()

	bridge := wstoolset.New("ui", log)

	router, err := buildRouter(cfg, store, temporal, bridge)
	if err != nil {
		return err
	}
	defer router.Close()

	// Loop events feed the gate so /status and the agent_status
	// broadcast track live state and throughput.
	gate := agent.NewGate()

	ag, err := agent.New(agent.Options{
		Store:       store,
		Strategy:    strategy,
		Router:      router,
		Provider:    provider,
		MaxToolLoop: cfg.Agent.MaxToolLoop,
		Logger:      log,
		OnEvent: func(ev agent.Event) {
			gate.UpdateCurrent(ev.State, ev.TPS)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	srv, err := server.New(server.Options{
		Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Store:   store,
		Agent:   ag,
		Gate:    gate,
		Router:  router,
		Bridge:  bridge,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("\nMentat server ready!\n")
	fmt.Printf("   API:        http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Stream:     http://%s:%d/ask_stream\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   WebSocket:  ws://%s:%d/ws\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:     http://%s:%d/health\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Model:      %s\n", cfg.LLM.Model)
	fmt.Println("\nPress Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Stop(shutdownCtx)
	})

	if c.Watch && cli.Config != "" {
		watcher, err := config.NewWatcher(cli.Config, func(next *config.Config) {
			// Only the system prompt can be swapped under a live
			// session; everything else applies on restart.
			if next.Agent.SystemPrompt != "" {
				store.SetSystemPrompt(next.Agent.SystemPrompt)
				slog.Info("System prompt updated from config")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildRouter assembles the toolsets a session exposes: built-in local
// functions, temporal recall when enabled, MCP child processes from
// config, and the UI WebSocket bridge. Batch runs pass nil for the
// bridge and temporal store; they have no UI and keep tool output
// whole.
func buildRouter(cfg *config.Config, store *conversation.Store, temporal *memory.TemporalStore, bridge *wstoolset.Bridge) (*tool.Router, error) {
	local, err := builtinToolset()
	if err != nil {
		return nil, err
	}

	router, err := tool.NewRouter(local)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool router: %w", err)
	}

	if bridge != nil {
		if err := router.Register(bridge); err != nil {
			return nil, fmt.Errorf("failed to register UI bridge: %w", err)
		}
	}

	if temporal != nil && store != nil {
		if err := router.Register(memorytool.New(temporal, store)); err != nil {
			return nil, fmt.Errorf("failed to register memory tools: %w", err)
		}
	}

	for _, mcpCfg := range cfg.Tools.MCP {
		ts, err := mcptoolset.New(mcptoolset.Config{
			ID:          mcpCfg.ID,
			Command:     mcpCfg.Command,
			Args:        mcpCfg.Args,
			Env:         mcpCfg.Env,
			Filter:      mcpCfg.Filter,
			CallTimeout: time.Duration(cfg.Tools.CallTimeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP toolset %q: %w", mcpCfg.ID, err)
		}
		if err := router.Register(ts); err != nil {
			return nil, fmt.Errorf("failed to register MCP toolset %q: %w", mcpCfg.ID, err)
		}
	}

	return router, nil
}
