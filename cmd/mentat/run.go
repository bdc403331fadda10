package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mentatlabs/mentat/pkg/llms"
	"github.com/mentatlabs/mentat/pkg/logger"
	"github.com/mentatlabs/mentat/pkg/memory"
	"github.com/mentatlabs/mentat/pkg/runner"
	"github.com/mentatlabs/mentat/pkg/storage"
)

// RunCmd executes one stored script and records the outcome.
type RunCmd struct {
	Project       string `arg:"" help:"Project name."`
	ScriptVersion int    `name:"script-version" short:"s" help:"Script version (default: latest)."`
	MaxCount      int    `name:"max-count" short:"m" help:"Maximum prompts to run (default: all)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	provider, err := llms.NewOpenAIProviderFromConfig(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm provider: %w", err)
	}
	defer provider.Close()

	// Pair integrity and the token budget still apply on batch runs,
	// but tool output stays whole; there is no one around to recall
	// trimmed content.
	strategy := memory.NewPairwiseStrategy(memory.PairwiseConfig{
		MaxTokens: cfg.Memory.MaxTokens,
		TrimCap:   cfg.Memory.TrimCap,
	})

	router, err := buildRouter(cfg, nil, nil, nil)
	if err != nil {
		return err
	}
	defer router.Close()

	r, err := runner.New(runner.Config{
		Storage:     store,
		Provider:    provider,
		Router:      router,
		Strategy:    strategy,
		MaxToolLoop: cfg.Agent.MaxToolLoop,
		Logger:      logger.GetLogger(),
		OnReply: func(i int, prompt, reply string) {
			fmt.Printf("\n[%d] > %s\n%s\n", i+1, prompt, reply)
		},
	})
	if err != nil {
		return err
	}

	exec, err := r.Run(ctx, runner.Request{
		Project:       c.Project,
		ScriptVersion: c.ScriptVersion,
		MaxCount:      c.MaxCount,
	})
	if err != nil {
		return err
	}

	printExecution(exec)

	if exec.Status != storage.StatusSuccess {
		return fmt.Errorf("execution finished with status %s", exec.Status)
	}
	return nil
}

func printExecution(exec *storage.Execution) {
	fmt.Println("\n==== EXECUTION RESULT ====")
	fmt.Printf("Execution   : %s\n", exec.ID)
	fmt.Printf("Status      : %s\n", exec.Status)
	fmt.Printf("Script ver. : %d\n", exec.ScriptVersion)
	fmt.Printf("Started at  : %s\n", exec.StartedAt.Format(time.RFC3339))
	fmt.Printf("Ended at    : %s\n", exec.FinishedAt.Format(time.RFC3339))
	fmt.Printf("Duration    : %s\n", exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	fmt.Printf("Prompts     : %d completed\n", exec.PromptCount)
	fmt.Printf("Messages    : %d\n", len(exec.Transcript))
	if exec.ErrorMessage != "" {
		fmt.Printf("\n--- ERROR ---\n%s\n", exec.ErrorMessage)
	}
	fmt.Println("==========================")
}
