package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mentatlabs/mentat"
)

// MemorydCmd runs the temporal memory MCP server on stdio. It is the
// stock child process for the MCP toolset: point a tools.mcp entry at
// `mentat memoryd` and the agent gets push/recall/forget/list over a
// keyed store that outlives individual turns.
type MemorydCmd struct {
	Cap  int    `help:"Maximum stored entries; the oldest is evicted past this (0 = unlimited)."`
	File string `help:"JSON file to persist memory across restarts." type:"path"`
}

func (c *MemorydCmd) Run(cli *CLI) error {
	bank, err := newMemoryBank(c.Cap, c.File)
	if err != nil {
		return err
	}

	s := server.NewMCPServer(
		"mentat-memoryd",
		mentat.Version,
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("push",
		mcp.WithDescription("Store a value in temporal memory under a key. Replaces any previous value for that key."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key.")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Content to store.")),
	), bank.handlePush)

	s.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Retrieve a stored value by key."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key to look up.")),
	), bank.handleRecall)

	s.AddTool(mcp.NewTool("forget",
		mcp.WithDescription("Remove a stored value by key."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key to remove.")),
	), bank.handleForget)

	s.AddTool(mcp.NewTool("list",
		mcp.WithDescription("List stored keys with their timestamps."),
	), bank.handleList)

	// stdout carries the JSON-RPC transport; logs stay on stderr.
	slog.Info("memoryd listening on stdio", "cap", c.Cap, "file", c.File)
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("memoryd server error: %w", err)
	}
	return nil
}

type memoryEntry struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// memoryBank is the daemon-side keyed store. Entries keep insertion
// order so a capped bank can evict the oldest.
type memoryBank struct {
	mu      sync.Mutex
	cap     int
	file    string
	order   []string
	entries map[string]memoryEntry
}

func newMemoryBank(cap int, file string) (*memoryBank, error) {
	b := &memoryBank{
		cap:     cap,
		file:    file,
		entries: make(map[string]memoryEntry),
	}
	if file != "" {
		if err := b.load(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *memoryBank) load() error {
	data, err := os.ReadFile(b.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read memory file: %w", err)
	}

	if err := json.Unmarshal(data, &b.entries); err != nil {
		// A corrupt file starts fresh rather than blocking the daemon.
		slog.Warn("memory file is unreadable, starting empty", "file", b.file, "error", err)
		b.entries = make(map[string]memoryEntry)
		return nil
	}

	b.order = make([]string, 0, len(b.entries))
	for key := range b.entries {
		b.order = append(b.order, key)
	}
	sort.Slice(b.order, func(i, j int) bool {
		return b.entries[b.order[i]].Timestamp < b.entries[b.order[j]].Timestamp
	})
	return nil
}

// save is called with the lock held.
func (b *memoryBank) save() {
	if b.file == "" {
		return
	}
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		slog.Error("failed to encode memory file", "error", err)
		return
	}
	if err := os.WriteFile(b.file, data, 0o644); err != nil {
		slog.Error("failed to write memory file", "file", b.file, "error", err)
	}
}

// put stores value under key. Returns the key evicted to stay under
// cap, if any.
func (b *memoryBank) put(key, value string) (evicted string, length int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists {
		if b.cap > 0 && len(b.entries) >= b.cap && len(b.order) > 0 {
			evicted = b.order[0]
			b.order = b.order[1:]
			delete(b.entries, evicted)
		}
		b.order = append(b.order, key)
	}

	b.entries[key] = memoryEntry{
		Content:   value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	b.save()
	return evicted, len(b.entries)
}

func (b *memoryBank) get(key string) (memoryEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok
}

func (b *memoryBank) delete(key string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok {
		return len(b.entries), false
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.save()
	return len(b.entries), true
}

type keyInfo struct {
	Key       string `json:"key"`
	Timestamp string `json:"timestamp"`
}

func (b *memoryBank) keys() []keyInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]keyInfo, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, keyInfo{Key: key, Timestamp: b.entries[key].Timestamp})
	}
	return out
}

func (b *memoryBank) handlePush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	evicted, length := b.put(key, value)
	result := map[string]any{
		"status":         "success",
		"current_length": length,
	}
	if evicted != "" {
		result["evicted"] = evicted
	}
	return jsonResult(result), nil
}

func (b *memoryBank) handleRecall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	entry, ok := b.get(key)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("key not found: %s", key)), nil
	}
	return jsonResult(entry), nil
}

func (b *memoryBank) handleForget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	length, ok := b.delete(key)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("key not found: %s", key)), nil
	}
	return jsonResult(map[string]any{
		"status":         "deleted",
		"key":            key,
		"current_length": length,
	}), nil
}

func (b *memoryBank) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := b.keys()
	return jsonResult(map[string]any{
		"keys":           keys,
		"current_length": len(keys),
	}), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
