// Package mcptoolset exposes a child-process MCP server as a
// tool.Toolset. The child is spawned on first use and spoken to over
// stdio (initialize → tools/list → tools/call); once its process
// exits, every further call fails with tool.ErrChildExited until
// Close resets the toolset.
package mcptoolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mentatlabs/mentat"
	"github.com/mentatlabs/mentat/pkg/tool"
)

// DefaultCallTimeout bounds one tools/call round-trip.
const DefaultCallTimeout = 120 * time.Second

const protocolVersion = "2024-11-05"

// Config configures a child-process MCP toolset.
type Config struct {
	// ID is the toolset namespace prefix.
	ID string

	// Command is the child executable.
	Command string

	// Args for the child.
	Args []string

	// Env adds to the child's environment.
	Env map[string]string

	// Filter, when non-empty, limits which child tools are exposed.
	Filter []string

	// CallTimeout bounds one call. Default DefaultCallTimeout.
	CallTimeout time.Duration
}

// Toolset is an MCP-backed toolset with lazy connection.
type Toolset struct {
	cfg       Config
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.Definition
	connected bool
	exited    bool
}

// New builds the toolset. The child is not spawned until Tools or
// Call first needs it.
func New(cfg Config) (*Toolset, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("toolset id is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &Toolset{
		cfg:       cfg,
		filterSet: filterSet,
	}, nil
}

// ID implements tool.Toolset.
func (t *Toolset) ID() string {
	return t.cfg.ID
}

// Tools implements tool.Toolset, connecting lazily on first use.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Definition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	out := make([]tool.Definition, len(t.tools))
	copy(out, t.tools)
	return out, nil
}

// Call implements tool.Toolset.
func (t *Toolset) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	t.mu.Lock()
	if err := t.ensureConnected(ctx); err != nil {
		t.mu.Unlock()
		return "", err
	}
	mcpClient := t.client
	t.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		// Caller-driven cancellation is not a child failure.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", tool.NewError(t.cfg.ID, "call",
				fmt.Sprintf("tool %s timed out after %s", name, t.cfg.CallTimeout), err)
		}

		t.markExited()
		return "", tool.NewError(t.cfg.ID, "call",
			fmt.Sprintf("transport failed for tool %s", name),
			fmt.Errorf("%w: %v", tool.ErrChildExited, err))
	}

	return parseToolResult(t.cfg.ID, name, resp)
}

// Close terminates the child and resets the toolset; a later call
// spawns a fresh child.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}

	err := t.client.Close()
	t.client = nil
	t.connected = false
	t.exited = false
	t.tools = nil
	return err
}

// ensureConnected spawns and initializes the child if needed. Caller
// holds t.mu.
func (t *Toolset) ensureConnected(ctx context.Context) error {
	if t.connected {
		if t.exited {
			return tool.NewError(t.cfg.ID, "call", "child process is gone", tool.ErrChildExited)
		}
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(
		t.cfg.Command,
		convertEnv(t.cfg.Env),
		t.cfg.Args...,
	)
	if err != nil {
		return tool.NewError(t.cfg.ID, "connect", "failed to create MCP client", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return tool.NewError(t.cfg.ID, "connect", "failed to start MCP client", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mentat",
		Version: mentat.Version,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return tool.NewError(t.cfg.ID, "connect", "failed to initialize MCP session", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return tool.NewError(t.cfg.ID, "connect", "failed to list tools", err)
	}

	var tools []tool.Definition
	for _, mcpTool := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[mcpTool.Name] {
			continue
		}
		tools = append(tools, tool.Definition{
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			Parameters:  convertSchema(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true
	t.exited = false

	slog.Info("Connected to MCP server",
		"toolset", t.cfg.ID,
		"command", t.cfg.Command,
		"tools", len(tools),
	)

	return nil
}

func (t *Toolset) markExited() {
	t.mu.Lock()
	t.exited = true
	t.mu.Unlock()
}

// parseToolResult flattens the MCP content list into tool-message
// text. An isError response surfaces as an error carrying the child's
// message.
func parseToolResult(toolsetID, name string, resp *mcp.CallToolResult) (string, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", tool.NewError(toolsetID, "call",
			fmt.Sprintf("tool %s failed", name), errors.New(joined))
	}

	return joined, nil
}

// convertSchema converts an MCP input schema to a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	return result
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

var _ tool.Toolset = (*Toolset)(nil)
