package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentatlabs/mentat/pkg/agent"
	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/llms"
	"github.com/mentatlabs/mentat/pkg/server"
	"github.com/mentatlabs/mentat/pkg/tool"
	"github.com/mentatlabs/mentat/pkg/tool/wstoolset"
)

// stubProvider answers each generation with the next queued reply.
type stubProvider struct {
	mu      sync.Mutex
	replies []string
}

func (p *stubProvider) pop() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return "stub reply"
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply
}

func (p *stubProvider) queue(replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

func (p *stubProvider) Generate(ctx context.Context, messages []conversation.Message, tools []llms.ToolDefinition) (*llms.Completion, error) {
	return &llms.Completion{Content: p.pop(), FinishReason: llms.FinishStop}, nil
}

func (p *stubProvider) GenerateStreaming(ctx context.Context, messages []conversation.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	reply := p.pop()
	out := make(chan llms.StreamChunk, 4)
	go func() {
		defer close(out)
		half := len(reply) / 2
		out <- llms.StreamChunk{Type: llms.ChunkText, Text: reply[:half]}
		out <- llms.StreamChunk{Type: llms.ChunkText, Text: reply[half:]}
		out <- llms.StreamChunk{Type: llms.ChunkDone, FinishReason: llms.FinishStop}
	}()
	return out, nil
}

func (p *stubProvider) ModelName() string { return "stub-model" }
func (p *stubProvider) Close() error      { return nil }

type echoToolset struct{}

func (echoToolset) ID() string { return "fake" }

func (echoToolset) Tools(ctx context.Context) ([]tool.Definition, error) {
	return []tool.Definition{{
		Name:        "weather",
		Description: "Reports the weather for a city.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{"type": "string"},
			},
		},
	}}, nil
}

func (echoToolset) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	return "sunny, 24C", nil
}

func (echoToolset) Close() error { return nil }

type harness struct {
	store    *conversation.Store
	gate     *agent.Gate
	provider *stubProvider
	bridge   *wstoolset.Bridge
	ts       *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:    conversation.NewStore(),
		gate:     agent.NewGate(),
		provider: &stubProvider{},
	}
	h.bridge = wstoolset.New("ui", logger)

	router, err := tool.NewRouter(echoToolset{}, h.bridge)
	require.NoError(t, err)

	ag, err := agent.New(agent.Options{
		Store:    h.store,
		Router:   router,
		Provider: h.provider,
		Logger:   logger,
		OnEvent: func(ev agent.Event) {
			h.gate.UpdateCurrent(ev.State, ev.TPS)
		},
	})
	require.NoError(t, err)

	srv, err := server.New(server.Options{
		Store:  h.store,
		Agent:  ag,
		Gate:   h.gate,
		Router: router,
		Bridge: h.bridge,
		Logger: logger,
	})
	require.NoError(t, err)

	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) postJSON(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Ask(t *testing.T) {
	h := newHarness(t)
	h.provider.queue("Hi there!")

	resp, body := h.postJSON(t, "/ask", map[string]string{"prompt": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hi there!", body["reply"])

	assert.Equal(t, 2, h.store.Len())
	assert.False(t, h.gate.Busy(), "gate must release after ask")
}

func TestServer_Ask_BlankPrompt(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/ask", map[string]string{"prompt": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "prompt")
}

func TestServer_Ask_Busy(t *testing.T) {
	h := newHarness(t)

	_, jobID, err := h.gate.Start(context.Background())
	require.NoError(t, err)
	defer h.gate.End(jobID)

	resp, body := h.postJSON(t, "/ask", map[string]string{"prompt": "Hello"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "busy")
}

func TestServer_AskStream(t *testing.T) {
	h := newHarness(t)
	h.provider.queue("Hello!")

	resp, err := http.Get(h.ts.URL + "/ask_stream?prompt=Hi")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, frames)

	var partials []string
	for _, f := range frames {
		if f["phase"] == "partial_assistant" {
			partials = append(partials, f["text"].(string))
		}
	}
	assert.Equal(t, "Hello!", strings.Join(partials, ""))

	terminal := frames[len(frames)-1]
	assert.Equal(t, "end", terminal["type"])

	assert.Equal(t, 2, h.store.Len())
	assert.False(t, h.gate.Busy())
}

func TestServer_AskStream_Busy(t *testing.T) {
	h := newHarness(t)

	_, jobID, err := h.gate.Start(context.Background())
	require.NoError(t, err)
	defer h.gate.End(jobID)

	resp, err := http.Get(h.ts.URL + "/ask_stream?prompt=Hi")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	decodeBody(t, resp)
}

func TestServer_StopIdle(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["status"])
}

func TestServer_Status(t *testing.T) {
	h := newHarness(t)
	h.store.AddUserPrompt("hi")

	resp, body := h.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
	assert.Nil(t, body["job_id"])
	assert.Equal(t, float64(1), body["messages"])
}

func TestServer_SystemPromptAndHistory(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/system_prompt", map[string]string{"text": "You are terse."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["id"])

	respH, err := http.Get(h.ts.URL + "/history")
	require.NoError(t, err)
	defer respH.Body.Close()
	var log []map[string]interface{}
	require.NoError(t, json.NewDecoder(respH.Body).Decode(&log))
	require.Len(t, log, 1)
	assert.Equal(t, "system", log[0]["role"])
	assert.Equal(t, "You are terse.", log[0]["content"])
}

func TestServer_UpdateMessage(t *testing.T) {
	h := newHarness(t)
	id := h.store.AddUserPrompt("typo")

	resp, _ := h.do(t, http.MethodPatch, "/messages/"+id, map[string]string{"content": "fixed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "fixed", msg.Content)

	resp, _ = h.do(t, http.MethodPatch, "/messages/nope", map[string]string{"content": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DeleteMessage(t *testing.T) {
	h := newHarness(t)
	sysID := h.store.SetSystemPrompt("sys")
	id := h.store.AddUserPrompt("bye")

	resp, body := h.do(t, http.MethodDelete, "/messages/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])

	resp, _ = h.do(t, http.MethodDelete, "/messages/"+sysID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DeleteAfter(t *testing.T) {
	h := newHarness(t)
	keep := h.store.AddUserPrompt("keep")
	h.store.AddUserPrompt("drop1")
	h.store.AddUserPrompt("drop2")

	resp, body := h.do(t, http.MethodDelete, "/messages/after/"+keep, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])
	assert.Equal(t, 1, h.store.Len())

	resp, _ = h.do(t, http.MethodDelete, "/messages/after/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BulkDelete_TurnGroup(t *testing.T) {
	h := newHarness(t)
	userID := h.store.AddUserPrompt("question")
	_, err := h.store.AddAssistantReply("answer", []conversation.CallWithResult{{
		Call: conversation.ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: conversation.FunctionCall{Name: "fake__weather", Arguments: "{}"},
		},
		Result: "sunny",
	}})
	require.NoError(t, err)
	h.store.AddUserPrompt("unrelated")

	resp, body := h.postJSON(t, "/messages/bulk_delete", map[string]interface{}{
		"user_ids": []string{userID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// user + assistant shell + tool result
	assert.Equal(t, float64(3), body["deleted"])
	assert.Equal(t, 1, h.store.Len())

	resp, _ = h.postJSON(t, "/messages/bulk_delete", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Replay(t *testing.T) {
	h := newHarness(t)
	userID := h.store.AddUserPrompt("question")
	_, err := h.store.AddAssistantReply("old answer", nil)
	require.NoError(t, err)
	h.provider.queue("new answer")

	resp, body := h.postJSON(t, "/replay", map[string]string{"id": userID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "replaying", body["status"])
	assert.NotEmpty(t, body["job_id"])

	assert.Eventually(t, func() bool {
		log := h.store.Snapshot()
		return len(log) == 2 && log[1].Content == "new answer"
	}, 2*time.Second, 10*time.Millisecond, "replay never replaced the answer")

	assert.Eventually(t, func() bool { return !h.gate.Busy() },
		2*time.Second, 10*time.Millisecond, "gate never released")
}

func TestServer_Replay_Validation(t *testing.T) {
	h := newHarness(t)
	h.store.AddUserPrompt("question")
	asstID, err := h.store.AddAssistantReply("answer", nil)
	require.NoError(t, err)

	resp, _ := h.postJSON(t, "/replay", map[string]string{"id": asstID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.postJSON(t, "/replay", map[string]string{"id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ReplayUntil_FindsPrecedingUser(t *testing.T) {
	h := newHarness(t)
	h.store.AddUserPrompt("question")
	asstID, err := h.store.AddAssistantReply("old answer", nil)
	require.NoError(t, err)
	h.provider.queue("new answer")

	resp, _ := h.postJSON(t, "/replay_until", map[string]string{"id": asstID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		log := h.store.Snapshot()
		return len(log) == 2 && log[1].Content == "new answer"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Reset(t *testing.T) {
	h := newHarness(t)
	h.store.SetSystemPrompt("sys")
	h.store.AddUserPrompt("one")
	h.store.AddUserPrompt("two")

	resp, body := h.postJSON(t, "/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])
	assert.Equal(t, 1, h.store.Len(), "system prompt survives reset")
}

func TestServer_Reset_Busy(t *testing.T) {
	h := newHarness(t)
	_, jobID, err := h.gate.Start(context.Background())
	require.NoError(t, err)
	defer h.gate.End(jobID)

	resp, _ := h.postJSON(t, "/reset", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ListTools(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/tools/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tools, ok := body["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	def := tools[0].(map[string]interface{})
	assert.Equal(t, "fake__weather", def["name"])
}

func TestServer_RunTool(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/tools/run", map[string]interface{}{
		"tool_name": "fake__weather",
		"params":    map[string]interface{}{"city": "Oslo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sunny, 24C", body["output"])

	resp, body = h.postJSON(t, "/tools/run", map[string]interface{}{
		"tool_name": "fake__missing",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown tool")

	resp, _ = h.postJSON(t, "/tools/run", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RegisterTool(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/tools/register", map[string]interface{}{
		"name":        "highlight",
		"description": "Highlights a message in the UI.",
		"parameters": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"msg_id": map[string]interface{}{
					"type":        "string",
					"description": "Message to highlight.",
				},
			},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registered", body["status"])

	resp, body = h.do(t, http.MethodGet, "/tools/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tools := body["tools"].([]interface{})
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		names = append(names, raw.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "ui__highlight")

	resp, _ = h.postJSON(t, "/tools/register", map[string]interface{}{
		"name":        "bad",
		"description": "",
		"parameters":  map[string]interface{}{"type": "object"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/ask", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
