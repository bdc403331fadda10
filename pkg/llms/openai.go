package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mentatlabs/mentat/pkg/config"
	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/httpclient"
	"github.com/mentatlabs/mentat/pkg/observability"
)

func createHTTPClient(cfg *config.LLMConfig) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay) * time.Second),
		httpclient.WithHeaderParser(httpclient.ParseRateLimitHeaders),
	}

	if cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return httpclient.New(opts...)
}

// OpenAIProvider speaks the OpenAI chat-completions wire format. Any
// endpoint that implements it works: api.openai.com, LM Studio,
// llama.cpp server, vLLM, Ollama's /v1 shim.
type OpenAIProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
}

type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *Error   `json:"error,omitempty"`
}

type OpenAIStreamResponse struct {
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *Error         `json:"error,omitempty"`
}

type Choice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type StreamChoice struct {
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type Delta struct {
	Content   string                `json:"content,omitempty"`
	ToolCalls []OpenAIToolCallDelta `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIToolCallDelta is the streamed fragment form: index marks the
// slot, id/type/name appear once, arguments accrete.
type OpenAIToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

// NewOpenAIProvider builds a provider against api.openai.com with
// library defaults. Most callers go through NewOpenAIProviderFromConfig.
func NewOpenAIProvider(apiKey string, model string) *OpenAIProvider {
	cfg := &config.LLMConfig{
		Model:  model,
		APIKey: apiKey,
		Host:   "https://api.openai.com/v1",
	}
	cfg.SetDefaults()

	return &OpenAIProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg),
	}
}

func NewOpenAIProviderFromConfig(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("llm host is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	return &OpenAIProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg),
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (*Completion, error) {
	tracer := observability.GetTracer("mentat.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.config.Model),
			attribute.Bool("llm.streaming", false),
			attribute.Int(observability.AttrMessageCount, len(messages)),
		),
	)
	defer span.End()

	request := p.buildRequest(messages, false, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := fmt.Errorf("no response choices returned")
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		return nil, noChoiceErr
	}

	choice := response.Choices[0]

	completion := &Completion{
		Content:      choice.Message.Content,
		ToolCalls:    parseToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Tokens:       response.Usage.TotalTokens,
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokens, completion.Tokens),
		attribute.Int("llm.tool_calls", len(completion.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "success")

	return completion, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{
				Type:  ChunkError,
				Error: err,
			}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(messages []conversation.Message, stream bool, tools []ToolDefinition) OpenAIRequest {
	request := OpenAIRequest{
		Model:       p.config.Model,
		Messages:    convertMessages(messages),
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
		Stream:      stream,
		Tools:       convertTools(tools),
	}
	return request
}

func convertMessages(messages []conversation.Message) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(messages))
	for _, m := range messages {
		wire := OpenAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, OpenAIToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: OpenAIFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, wire)
	}
	return out
}

func convertTools(tools []ToolDefinition) []OpenAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func parseToolCalls(wireCalls []OpenAIToolCall) []conversation.ToolCall {
	if len(wireCalls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, 0, len(wireCalls))
	for _, wc := range wireCalls {
		callType := wc.Type
		if callType == "" {
			callType = "function"
		}
		out = append(out, conversation.ToolCall{
			ID:   wc.ID,
			Type: callType,
			Function: conversation.FunctionCall{
				Name:      wc.Function.Name,
				Arguments: wc.Function.Arguments,
			},
		})
	}
	return out
}

func parseErrorResponse(body []byte) *Error {
	var wrapper struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil
	}
	return wrapper.Error
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request OpenAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Retries re-read the body.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")

	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	return req, nil
}

// do issues the request and normalizes transport and HTTP-status
// failures into errors carrying whatever detail the endpoint returned.
func (p *OpenAIProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.httpClient.Do(req)

	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		errorBody := string(body)
		if readErr != nil {
			errorBody = fmt.Sprintf("(failed to read error body: %v)", readErr)
		}
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return nil, fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorBody)
	}

	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	return resp, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request OpenAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	totalTokens := 0
	finishReason := ""

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp OpenAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			// Malformed frames are skipped; the terminal sentinel or
			// EOF still ends the stream.
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{
				Type: ChunkText,
				Text: choice.Delta.Content,
			}
		}

		if len(choice.Delta.ToolCalls) > 0 {
			deltas := make([]ToolCallDelta, 0, len(choice.Delta.ToolCalls))
			for _, dc := range choice.Delta.ToolCalls {
				deltas = append(deltas, ToolCallDelta{
					Index:     dc.Index,
					ID:        dc.ID,
					Type:      dc.Type,
					Name:      dc.Function.Name,
					Arguments: dc.Function.Arguments,
				})
			}
			outputCh <- StreamChunk{
				Type:       ChunkToolCall,
				ToolDeltas: deltas,
			}
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	outputCh <- StreamChunk{
		Type:         ChunkDone,
		FinishReason: finishReason,
		Tokens:       totalTokens,
	}

	return nil
}
