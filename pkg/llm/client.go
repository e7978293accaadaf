package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/steward-ai/steward/pkg/httpkit"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 4096

// APIError is a non-2xx response from the model endpoint. It is the
// transport-error branch of the failure taxonomy: callers treat it as
// retryable.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Chatter is the narrow interface the orchestration layers depend on.
// Tests substitute fakes; production wires *Client.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Client speaks the OpenAI-style /v1/chat/completions protocol.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for wire-level trace output.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a model endpoint client. baseURL is the scheme+host
// prefix; the chat completions path is appended per request. apiKey may
// be empty for unauthenticated local endpoints.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Large models with many tools need time to answer.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wire types. The OpenAI protocol encodes tool call arguments as a JSON
// string; conversion to map[string]any happens here so the rest of the
// codebase never sees the string form.

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request. A non-2xx status is returned as
// *APIError so the retry and fallback layers can classify it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := wireRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		wm, err := toWireMessage(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wm)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat request payload",
		"model", req.Model, "bytes", len(payload), "payload", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, maxErrorBody),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat response payload",
		"bytes", len(body), "payload", string(body))

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(wr.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	choice := wr.Choices[0]
	msg, err := fromWireMessage(choice.Message)
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Model:        wr.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
	}
	if wr.Usage != nil {
		out.Usage = TokenUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
		}.Normalize()
	}
	return out, nil
}

func toWireMessage(m Message) (wireMessage, error) {
	wm := wireMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Name:       m.ToolName,
	}
	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			return wireMessage{}, fmt.Errorf("marshal arguments for tool %q: %w", tc.Name, err)
		}
		var wtc wireToolCall
		wtc.ID = tc.ID
		wtc.Type = "function"
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = string(args)
		wm.ToolCalls = append(wm.ToolCalls, wtc)
	}
	return wm, nil
}

func fromWireMessage(wm wireMessage) (Message, error) {
	m := Message{
		Role:       wm.Role,
		Content:    wm.Content,
		ToolCallID: wm.ToolCallID,
		ToolName:   wm.Name,
	}
	for _, wtc := range wm.ToolCalls {
		tc := ToolCall{
			ID:   wtc.ID,
			Name: wtc.Function.Name,
		}
		if wtc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wtc.Function.Arguments), &tc.Arguments); err != nil {
				return Message{}, fmt.Errorf("decode arguments for tool %q: %w", tc.Name, err)
			}
		}
		m.ToolCalls = append(m.ToolCalls, tc)
	}
	return m, nil
}
