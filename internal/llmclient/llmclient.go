// Package llmclient is a thin, non-streaming wrapper around the Anthropic
// SDK. Complete serves the small single-turn calls the gateway makes
// outside the main conversation turn: language detection/translation, agent
// composition, and supervisor-graph planning. Conversation holds the
// multi-turn, tool-calling message history; the loop that steps it lives in
// internal/supervisor.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Client issues completion requests against Claude: single-turn via
// Complete, multi-turn tool-calling via NewConversation.
type Client struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New constructs a Client. APIKey is required; other fields default to
// claude-sonnet-4-20250514, 3 retries, and a 1-second base backoff.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llmclient: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	UserMessage string
	MaxTokens   int
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema object, as produced by toolvalidate.Tool.ArgsSchema
}

// ToolUse is one tool invocation the model requested.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the caller's answer to one ToolUse, fed back on the next turn.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Turn is one exchange with the model: the text it produced (if any) and the
// tool calls it requested (if any). A Turn with no ToolCalls is final.
type Turn struct {
	Text      string
	ToolCalls []ToolUse
}

// Conversation tracks multi-turn tool-calling state against a fixed system
// prompt and tool set.
type Conversation struct {
	client   *Client
	model    string
	system   string
	tools    []ToolSpec
	messages []anthropic.MessageParam
}

// NewConversation starts a tool-calling conversation seeded with the user's
// first message.
func (c *Client) NewConversation(model, system string, tools []ToolSpec, firstUserMessage string) *Conversation {
	return &Conversation{
		client: c,
		model:  model,
		system: system,
		tools:  tools,
		messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(firstUserMessage)),
		},
	}
}

// InjectUserMessage appends an additional user-role message (e.g. handoff
// task instructions) to the conversation before the next Step.
func (conv *Conversation) InjectUserMessage(text string) {
	conv.messages = append(conv.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
}

// Step sends the conversation so far to the model and returns the next Turn.
// The assistant's reply is appended to the conversation's history.
func (conv *Conversation) Step(ctx context.Context, maxTokens int) (Turn, error) {
	toolParams, err := convertTools(conv.tools)
	if err != nil {
		return Turn{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(conv.client.getModel(conv.model)),
		MaxTokens: int64(conv.client.getMaxTokens(maxTokens)),
		Messages:  conv.messages,
		Tools:     toolParams,
	}
	if conv.system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: conv.system}}
	}

	var msg *anthropic.Message
	var lastErr error
	for attempt := 0; attempt <= conv.client.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := conv.client.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return Turn{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		msg, lastErr = conv.client.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return Turn{}, fmt.Errorf("llmclient: conversation step failed: %w", lastErr)
	}

	conv.messages = append(conv.messages, msg.ToParam())

	turn := Turn{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			turn.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolUse{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	return turn, nil
}

// SubmitToolResults appends the tool results for the most recent Turn's tool
// calls as a user-role message, ready for the next Step.
func (conv *Conversation) SubmitToolResults(results []ToolResult) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
	}
	conv.messages = append(conv.messages, anthropic.NewUserMessage(blocks...))
}

func convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("llmclient: invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("llmclient: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// Complete sends req and returns the concatenated text of the reply,
// retrying retryable errors (rate limits, 5xx, timeouts, connection
// resets) with exponential backoff.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.getModel(req.Model)),
		MaxTokens: int64(c.getMaxTokens(req.MaxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserMessage)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return extractText(msg), nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return "", fmt.Errorf("llmclient: completion failed: %w", lastErr)
}

func extractText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func (c *Client) getModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	return model
}

func (c *Client) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures (rate limits, 5xx,
// timeouts, connection resets) as retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
