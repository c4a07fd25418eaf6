package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/weavenet/weave/internal/resilience"
	"github.com/weavenet/weave/internal/state"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	// maxToolRounds bounds the tool-call loop inside one prompt turn.
	maxToolRounds = 4
)

// OpenAIOptions configure the OpenAI-compatible runtime factory.
type OpenAIOptions struct {
	BaseURL string // OpenAI-compatible API root; defaults to OpenRouter
	APIKey  string
	Client  *http.Client
}

// NewOpenAIFactory returns a Factory backed by any OpenAI-compatible chat
// completions endpoint (OpenRouter, vLLM, llama.cpp server).
func NewOpenAIFactory(opts OpenAIOptions) Factory {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 120 * time.Second}
	}
	// One breaker for the provider, shared by every agent's runtime: when the
	// provider is down, all agents fail fast together.
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"})
	return func(cfg Config) (Runtime, error) {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai runtime: API key not configured")
		}
		return &openaiRuntime{opts: opts, cfg: cfg, breaker: breaker}, nil
	}
}

type openaiRuntime struct {
	opts    OpenAIOptions
	cfg     Config
	breaker *resilience.Breaker
}

// Wire structs for the chat completions API.

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *openaiRuntime) Prompt(ctx context.Context, input string, history []state.Message, opts PromptOptions) (*Result, error) {
	model := r.cfg.Agent.Model
	if opts.Model != "" {
		model = opts.Model
	}
	system := r.systemPrompt()
	if opts.System != "" {
		system = opts.System
	}

	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: system})
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: input})

	result := &Result{}
	for round := 0; round < maxToolRounds; round++ {
		reply, err := r.complete(ctx, chatRequest{
			Model:     model,
			Messages:  msgs,
			Tools:     r.wireTools(),
			MaxTokens: opts.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		if len(reply.ToolCalls) == 0 {
			result.Output = reply.Content
			return result, nil
		}
		msgs = append(msgs, *reply)
		for _, call := range reply.ToolCalls {
			out := r.execTool(ctx, call, result)
			msgs = append(msgs, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    out,
			})
		}
	}
	return nil, fmt.Errorf("openai runtime: tool loop exceeded %d rounds", maxToolRounds)
}

// execTool runs one requested tool call and returns the JSON payload to feed
// back to the model. Tool failures are reported to the model, not surfaced as
// prompt errors.
func (r *openaiRuntime) execTool(ctx context.Context, call wireToolCall, result *Result) string {
	record := ToolCallRecord{Name: call.Function.Name}
	defer func() { result.ToolCalls = append(result.ToolCalls, record) }()

	var tool *ToolDef
	for i := range r.cfg.Tools {
		if r.cfg.Tools[i].Name == call.Function.Name {
			tool = &r.cfg.Tools[i]
			break
		}
	}
	if tool == nil {
		record.Error = "unknown tool"
		return `{"error":"unknown tool"}`
	}

	var params map[string]interface{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			record.Error = "bad arguments: " + err.Error()
			return `{"error":"arguments were not valid JSON"}`
		}
	}

	out, err := tool.Execute(ctx, params)
	if err != nil {
		record.Error = err.Error()
		slog.Warn("tool execution failed", "agent", r.cfg.AgentName, "tool", tool.Name, "error", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(payload)
	}
	record.Result = out
	payload, err := json.Marshal(out)
	if err != nil {
		return `{"ok":true}`
	}
	return string(payload)
}

func (r *openaiRuntime) complete(ctx context.Context, reqBody chatRequest) (*chatMessage, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)

	// Transport errors and 5xx feed the provider breaker; client mistakes
	// (4xx, decode failures) do not.
	var (
		raw    []byte
		status int
	)
	err = r.breaker.Do(func() error {
		resp, err := r.opts.Client.Do(req)
		if err != nil {
			return fmt.Errorf("chat completion call: %w", err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read chat response: %w", err)
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("chat completion: status %d: %s", status, truncateBody(raw))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("chat completion: status %d: %s", status, truncateBody(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat completion: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}
	return &parsed.Choices[0].Message, nil
}

func (r *openaiRuntime) wireTools() []wireTool {
	if len(r.cfg.Tools) == 0 {
		return nil
	}
	tools := make([]wireTool, 0, len(r.cfg.Tools))
	for _, t := range r.cfg.Tools {
		var w wireTool
		w.Type = "function"
		w.Function.Name = t.Name
		w.Function.Description = t.Description
		w.Function.Parameters = t.Parameters
		if w.Function.Parameters == nil {
			w.Function.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, w)
	}
	return tools
}

// systemPrompt renders the agent's configured persona into a system message.
func (r *openaiRuntime) systemPrompt() string {
	a := r.cfg.Agent
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "You are %s, an autonomous agent on the weave network.\n", r.cfg.AgentName)
	if a.Personality != "" {
		fmt.Fprintf(buf, "Personality: %s\n", a.Personality)
	}
	if a.Specialty != "" {
		fmt.Fprintf(buf, "Specialty: %s\n", a.Specialty)
	}
	if p := a.Profile; p != nil {
		if p.CurrentFocus != "" {
			fmt.Fprintf(buf, "Current focus: %s\n", p.CurrentFocus)
		}
		if p.Mood != "" {
			fmt.Fprintf(buf, "Current mood: %s\n", p.Mood)
		}
	}
	for _, g := range a.Goals {
		if g.Status == "completed" || g.Status == "cancelled" {
			continue
		}
		fmt.Fprintf(buf, "Goal (%s): %s\n", g.Status, g.Description)
	}
	return buf.String()
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
