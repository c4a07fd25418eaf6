// Package runtime defines the contract between the kernel and the LLM agent
// runtime. The kernel treats the runtime as opaque: it supplies tools and a
// prompt, and receives a result. One OpenAI-compatible HTTP implementation is
// provided; tests use a scripted runtime.
package runtime

import (
	"context"

	"github.com/weavenet/weave/internal/state"
)

// ToolDef describes one tool offered to the runtime. Execute closures capture
// actor-local handles (memory manager, broadcast sink).
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema for the arguments object
	Execute     func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// PromptOptions tune one prompt invocation.
type PromptOptions struct {
	// Model overrides the configured model for this call.
	Model string `json:"model,omitempty"`
	// System replaces the default system message.
	System string `json:"system,omitempty"`
	// MaxTokens bounds the completion; 0 means provider default.
	MaxTokens int `json:"maxTokens,omitempty"`
}

// ToolCallRecord reports one executed tool call.
type ToolCallRecord struct {
	Name   string      `json:"name"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Result is the outcome of one prompt turn.
type Result struct {
	Output    string           `json:"output"`
	ToolCalls []ToolCallRecord `json:"toolCalls,omitempty"`
}

// Runtime is one live agent runtime instance.
type Runtime interface {
	// Prompt runs one turn: history plus the new input, with tool calling.
	// Blocking; callers bound it with a context deadline.
	Prompt(ctx context.Context, input string, history []state.Message, opts PromptOptions) (*Result, error)
}

// Config is what a Factory needs to build a runtime for one agent.
type Config struct {
	AgentName string
	Agent     *state.AgentConfig
	Tools     []ToolDef
}

// Factory builds a runtime for an agent. The kernel calls it at actor
// cold-start and again whenever the agent's config changes.
type Factory func(cfg Config) (Runtime, error)
