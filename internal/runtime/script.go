package runtime

import (
	"context"
	"sync"

	"github.com/weavenet/weave/internal/state"
)

// ScriptedCall records one Prompt invocation received by a Scripted runtime.
type ScriptedCall struct {
	Input   string
	History []state.Message
	Opts    PromptOptions
}

// Scripted is a deterministic in-process runtime for tests and for running
// the kernel without an LLM backend. Each Prompt consumes the next step; when
// the script runs out it echoes the input.
type Scripted struct {
	mu    sync.Mutex
	steps []func(ctx context.Context, input string) (*Result, error)
	Calls []ScriptedCall
}

// NewScripted returns an empty scripted runtime that echoes every prompt.
func NewScripted() *Scripted { return &Scripted{} }

// Reply queues a fixed text response.
func (s *Scripted) Reply(text string) *Scripted {
	return s.Step(func(ctx context.Context, input string) (*Result, error) {
		return &Result{Output: text}, nil
	})
}

// Fail queues an error response.
func (s *Scripted) Fail(err error) *Scripted {
	return s.Step(func(ctx context.Context, input string) (*Result, error) {
		return nil, err
	})
}

// Step queues an arbitrary response function.
func (s *Scripted) Step(fn func(ctx context.Context, input string) (*Result, error)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, fn)
	return s
}

func (s *Scripted) Prompt(ctx context.Context, input string, history []state.Message, opts PromptOptions) (*Result, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, ScriptedCall{Input: input, History: history, Opts: opts})
	var fn func(ctx context.Context, input string) (*Result, error)
	if len(s.steps) > 0 {
		fn = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &Result{Output: "echo: " + input}, nil
	}
	return fn(ctx, input)
}

// Factory returns a Factory that hands out this exact instance.
func (s *Scripted) Factory() Factory {
	return func(cfg Config) (Runtime, error) { return s, nil }
}
