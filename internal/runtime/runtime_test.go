package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavenet/weave/internal/state"
)

func testConfig(tools ...ToolDef) Config {
	cfg := state.DefaultConfig("tester")
	cfg.Personality = "terse"
	return Config{AgentName: "tester", Agent: cfg, Tools: tools}
}

// fakeChat is a minimal OpenAI-compatible chat completions endpoint. Each
// handler consumes one request.
func fakeChat(t *testing.T, handlers ...func(req chatRequest) chatResponse) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Less(t, i, len(handlers), "unexpected extra completion call")
		resp := handlers[i](req)
		i++
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func textResponse(text string) chatResponse {
	var resp chatResponse
	resp.Choices = []struct {
		Message chatMessage `json:"message"`
	}{{Message: chatMessage{Role: "assistant", Content: text}}}
	return resp
}

func toolResponse(id, name, args string) chatResponse {
	call := wireToolCall{ID: id, Type: "function"}
	call.Function.Name = name
	call.Function.Arguments = args
	var resp chatResponse
	resp.Choices = []struct {
		Message chatMessage `json:"message"`
	}{{Message: chatMessage{Role: "assistant", ToolCalls: []wireToolCall{call}}}}
	return resp
}

func newRuntime(t *testing.T, srv *httptest.Server, cfg Config) Runtime {
	t.Helper()
	factory := NewOpenAIFactory(OpenAIOptions{BaseURL: srv.URL, APIKey: "test-key"})
	rt, err := factory(cfg)
	require.NoError(t, err)
	return rt
}

func TestOpenAIPrompt_PlainCompletion(t *testing.T) {
	srv := fakeChat(t, func(req chatRequest) chatResponse {
		assert.Equal(t, state.DefaultModel, req.Model)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "tester")
		assert.Contains(t, req.Messages[0].Content, "terse")
		assert.Equal(t, "user", req.Messages[len(req.Messages)-1].Role)
		assert.Equal(t, "hello", req.Messages[len(req.Messages)-1].Content)
		return textResponse("hi there")
	})
	defer srv.Close()

	rt := newRuntime(t, srv, testConfig())
	res, err := rt.Prompt(context.Background(), "hello", nil, PromptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Output)
	assert.Empty(t, res.ToolCalls)
}

func TestOpenAIPrompt_HistoryAndOverrides(t *testing.T) {
	history := []state.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	srv := fakeChat(t, func(req chatRequest) chatResponse {
		assert.Equal(t, "override/model", req.Model)
		assert.Equal(t, "custom system", req.Messages[0].Content)
		require.Len(t, req.Messages, 4)
		assert.Equal(t, "earlier question", req.Messages[1].Content)
		assert.Equal(t, "earlier answer", req.Messages[2].Content)
		return textResponse("ok")
	})
	defer srv.Close()

	rt := newRuntime(t, srv, testConfig())
	_, err := rt.Prompt(context.Background(), "now", history, PromptOptions{
		Model:  "override/model",
		System: "custom system",
	})
	require.NoError(t, err)
}

func TestOpenAIPrompt_ToolCallRoundTrip(t *testing.T) {
	var gotParams map[string]interface{}
	remember := ToolDef{
		Name:        "remember",
		Description: "store a note",
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			gotParams = params
			return map[string]string{"id": "rec-1"}, nil
		},
	}

	srv := fakeChat(t,
		func(req chatRequest) chatResponse {
			require.Len(t, req.Tools, 1)
			assert.Equal(t, "remember", req.Tools[0].Function.Name)
			return toolResponse("call-1", "remember", `{"text":"milk"}`)
		},
		func(req chatRequest) chatResponse {
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, "tool", last.Role)
			assert.Equal(t, "call-1", last.ToolCallID)
			assert.Contains(t, last.Content, "rec-1")
			return textResponse("noted")
		},
	)
	defer srv.Close()

	rt := newRuntime(t, srv, testConfig(remember))
	res, err := rt.Prompt(context.Background(), "remember milk", nil, PromptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "noted", res.Output)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "remember", res.ToolCalls[0].Name)
	assert.Empty(t, res.ToolCalls[0].Error)
	assert.Equal(t, map[string]interface{}{"text": "milk"}, gotParams)
}

func TestOpenAIPrompt_ToolErrorFedBackToModel(t *testing.T) {
	failing := ToolDef{
		Name: "recall",
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("store offline")
		},
	}
	srv := fakeChat(t,
		func(req chatRequest) chatResponse {
			return toolResponse("call-1", "recall", `{}`)
		},
		func(req chatRequest) chatResponse {
			last := req.Messages[len(req.Messages)-1]
			assert.Contains(t, last.Content, "store offline")
			return textResponse("could not recall")
		},
	)
	defer srv.Close()

	rt := newRuntime(t, srv, testConfig(failing))
	res, err := rt.Prompt(context.Background(), "what did I say", nil, PromptOptions{})
	require.NoError(t, err, "tool failures are reported to the model, not the caller")
	assert.Equal(t, "could not recall", res.Output)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "store offline", res.ToolCalls[0].Error)
}

func TestOpenAIPrompt_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	rt := newRuntime(t, srv, testConfig())
	_, err := rt.Prompt(context.Background(), "hello", nil, PromptOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestOpenAIFactory_RequiresKey(t *testing.T) {
	factory := NewOpenAIFactory(OpenAIOptions{})
	_, err := factory(testConfig())
	require.Error(t, err)
}

func TestScripted_StepsThenEcho(t *testing.T) {
	s := NewScripted().Reply("one").Fail(errors.New("boom"))

	res, err := s.Prompt(context.Background(), "a", nil, PromptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "one", res.Output)

	_, err = s.Prompt(context.Background(), "b", nil, PromptOptions{})
	require.Error(t, err)

	res, err = s.Prompt(context.Background(), "c", nil, PromptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo: c", res.Output)

	require.Len(t, s.Calls, 3)
	assert.Equal(t, "b", s.Calls[1].Input)
}
