// Package tools builds the base tool set handed to an agent's runtime. Each
// tool is gated on the agent's enabledTools allowlist and executes against
// actor-local handles, so tool calls inherit the actor's single-writer
// discipline.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/lexicon"
	"github.com/weavenet/weave/internal/memory"
	"github.com/weavenet/weave/internal/runtime"
	"github.com/weavenet/weave/internal/state"
)

// OperatorName is the reserved operator agent. The gm tool is double-gated:
// it must be on the allowlist AND the agent must carry this exact name.
const OperatorName = "grimlock"

// ExecTimeout bounds a single tool execution. On expiry the tool returns an
// error and the actor records a loop.error event.
const ExecTimeout = 30 * time.Second

const defaultRecallLimit = 20

// Host wires tools to one actor's handles.
type Host struct {
	AgentName string
	Memory    *memory.Manager

	// Config returns the current agent config snapshot.
	Config func() *state.AgentConfig
	// PatchConfig deep-merges a patch into the config. Runs on the actor.
	PatchConfig func(ctx context.Context, patch map[string]interface{}) (*state.AgentConfig, error)
	// Broadcast publishes a network-visible event.
	Broadcast func(ctx context.Context, event *events.Event) error
	// GM handles operator commands from the environments collaborator. May be
	// nil, in which case the gm tool reports it is not connected.
	GM func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Defs returns the tool definitions enabled for this agent, each wrapped with
// the execution timeout.
func (h *Host) Defs() []runtime.ToolDef {
	cfg := h.Config()
	var defs []runtime.ToolDef
	for _, t := range h.all() {
		if !cfg.ToolEnabled(t.Name) {
			continue
		}
		if t.Name == "gm" && !strings.EqualFold(h.AgentName, OperatorName) {
			continue
		}
		defs = append(defs, withTimeout(t))
	}
	return defs
}

func (h *Host) all() []runtime.ToolDef {
	return []runtime.ToolDef{
		{
			Name:        "remember",
			Description: "Store a record in your private encrypted memory. Returns the record id.",
			Parameters: objSchema(map[string]interface{}{
				"record": map[string]interface{}{
					"type":        "object",
					"description": "Lexicon record, e.g. {\"$type\":\"agent.memory.note\",\"summary\":...}",
				},
			}, "record"),
			Execute: h.remember,
		},
		{
			Name:        "recall",
			Description: "Search your recent memories by substring. Returns matching records, newest first.",
			Parameters: objSchema(map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer"},
			}, "query"),
			Execute: h.recall,
		},
		{
			Name:        "update_profile",
			Description: "Update your public profile: status, currentFocus, mood.",
			Parameters: objSchema(map[string]interface{}{
				"status":       map[string]interface{}{"type": "string"},
				"currentFocus": map[string]interface{}{"type": "string"},
				"mood":         map[string]interface{}{"type": "string"},
			}),
			Execute: h.updateProfile,
		},
		{
			Name:        "broadcast",
			Description: "Broadcast a public event to all network subscribers.",
			Parameters: objSchema(map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
			}, "message"),
			Execute: h.broadcast,
		},
		{
			Name:        "gm",
			Description: "Operator commands for the connected environment.",
			Parameters: objSchema(map[string]interface{}{
				"command": map[string]interface{}{"type": "string"},
				"args":    map[string]interface{}{"type": "object"},
			}, "command"),
			Execute: h.gm,
		},
	}
}

func (h *Host) remember(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	record, ok := params["record"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("remember: record object required")
	}
	if lexicon.RecordType(record) == "" {
		record["$type"] = memory.DefaultCollection
	}
	if _, ok := record["createdAt"]; !ok {
		record["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	if err := lexicon.Validate(record); err != nil {
		return nil, fmt.Errorf("remember: %w", err)
	}
	id, err := h.Memory.Store(ctx, record, memory.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("remember: %w", err)
	}
	return map[string]string{"id": id}, nil
}

// recall is substring matching over decrypted records. No semantic search.
func (h *Host) recall(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	limit := defaultRecallLimit
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	entries, _, err := h.Memory.List(ctx, "", 0, "")
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	needle := strings.ToLower(query)
	matches := make([]memory.Entry, 0, limit)
	for _, e := range entries {
		raw, err := json.Marshal(e.Record)
		if err != nil {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(string(raw)), needle) {
			matches = append(matches, e)
			if len(matches) >= limit {
				break
			}
		}
	}
	return map[string]interface{}{"entries": matches}, nil
}

func (h *Host) updateProfile(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	profile := map[string]interface{}{"updatedAt": time.Now().UnixMilli()}
	for _, key := range []string{"status", "currentFocus", "mood"} {
		if v, ok := params[key].(string); ok {
			profile[key] = v
		}
	}
	cfg, err := h.PatchConfig(ctx, map[string]interface{}{"profile": profile})
	if err != nil {
		return nil, fmt.Errorf("update_profile: %w", err)
	}
	return map[string]interface{}{"profile": cfg.Profile}, nil
}

func (h *Host) broadcast(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, _ := params["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("broadcast: message required")
	}
	event := events.New(h.Memory.DID(), events.TypeBroadcast, events.OutcomeSuccess,
		map[string]interface{}{"agent": h.AgentName, "message": message})
	if err := h.Broadcast(ctx, event); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return map[string]interface{}{"delivered": true, "eventId": event.ID}, nil
}

func (h *Host) gm(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if h.GM == nil {
		return nil, fmt.Errorf("gm: no environment connected")
	}
	return h.GM(ctx, params)
}

// withTimeout bounds a tool's Execute with ExecTimeout. The execution runs in
// its own goroutine so a stuck tool cannot wedge the prompt turn past the
// deadline; the goroutine is abandoned on expiry.
func withTimeout(t runtime.ToolDef) runtime.ToolDef {
	inner := t.Execute
	t.Execute = func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, ExecTimeout)
		defer cancel()

		type outcome struct {
			result interface{}
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := inner(ctx, params)
			done <- outcome{result, err}
		}()
		select {
		case out := <-done:
			return out.result, out.err
		case <-ctx.Done():
			return nil, fmt.Errorf("tool %s: %w", t.Name, ctx.Err())
		}
	}
	return t
}

func objSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
