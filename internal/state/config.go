package state

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Config defaults and bounds.
const (
	DefaultModel      = "moonshotai/kimi-k2.5"
	DefaultFastModel  = "google/gemini-2.0-flash-001"
	DefaultLoopMs     = 60000
	MinLoopIntervalMs = 5000

	MaxProfileStatusLen = 100
	MaxProfileFocusLen  = 200
	MaxProfileMoodLen   = 50
)

// Goal is one entry of an agent's ordered goal list.
type Goal struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status"` // pending|active|in_progress|completed|blocked|cancelled
	Progress    float64 `json:"progress"`
	CreatedAt   int64   `json:"createdAt"`
}

// Profile is the agent's self-reported presence.
type Profile struct {
	Status       string `json:"status,omitempty"`
	CurrentFocus string `json:"currentFocus,omitempty"`
	Mood         string `json:"mood,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
}

// AgentConfig is the durable per-agent configuration.
type AgentConfig struct {
	Name           string   `json:"name"`
	Personality    string   `json:"personality"`
	Specialty      string   `json:"specialty,omitempty"`
	Model          string   `json:"model"`
	FastModel      string   `json:"fastModel"`
	LoopIntervalMs int      `json:"loopIntervalMs"`
	Goals          []Goal   `json:"goals"`
	EnabledTools   []string `json:"enabledTools"`
	Profile        *Profile `json:"profile,omitempty"`
}

// DefaultConfig returns a config with kernel defaults applied.
func DefaultConfig(name string) *AgentConfig {
	return &AgentConfig{
		Name:           name,
		Model:          DefaultModel,
		FastModel:      DefaultFastModel,
		LoopIntervalMs: DefaultLoopMs,
		Goals:          []Goal{},
		EnabledTools:   []string{},
	}
}

// Normalize fills zero-valued defaultable fields and clamps loopIntervalMs.
// Called on create and after every patch.
func (c *AgentConfig) Normalize() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.FastModel == "" {
		c.FastModel = DefaultFastModel
	}
	if c.LoopIntervalMs == 0 {
		c.LoopIntervalMs = DefaultLoopMs
	}
	if c.LoopIntervalMs < MinLoopIntervalMs {
		c.LoopIntervalMs = MinLoopIntervalMs
	}
	if c.Goals == nil {
		c.Goals = []Goal{}
	}
	if c.EnabledTools == nil {
		c.EnabledTools = []string{}
	}
	if c.Profile != nil {
		c.Profile.Status = truncate(c.Profile.Status, MaxProfileStatusLen)
		c.Profile.CurrentFocus = truncate(c.Profile.CurrentFocus, MaxProfileFocusLen)
		c.Profile.Mood = truncate(c.Profile.Mood, MaxProfileMoodLen)
	}
}

// ToolEnabled reports whether a tool name is on the allowlist.
func (c *AgentConfig) ToolEnabled(name string) bool {
	for _, tool := range c.EnabledTools {
		if tool == name {
			return true
		}
	}
	return false
}

// ApplyPatch deep-merges a JSON patch into the config and returns the merged
// result. Fields absent from the patch are preserved; nested objects merge
// key-by-key; arrays and scalars replace. The agent name cannot be patched.
func (c *AgentConfig) ApplyPatch(patch map[string]interface{}) (*AgentConfig, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	delete(patch, "name")
	merged := deepMerge(base, patch)

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	var out AgentConfig
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return nil, fmt.Errorf("invalid config patch: %w", err)
	}
	out.Name = c.Name
	out.Normalize()
	return &out, nil
}

// deepMerge merges patch into base. Nested maps merge recursively; any other
// value in patch replaces the base value. Explicit nulls delete keys.
func deepMerge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		patchMap, patchIsMap := v.(map[string]interface{})
		baseMap, baseIsMap := out[k].(map[string]interface{})
		if patchIsMap && baseIsMap {
			out[k] = deepMerge(baseMap, patchMap)
			continue
		}
		out[k] = v
	}
	return out
}

// truncate trims s to at most max bytes, backing up so a multi-byte rune is
// never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
