// Package config resolves the process configuration from environment
// bindings, optionally overlaid by a YAML file (WEAVE_CONFIG). Bindings the
// kernel cannot run without are reported through Missing for /health.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config is the resolved process configuration.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	AdminToken string `yaml:"adminToken"`
	CORSOrigin string `yaml:"corsOrigin"`

	// StatePath is the bbolt file holding per-agent durable state.
	StatePath string `yaml:"statePath"`
	// DatabaseURL selects the Postgres record store; empty means in-memory.
	DatabaseURL string `yaml:"databaseUrl"`
	// RedisAddr enables cross-process event fan-out; empty means local only.
	RedisAddr string `yaml:"redisAddr"`
	// Relay points at a remote directory; empty means this node hosts it.
	Relay string `yaml:"relay"`

	// LLM provider. Empty API key selects the scripted echo runtime.
	LLMAPIKey  string `yaml:"llmApiKey"`
	LLMBaseURL string `yaml:"llmBaseUrl"`
}

// FromEnv reads the environment, then overlays the YAML file named by
// WEAVE_CONFIG if set. Environment values win over file values; defaults
// apply last.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
		CORSOrigin:  os.Getenv("CORS_ORIGIN"),
		StatePath:   os.Getenv("STATE_PATH"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		Relay:       os.Getenv("RELAY"),
		LLMAPIKey:   os.Getenv("OPENROUTER_API_KEY"),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),
	}
	if path := os.Getenv("WEAVE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	fill(&cfg.ListenAddr, ":8787")
	fill(&cfg.CORSOrigin, "*")
	fill(&cfg.StatePath, "weave.db")
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	fill(&c.ListenAddr, file.ListenAddr)
	fill(&c.AdminToken, file.AdminToken)
	fill(&c.CORSOrigin, file.CORSOrigin)
	fill(&c.StatePath, file.StatePath)
	fill(&c.DatabaseURL, file.DatabaseURL)
	fill(&c.RedisAddr, file.RedisAddr)
	fill(&c.Relay, file.Relay)
	fill(&c.LLMAPIKey, file.LLMAPIKey)
	fill(&c.LLMBaseURL, file.LLMBaseURL)
	return nil
}

// Missing lists required bindings that are absent; /health reports them.
func (c *Config) Missing() []string {
	missing := []string{}
	if c.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}
	return missing
}

// fill sets dst only if it is still empty.
func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
