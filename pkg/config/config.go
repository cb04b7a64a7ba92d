// Package config loads Veldt orchestration settings from defaults, an
// optional YAML file, and VELDT_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Budget    BudgetConfig    `koanf:"budget"`
	State     StateConfig     `koanf:"state"`
	Context   ContextConfig   `koanf:"context"`
	Engine    EngineConfig    `koanf:"engine"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type BudgetConfig struct {
	// DefaultTokens is assigned when a run is created without an explicit
	// budget.
	DefaultTokens int `koanf:"default_tokens"`
}

type StateConfig struct {
	// RunTTL is how long an unmodified run survives before reclamation.
	RunTTL time.Duration `koanf:"run_ttl"`

	// SweepInterval is the cadence of the background reclamation sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type ContextConfig struct {
	// DedupeWindow is the trailing message window inspected for duplicates.
	DedupeWindow int `koanf:"dedupe_window"`

	// MaxTokens caps optimized context blocks.
	MaxTokens int `koanf:"max_tokens"`
}

type EngineConfig struct {
	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration `koanf:"tool_timeout"`
}

type TelemetryConfig struct {
	// Exporter selects the telemetry sink: none, stdout, otlp.
	Exporter string `koanf:"exporter"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `koanf:"endpoint"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("budget.default_tokens", 50000)
	k.Set("state.run_ttl", "24h")
	k.Set("state.sweep_interval", "1h")
	k.Set("context.dedupe_window", 20)
	k.Set("context.max_tokens", 8000)
	k.Set("engine.tool_timeout", "2m")
	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.endpoint", "localhost:4317")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV. Only the first underscore becomes a section
	// separator, so VELDT_BUDGET_DEFAULT_TOKENS -> budget.default_tokens.
	if err := k.Load(env.Provider("VELDT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VELDT_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
