// Package config loads Ensemble configuration from defaults, an optional
// YAML file and ENSEMBLE_-prefixed environment variables, in that order.
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
	Log       LogConfig            `koanf:"log"`
	Telemetry TelemetryConfig      `koanf:"telemetry"`
	Plugins   PluginConfig         `koanf:"plugins"`
	Skills    SkillConfig          `koanf:"skills"`
	Workflows WorkflowConfig       `koanf:"workflows"`
	MCP       map[string]MCPServer `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type PluginConfig struct {
	Dir     string `koanf:"dir"`
	StateDB string `koanf:"state_db"`
	Quiet   bool   `koanf:"quiet"`
}

type SkillConfig struct {
	File string `koanf:"file"`
}

type WorkflowConfig struct {
	File string `koanf:"file"`
}

// MCPServer configures one stdio tool server connection. Retries bounds the
// connect attempts for transient spawn failures; 0 means a single attempt.
type MCPServer struct {
	Command        string            `koanf:"command"`
	Args           []string          `koanf:"args"`
	Env            map[string]string `koanf:"env"`
	TimeoutSeconds int               `koanf:"timeout_seconds"`
	Retries        int               `koanf:"retries"`
}

// Timeout returns the configured request timeout, or zero when unset so the
// protocol client applies its default.
func (s MCPServer) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "none")
	k.Set("plugins.dir", "plugins")
	k.Set("plugins.state_db", "ensemble.db")
	k.Set("plugins.quiet", false)
	k.Set("skills.file", "skills.yaml")
	k.Set("workflows.file", "")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (ENSEMBLE_LOG_LEVEL -> log.level)
	if err := k.Load(env.Provider("ENSEMBLE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ENSEMBLE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
