// Package config handles loading and validating Readlens sandbox
// configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/readlens/readlens/internal/sandbox"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// LimitField is one configurable resource limit: an enforced [Minimum,
// Maximum] range with a Fallback default and a human-readable Label for the
// settings UI. Every field must satisfy Minimum <= Fallback <= Maximum,
// checked eagerly at load time.
type LimitField struct {
	Minimum  int    `json:"minimum" yaml:"minimum"`
	Maximum  int    `json:"maximum" yaml:"maximum"`
	Fallback int    `json:"fallback" yaml:"fallback"`
	Label    string `json:"label" yaml:"label"`
}

func (f LimitField) validate(name string) error {
	if f.Minimum < 0 {
		return fmt.Errorf("limit %s: minimum %d is negative", name, f.Minimum)
	}
	if f.Minimum > f.Fallback || f.Fallback > f.Maximum {
		return fmt.Errorf("limit %s: require minimum <= fallback <= maximum, got %d/%d/%d",
			name, f.Minimum, f.Fallback, f.Maximum)
	}
	return nil
}

// Resolve clamps a requested value into the field's range. Zero means "use
// the fallback".
func (f LimitField) Resolve(requested int) int {
	if requested == 0 {
		return f.Fallback
	}
	if requested < f.Minimum {
		return f.Minimum
	}
	if requested > f.Maximum {
		return f.Maximum
	}
	return requested
}

// SandboxConfig is the resource-limits surface: named numeric fields with
// ranges and fallbacks.
type SandboxConfig struct {
	MaxSeconds     LimitField `json:"max_seconds" yaml:"max_seconds"`
	MaxMemoryMB    LimitField `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxAllocations LimitField `json:"max_allocations" yaml:"max_allocations"`
	MaxOutputBytes LimitField `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxRows        LimitField `json:"max_rows" yaml:"max_rows"`
	MaxPrintBytes  LimitField `json:"max_print_bytes" yaml:"max_print_bytes"`
}

// Validate checks every limit field eagerly; a violated range is a hard
// configuration failure.
func (c SandboxConfig) Validate() error {
	checks := []struct {
		name  string
		field LimitField
	}{
		{"max_seconds", c.MaxSeconds},
		{"max_memory_mb", c.MaxMemoryMB},
		{"max_allocations", c.MaxAllocations},
		{"max_output_bytes", c.MaxOutputBytes},
		{"max_rows", c.MaxRows},
		{"max_print_bytes", c.MaxPrintBytes},
	}
	for _, ch := range checks {
		if err := ch.field.validate(ch.name); err != nil {
			return err
		}
	}
	return nil
}

// RequestedLimits carries per-invocation overrides from the orchestrator or
// the settings UI. Zero values fall back to the configured defaults.
type RequestedLimits struct {
	MaxSeconds     int `json:"max_seconds" yaml:"max_seconds"`
	MaxMemoryMB    int `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxAllocations int `json:"max_allocations" yaml:"max_allocations"`
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxRows        int `json:"max_rows" yaml:"max_rows"`
	MaxPrintBytes  int `json:"max_print_bytes" yaml:"max_print_bytes"`
}

// Limits materializes the resource limits for one invocation. Requested
// overrides clamp through Resolve; zero fields mean fallback.
func (c SandboxConfig) Limits(req RequestedLimits) sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		MaxDuration:    time.Duration(c.MaxSeconds.Resolve(req.MaxSeconds)) * time.Second,
		MaxMemoryMB:    c.MaxMemoryMB.Resolve(req.MaxMemoryMB),
		MaxAllocations: c.MaxAllocations.Resolve(req.MaxAllocations),
		MaxOutputBytes: c.MaxOutputBytes.Resolve(req.MaxOutputBytes),
		MaxRows:        c.MaxRows.Resolve(req.MaxRows),
		MaxPrintBytes:  c.MaxPrintBytes.Resolve(req.MaxPrintBytes),
	}
}

// TracingConfig configures OTel trace export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// ObservabilityConfig configures metrics and tracing. Nil disables both.
type ObservabilityConfig struct {
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// Config is the root configuration for the sandbox subsystem.
type Config struct {
	// Root is the allowed data directory. Override: READLENS_ROOT.
	Root string `json:"root" yaml:"root"`
	// Store is the transcript database path. Empty disables persistence.
	// Override: READLENS_STORE.
	Store string `json:"store,omitempty" yaml:"store,omitempty"`

	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			MaxSeconds:     LimitField{Minimum: 1, Maximum: 300, Fallback: 30, Label: "Wall-clock limit (seconds)"},
			MaxMemoryMB:    LimitField{Minimum: 64, Maximum: 4096, Fallback: 512, Label: "Memory limit (MB)"},
			MaxAllocations: LimitField{Minimum: 1024, Maximum: 16 << 20, Fallback: 1 << 20, Label: "Live value limit"},
			MaxOutputBytes: LimitField{Minimum: 1024, Maximum: 1 << 20, Fallback: 32 * 1024, Label: "Result size limit (bytes)"},
			MaxRows:        LimitField{Minimum: 10, Maximum: 100000, Fallback: 2000, Label: "Rows per data call"},
			MaxPrintBytes:  LimitField{Minimum: 1024, Maximum: 1 << 20, Fallback: 32 * 1024, Label: "Captured print limit (bytes)"},
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates. Range violations fail hard.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if v := os.Getenv("READLENS_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("READLENS_STORE"); v != "" {
		cfg.Store = v
	}
	if err := cfg.Sandbox.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
