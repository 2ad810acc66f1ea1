// Package config holds orchestrator tuning knobs persisted as JSON under the
// project's .waverun directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WaverunDir is the per-project state directory name.
const WaverunDir = ".waverun"

// BackoffCurve selects how retry delays grow between attempts.
type BackoffCurve string

const (
	BackoffLinear      BackoffCurve = "linear"
	BackoffExponential BackoffCurve = "exponential"
)

// Backoff configures the delay between retry attempts of a crashed run.
type Backoff struct {
	Curve  BackoffCurve `json:"curve,omitempty"`   // "linear" or "exponential"
	BaseMS int          `json:"base_ms,omitempty"` // delay before the first retry
	MaxMS  int          `json:"max_ms,omitempty"`  // delay ceiling
}

// Delay returns the wait before retry attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(b.BaseMS) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	max := time.Duration(b.MaxMS) * time.Millisecond
	if max <= 0 {
		max = 60 * time.Second
	}

	var d time.Duration
	switch b.Curve {
	case BackoffLinear:
		d = base * time.Duration(attempt)
	default: // exponential
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				break
			}
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Config holds the orchestrator settings stored in .waverun/config.json.
type Config struct {
	// Categories maps a task category to its concurrency ceiling.
	// A category absent from the map gets DefaultCeiling.
	Categories     map[string]int `json:"categories,omitempty"`
	DefaultCeiling int            `json:"default_ceiling,omitempty"`

	IdleWindowSeconds int `json:"idle_window_seconds,omitempty"` // silence before a session is marked idle
	TimeoutMinutes    int `json:"timeout_minutes,omitempty"`     // hard wall-clock ceiling per attempt
	GraceSeconds      int `json:"grace_seconds,omitempty"`       // soft-stop to hard-kill grace period

	Backoff Backoff `json:"backoff,omitempty"`

	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty"` // hub heartbeat interval per active run
	HistorySize      int `json:"history_size,omitempty"`      // per-run replay buffer entries

	// HaltOnFailure stops releasing later waves once any task fails.
	// Stored as pointer so "unset" falls back to the default (true).
	HaltOnFailure *bool `json:"halt_on_failure,omitempty"`
}

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	halt := true
	return &Config{
		Categories:        map[string]int{"primary": 1, "worker": 4},
		DefaultCeiling:    2,
		IdleWindowSeconds: 60,
		TimeoutMinutes:    120,
		GraceSeconds:      10,
		Backoff:           Backoff{Curve: BackoffExponential, BaseMS: 2000, MaxMS: 60000},
		HeartbeatSeconds:  15,
		HistorySize:       512,
		HaltOnFailure:     &halt,
	}
}

// IdleWindow returns the idle-detection window as a duration.
func (c *Config) IdleWindow() time.Duration {
	if c.IdleWindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IdleWindowSeconds) * time.Second
}

// Timeout returns the per-attempt wall-clock ceiling.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMinutes <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Grace returns the soft-stop escalation grace period.
func (c *Config) Grace() time.Duration {
	if c.GraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

// HeartbeatInterval returns the per-run heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Ceiling returns the concurrency ceiling for a category.
func (c *Config) Ceiling(category string) int {
	if n, ok := c.Categories[category]; ok && n > 0 {
		return n
	}
	if c.DefaultCeiling > 0 {
		return c.DefaultCeiling
	}
	return 1
}

// Halt reports whether a task failure should stop later waves.
func (c *Config) Halt() bool {
	if c.HaltOnFailure == nil {
		return true
	}
	return *c.HaltOnFailure
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	for cat, n := range c.Categories {
		if strings.TrimSpace(cat) == "" {
			return fmt.Errorf("config: empty category name")
		}
		if n < 1 {
			return fmt.Errorf("config: category %q ceiling must be >= 1, got %d", cat, n)
		}
	}
	switch c.Backoff.Curve {
	case "", BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("config: unknown backoff curve %q", c.Backoff.Curve)
	}
	return nil
}

// Path returns the config file path for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, WaverunDir, "config.json")
}

// Load reads the project config, returning defaults when the file is absent.
func Load(projectDir string) (*Config, error) {
	data, err := os.ReadFile(Path(projectDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config, creating the .waverun directory if needed.
func Save(projectDir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(projectDir, WaverunDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(projectDir), data, 0644)
}
