// Package config loads the framegate TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/framegate/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// Root restricts relative media locators to a directory tree.
	Root string `toml:"root" mapstructure:"root"`
	// Backend selects the decoder backend in the worker: "gst" or "test".
	Backend string `toml:"backend" mapstructure:"backend"`

	Worker    WorkerConfig    `toml:"worker" mapstructure:"worker"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	Thumbnail ThumbnailConfig `toml:"thumbnail" mapstructure:"thumbnail"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	HTTP      HTTPConfig      `toml:"http" mapstructure:"http"`
}

// WorkerConfig tunes the worker process and its supervision.
type WorkerConfig struct {
	// Command is the worker executable; empty means re-exec the current
	// binary with the worker subcommand.
	Command          string        `toml:"command" mapstructure:"command"`
	Args             []string      `toml:"args" mapstructure:"args"`
	SocketDir        string        `toml:"socket_dir" mapstructure:"socket_dir"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" mapstructure:"handshake_timeout"`
	RequestTimeout   time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	BackoffInitial   time.Duration `toml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
	CrashBudget      int           `toml:"crash_budget" mapstructure:"crash_budget"`
	ShutdownGrace    time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// ThumbnailConfig drives decode target sizing and gallery layout.
type ThumbnailConfig struct {
	TargetWidth  uint32 `toml:"target_width" mapstructure:"target_width"`
	TargetHeight uint32 `toml:"target_height" mapstructure:"target_height"`
	MinCellWidth int    `toml:"min_cell_width" mapstructure:"min_cell_width"`
	Gap          int    `toml:"gap" mapstructure:"gap"`
	MaxColumns   int    `toml:"max_columns" mapstructure:"max_columns"`
}

// HistoryConfig wires the decode event history sink.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Buffer  int    `toml:"buffer" mapstructure:"buffer"`
}

// HTTPConfig wires the control/status HTTP surface.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Default returns a configuration that works without a config file.
func Default() FileConfig {
	return FileConfig{
		Backend: "gst",
		Worker: WorkerConfig{
			HandshakeTimeout: 5 * time.Second,
			RequestTimeout:   10 * time.Second,
			BackoffInitial:   200 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			CrashBudget:      3,
			ShutdownGrace:    3 * time.Second,
		},
		Log: logger.Config{Level: "info", Color: true},
		Thumbnail: ThumbnailConfig{
			TargetWidth:  320,
			TargetHeight: 320,
			MinCellWidth: 180,
			Gap:          10,
			MaxColumns:   8,
		},
		History: HistoryConfig{Buffer: 256},
		HTTP:    HTTPConfig{Listen: ":8077"},
	}
}

// Load reads path as TOML over the defaults. An empty path yields defaults.
func Load(path string) (FileConfig, error) {
	fc := Default()
	if path == "" {
		return fc, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fc, fmt.Errorf("config: read %s: %w", path, err)
	}
	// Viper's default decode hooks already parse "200ms" style durations.
	if err := v.Unmarshal(&fc); err != nil {
		return fc, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return fc, err
	}
	return fc, nil
}

// Validate rejects values the supervisor cannot work with.
func (fc FileConfig) Validate() error {
	switch strings.ToLower(fc.Backend) {
	case "", "gst", "test":
	default:
		return fmt.Errorf("config: unknown backend %q", fc.Backend)
	}
	w := fc.Worker
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"worker.handshake_timeout", w.HandshakeTimeout},
		{"worker.request_timeout", w.RequestTimeout},
		{"worker.backoff_initial", w.BackoffInitial},
		{"worker.backoff_max", w.BackoffMax},
		{"worker.shutdown_grace", w.ShutdownGrace},
	} {
		if d.v < 0 {
			return fmt.Errorf("config: %s cannot be negative", d.name)
		}
	}
	if w.BackoffMax > 0 && w.BackoffInitial > w.BackoffMax {
		return fmt.Errorf("config: worker.backoff_initial exceeds worker.backoff_max")
	}
	if w.CrashBudget < 0 {
		return fmt.Errorf("config: worker.crash_budget cannot be negative")
	}
	if fc.History.Enabled && fc.History.DSN == "" {
		return fmt.Errorf("config: history.enabled requires history.dsn")
	}
	if fc.History.Buffer < 0 {
		return fmt.Errorf("config: history.buffer cannot be negative")
	}
	return nil
}
