package schema

import (
	"errors"
	"time"
)

// EngineConfig defines limits and timings for the terminal engine.
type EngineConfig struct {
	BringUpTimeout        time.Duration
	MaxOutputLines        int
	MaxHistoryItems       int
	MaxRawBufferBytes     int
	ScrollbackLines       int
	InteractiveQuietDelay time.Duration
	Rows                  int
	Cols                  int
	// DisableAuditLogging suppresses debug logs that echo command text.
	DisableAuditLogging bool
}

// Engine defaults.
const (
	DefaultBringUpTimeout        = 30 * time.Second
	DefaultMaxOutputLines        = 1000
	DefaultMaxHistoryItems       = 500
	DefaultMaxRawBufferBytes     = 256 * 1024
	DefaultInteractiveQuietDelay = 1500 * time.Millisecond
	DefaultRows                  = 40
	DefaultCols                  = 60
)

// NormalizeEngineConfig applies defaults and validates the config.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	if cfg.BringUpTimeout <= 0 {
		cfg.BringUpTimeout = DefaultBringUpTimeout
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = DefaultMaxOutputLines
	}
	if cfg.MaxHistoryItems <= 0 {
		cfg.MaxHistoryItems = DefaultMaxHistoryItems
	}
	if cfg.MaxRawBufferBytes <= 0 {
		cfg.MaxRawBufferBytes = DefaultMaxRawBufferBytes
	}
	if cfg.ScrollbackLines <= 0 {
		cfg.ScrollbackLines = DefaultScrollbackLines
	}
	if cfg.InteractiveQuietDelay <= 0 {
		cfg.InteractiveQuietDelay = DefaultInteractiveQuietDelay
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows > 0xffff || cfg.Cols > 0xffff {
		return EngineConfig{}, errors.New("terminal size out of range")
	}
	return cfg, nil
}

// DefaultScrollbackLines is the default per-session scrollback limit.
const DefaultScrollbackLines = 5000
