// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package logging builds the console log sink used by the q3rcon command.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Environment variables read by [ApplyEnv].
const (
	// EnvLogLevel overrides the level, e.g. "debug" or "warn".
	EnvLogLevel = "Q3RCON_LOG_LEVEL"
	// EnvLogTimestamp toggles timestamps on each line.
	EnvLogTimestamp = "Q3RCON_LOG_TIMESTAMP"
	// EnvLogNoColor disables colored output when true.
	EnvLogNoColor = "Q3RCON_LOG_NOCOLOR"
)

// Profile selects a set of logging defaults.
type Profile int

const (
	// ProfileRuntime logs at info level without timestamps.
	ProfileRuntime Profile = iota
	// ProfileDebug logs at debug level with timestamps.
	ProfileDebug
)

// Config controls the console sink.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Out       io.Writer
}

// DefaultConfig returns the settings for profile, writing to stderr.
func DefaultConfig(profile Profile) Config {
	cfg := Config{
		Level: zerolog.InfoLevel,
		Out:   os.Stderr,
	}
	if profile == ProfileDebug {
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = true
	}
	return cfg
}

// ApplyEnv overrides cfg with any settings found in the environment via getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if lvl, ok := parseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// New returns a logger writing human readable lines as configured by cfg. Colour is disabled when
// the output is a file that is not a terminal.
func New(cfg Config) *slog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if f, ok := out.(*os.File); ok && !IsTerminal(f) {
		cfg.NoColor = true
	}

	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	zctx := zerolog.New(w).Level(cfg.Level).With()
	if cfg.Timestamp {
		zctx = zctx.Timestamp()
	}
	return slog.New(NewHandler(zctx.Logger()))
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
