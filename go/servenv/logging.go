// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv holds process-level serving environment helpers shared
// by replroute binaries: structured logging configured from flags.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Logger configures the process-wide slog logger from flags.
type Logger struct {
	level  string
	format string
	output string
}

// NewLogger returns a Logger with default settings (info, json, stderr).
func NewLogger() *Logger {
	return &Logger{
		level:  "info",
		format: "json",
		output: "stderr",
	}
}

// RegisterFlags registers the logging flags and binds them to viper so
// environment variables and config files can override them.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("log-level", lg.level, "Log level (debug, info, warn, error).")
	fs.String("log-format", lg.format, "Log format (json, text).")
	fs.String("log-output", lg.output, "Log output (stdout, stderr, or a file path).")
	_ = v.BindPFlag("log-level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log-format", fs.Lookup("log-format"))
	_ = v.BindPFlag("log-output", fs.Lookup("log-output"))
}

// Build creates the slog.Logger from the resolved settings and installs it
// as the process default.
func (lg *Logger) Build(v *viper.Viper) (*slog.Logger, error) {
	if s := v.GetString("log-level"); s != "" {
		lg.level = s
	}
	if s := v.GetString("log-format"); s != "" {
		lg.format = s
	}
	if s := v.GetString("log-output"); s != "" {
		lg.output = s
	}

	var level slog.Level
	switch strings.ToLower(lg.level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", lg.level)
	}

	var w io.Writer
	switch lg.output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		// The file stays open for the life of the process. slog handlers
		// write unbuffered, so there is nothing to flush at shutdown; the
		// descriptor is released by process exit.
		f, err := os.OpenFile(lg.output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %q: %w", lg.output, err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lg.format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", lg.format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
