// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide structured logger. Output goes to
// stderr by default, or to a size-rotated file when configured. Severities
// follow the mount's log-severity setting; TRACE and below are dropped unless
// explicitly enabled.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

const (
	textFormat = "text"
	jsonFormat = "json"
)

type loggerFactory struct {
	// If non-nil, log to this rotated file instead of stderr.
	file *lumberjack.Logger

	format string
	level  *slog.LevelVar
}

var (
	defaultLoggerFactory = &loggerFactory{
		format: textFormat,
		level:  new(slog.LevelVar),
	}
	defaultLogger = defaultLoggerFactory.newLogger(os.Stderr)
)

// Config mirrors the logging section of the mount configuration.
type Config struct {
	// FilePath is the log file to write to; empty means stderr.
	FilePath string

	// Severity is one of trace, debug, info, warning, error, off.
	Severity string

	// Format is "text" or "json".
	Format string

	// Rotation limits for the log file.
	MaxSizeMB   int
	MaxBackups  int
	CompressOld bool
}

// Init replaces the default logger according to the supplied configuration.
// Must be called once, before the mount starts serving.
func Init(c Config) error {
	if c.Format != "" && c.Format != textFormat && c.Format != jsonFormat {
		return fmt.Errorf("unsupported log format: %q", c.Format)
	}
	if c.Format != "" {
		defaultLoggerFactory.format = c.Format
	}
	setLoggingLevel(c.Severity, defaultLoggerFactory.level)

	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		defaultLoggerFactory.file = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   c.CompressOld,
		}
		w = defaultLoggerFactory.file
	}

	defaultLogger = defaultLoggerFactory.newLogger(w)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	if defaultLoggerFactory.file != nil {
		defaultLoggerFactory.file.Close()
	}
}

func (f *loggerFactory) newLogger(w io.Writer) *slog.Logger {
	return slog.New(f.handler(w, f.level))
}

func (f *loggerFactory) handler(w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Rename the level key so TRACE renders by name.
			if a.Key == slog.LevelKey {
				lv := a.Value.Any().(slog.Level)
				a.Key = "severity"
				a.Value = slog.StringValue(severityName(lv))
			}
			return a
		},
	}

	if f.format == jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l <= slog.LevelInfo:
		return "INFO"
	case l <= slog.LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	switch strings.ToLower(severity) {
	case "trace":
		level.Set(LevelTrace)
	case "debug":
		level.Set(slog.LevelDebug)
	case "", "info":
		level.Set(slog.LevelInfo)
	case "warning", "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	case "off":
		level.Set(slog.Level(100))
	}
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
