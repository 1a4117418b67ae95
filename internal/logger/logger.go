// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides the structured logging surface shared by every
// shardfs component: a slog.Logger configurable between a human-readable
// text handler and a JSON handler, rotated through lumberjack when writing
// to a file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shardfs/shardfs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// slog only ships four built-in levels; TRACE and WARNING are synthesized
// on either side of DEBUG/WARN so the five severities the config accepts
// map onto distinct slog levels.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	// LevelOff sits above every emitted record, silencing the logger.
	LevelOff = slog.Level(16)
)

var severityToLevel = map[cfg.LogSeverity]slog.Level{
	cfg.TraceLogSeverity:   LevelTrace,
	cfg.DebugLogSeverity:   LevelDebug,
	cfg.InfoLogSeverity:    LevelInfo,
	cfg.WarningLogSeverity: LevelWarning,
	cfg.ErrorLogSeverity:   LevelError,
	cfg.OffLogSeverity:     LevelOff,
}

var levelNames = map[slog.Leveler]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

var defaultLogger = slog.New(newHandler(os.Stderr, &slog.LevelVar{}, "text", ""))

type factory struct{}

func (factory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return newHandler(w, level, "json", prefix)
}

var defaultLoggerFactory = factory{}

func replaceLevelAttr(prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			level := a.Value.Any().(slog.Level)
			name, ok := levelNames[level]
			if !ok {
				name = level.String()
			}
			return slog.Attr{Key: "severity", Value: slog.StringValue(name)}
		case slog.MessageKey:
			return slog.Attr{Key: slog.MessageKey, Value: slog.StringValue(prefix + a.Value.String())}
		}
		return a
	}
}

func newHandler(w io.Writer, level *slog.LevelVar, format string, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttr(prefix),
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init configures the package-level default logger from a resolved
// LoggingConfig. It is safe to call more than once (e.g. after config
// reload); the previous logger is simply replaced.
func Init(c cfg.LoggingConfig) error {
	level, ok := severityToLevel[c.Severity]
	if !ok {
		return fmt.Errorf("unknown log severity: %s", c.Severity)
	}

	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.LogRotate.MaxFileSizeMB,
			MaxBackups: c.LogRotate.BackupFileCount,
			Compress:   c.LogRotate.Compress,
		}
	}

	lv := &slog.LevelVar{}
	lv.Set(level)
	defaultLogger = slog.New(newHandler(w, lv, c.Format, ""))
	return nil
}

func Default() *slog.Logger { return defaultLogger }

func Tracef(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, LevelTrace, fmt.Sprintf(format, args...))
}

func Debugf(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, LevelDebug, fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, LevelInfo, fmt.Sprintf(format, args...))
}

func Warnf(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, LevelWarning, fmt.Sprintf(format, args...))
}

func Errorf(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, LevelError, fmt.Sprintf(format, args...))
}
