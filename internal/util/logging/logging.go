// Copyright 2024 Alexandre Mahdhaoui
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

// Package logging configures log/slog for the shutdown-recovery binary and
// bridges controller-runtime's logr logger onto zap.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// ErrUnknownLevel is returned by ParseLevel for unsupported level names.
var ErrUnknownLevel = errors.New("unknown log level")

// Options configures the logger behavior.
type Options struct {
	// Development switches to a human-readable text handler.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stderr so stdout stays free for reports.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
		Output:      os.Stderr,
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// NewHandler returns the slog handler Setup installs.
func NewHandler(opts Options) slog.Handler {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	if opts.Development {
		return slog.NewTextHandler(out, handlerOpts)
	}
	return slog.NewJSONHandler(out, handlerOpts)
}

// Setup installs the slog default logger and the controller-runtime logger.
// It must run before any controller-runtime client is created, otherwise the
// client logs a "log.SetLogger(...) was never called" warning.
func Setup(opts Options) logr.Logger {
	slog.SetDefault(slog.New(NewHandler(opts)))

	zapOpts := zap.Options{
		Development: opts.Development,
	}
	if opts.Output != nil {
		zapOpts.DestWriter = opts.Output
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(logger)

	return logger
}
