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

//go:build unit

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "", want: slog.LevelInfo},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, logging.ErrUnknownLevel)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(logging.NewHandler(logging.Options{Level: slog.LevelInfo, Output: buf}))

	logger.Debug("hidden")
	logger.Info("visible", "step", "cooldown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "cooldown", entry["step"])
}

func TestNewHandler_Development(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(logging.NewHandler(logging.Options{
		Development: true,
		Level:       slog.LevelDebug,
		Output:      buf,
	}))

	logger.Debug("details", "vm", "vm-1")

	assert.Contains(t, buf.String(), "msg=details")
	assert.Contains(t, buf.String(), "vm=vm-1")
}
