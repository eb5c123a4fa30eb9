// Copyright 2025 the Spine Authors
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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}

	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}

	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "LOG_LEVEL=debug",
			envVars: map[string]string{
				"LOG_LEVEL": "debug",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "LOG_LEVEL=DEBUG (case insensitive)",
			envVars: map[string]string{
				"LOG_LEVEL": "DEBUG",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "LOG_FORMAT=text",
			envVars: map[string]string{
				"LOG_FORMAT": "text",
			},
			expected: &Config{
				Level:     "info",
				Format:    FormatText,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "LOG_SOURCE=1",
			envVars: map[string]string{
				"LOG_SOURCE": "1",
			},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
		{
			name: "SPINE_DEBUG=1 enables debug and source",
			envVars: map[string]string{
				"SPINE_DEBUG": "1",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
		{
			name: "SPINE_LOG_LEVEL beats LOG_LEVEL",
			envVars: map[string]string{
				"SPINE_LOG_LEVEL": "error",
				"LOG_LEVEL":       "debug",
			},
			expected: &Config{
				Level:     "error",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "SPINE_DEBUG beats SPINE_LOG_LEVEL",
			envVars: map[string]string{
				"SPINE_DEBUG":     "true",
				"SPINE_LOG_LEVEL": "error",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
		{
			name: "all env vars",
			envVars: map[string]string{
				"LOG_LEVEL":  "error",
				"LOG_FORMAT": "text",
				"LOG_SOURCE": "1",
			},
			expected: &Config{
				Level:     "error",
				Format:    FormatText,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					os.Unsetenv(k)
				}
			}()

			cfg := FromEnv()

			if cfg.Level != tt.expected.Level {
				t.Errorf("expected level %q, got %q", tt.expected.Level, cfg.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("expected format %q, got %q", tt.expected.Format, cfg.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("expected AddSource %v, got %v", tt.expected.AddSource, cfg.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "debug",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	logger.Info("test message", slog.String("key", "value"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if entry["msg"] != "test message" {
		t.Errorf("expected msg 'test message', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key 'value', got %v", entry["key"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatText,
		Output: &buf,
	}

	logger := New(cfg)
	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got %q", output)
	}
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("text format should not produce JSON, got %q", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "warn",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should pass at warn level")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message should pass at warn level")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithComponent(logger, "dispatcher").Info("submitted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["component"] != "dispatcher" {
		t.Errorf("expected component 'dispatcher', got %v", entry["component"])
	}
}

func TestWithExecution(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithExecution(logger, "exec-123", "otc.ingest").Info("running")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[ExecutionIDKey] != "exec-123" {
		t.Errorf("expected execution_id 'exec-123', got %v", entry[ExecutionIDKey])
	}
	if entry[PipelineKey] != "otc.ingest" {
		t.Errorf("expected pipeline 'otc.ingest', got %v", entry[PipelineKey])
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "run-42", "weekly-refresh").Info("started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[RunIDKey] != "run-42" {
		t.Errorf("expected run_id 'run-42', got %v", entry[RunIDKey])
	}
	if entry[WorkflowKey] != "weekly-refresh" {
		t.Errorf("expected workflow 'weekly-refresh', got %v", entry[WorkflowKey])
	}
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(logger, "run-42", "aggregate").Info("step done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[RunIDKey] != "run-42" {
		t.Errorf("expected run_id 'run-42', got %v", entry[RunIDKey])
	}
	if entry[StepKey] != "aggregate" {
		t.Errorf("expected step 'aggregate', got %v", entry[StepKey])
	}
}

func TestWithPartition(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithPartition(logger, "finra.otc", "2025-12-26|OTC").Info("advanced")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[DomainKey] != "finra.otc" {
		t.Errorf("expected domain 'finra.otc', got %v", entry[DomainKey])
	}
	if entry[PartitionKey] != "2025-12-26|OTC" {
		t.Errorf("expected partition_key '2025-12-26|OTC', got %v", entry[PartitionKey])
	}
}

func TestAttrHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.LogAttrs(nil, slog.LevelInfo, "attrs",
		String("s", "v"),
		Int("i", 7),
		Int64("i64", 9),
		Bool("b", true),
		Duration("took", 150),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["s"] != "v" {
		t.Errorf("String attr: got %v", entry["s"])
	}
	if entry["i"] != float64(7) {
		t.Errorf("Int attr: got %v", entry["i"])
	}
	if entry["i64"] != float64(9) {
		t.Errorf("Int64 attr: got %v", entry["i64"])
	}
	if entry["b"] != true {
		t.Errorf("Bool attr: got %v", entry["b"])
	}
	if entry["took_ms"] != float64(150) {
		t.Errorf("Duration attr: got %v", entry["took_ms"])
	}
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.LogAttrs(nil, slog.LevelError, "failed", Error(errors.New("boom")))

	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected error message in output, got %q", buf.String())
	}
}

func TestNilConfig(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("New(nil) should return a usable logger")
	}
}

func TestSanitizeSecret(t *testing.T) {
	if got := SanitizeSecret("postgres://user:hunter2@db/spine"); got != "[REDACTED]" {
		t.Errorf("SanitizeSecret = %q, want [REDACTED]", got)
	}
	if got := SanitizeSecret(""); got != "[REDACTED]" {
		t.Errorf("SanitizeSecret of empty = %q, want [REDACTED]", got)
	}
}

func TestTrace(t *testing.T) {
	t.Run("emitted at trace level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})

		Trace(logger, "rendered sql", String("sql", "SELECT 1"))

		if !strings.Contains(buf.String(), "rendered sql") {
			t.Errorf("expected trace output, got %q", buf.String())
		}
	})

	t.Run("suppressed at debug level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

		Trace(logger, "rendered sql")

		if buf.Len() != 0 {
			t.Errorf("trace output should be suppressed, got %q", buf.String())
		}
	})
}
