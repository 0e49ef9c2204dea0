// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParseLevel(tt.raw); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	defer logger.Close()

	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

func TestNewWithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "sentinel-test",
		Quiet:   true,
	})
	defer logger.Close()

	if logger.file == nil {
		t.Fatal("logger.file is nil when LogDir is set")
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("log files = %d, want 1", len(files))
	}
	if !strings.HasPrefix(files[0].Name(), "sentinel-test_") {
		t.Errorf("log file name = %q, want sentinel-test_ prefix", files[0].Name())
	}
}

func TestNewWithLogDirNoService(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Quiet: true})
	defer logger.Close()

	files, _ := os.ReadDir(tmpDir)
	if len(files) != 1 || !strings.HasPrefix(files[0].Name(), "sentinel_") {
		t.Errorf("files = %v, want single sentinel_ prefixed file", files)
	}
}

func TestNewInvalidLogDirFallsBack(t *testing.T) {
	logger := New(Config{
		LogDir: "/proc/definitely/not/writable",
		Quiet:  true,
	})
	defer logger.Close()

	if logger.file != nil {
		t.Error("file should be nil for an unwritable LogDir")
	}
	// Logging must still work.
	logger.Slog().Info("fallback")
}

func TestFileContentIsJSON(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "filetest",
		Quiet:   true,
	})

	logger.Slog().Info("persisted message", slog.String("key", "value"))
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := os.ReadDir(tmpDir)
	if len(files) == 0 {
		t.Fatal("no log file created")
	}
	content, err := os.ReadFile(filepath.Join(tmpDir, files[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	if !strings.Contains(string(content), "persisted message") {
		t.Error("log file missing message")
	}
	if !strings.Contains(string(content), `"key":"value"`) {
		t.Error("log file missing JSON attr")
	}
	if !strings.Contains(string(content), `"service":"filetest"`) {
		t.Error("log file missing service attr")
	}
}

func TestLevelFiltering(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		Level:   "warn",
		LogDir:  tmpDir,
		Service: "filter",
		Quiet:   true,
	})

	logger.Slog().Debug("drop me")
	logger.Slog().Info("drop me too")
	logger.Slog().Warn("keep me")
	logger.Slog().Error("keep me too")
	logger.Close()

	files, _ := os.ReadDir(tmpDir)
	content, err := os.ReadFile(filepath.Join(tmpDir, files[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	if strings.Contains(string(content), "drop me") {
		t.Error("below-threshold lines were written")
	}
	if got := strings.Count(string(content), "keep me"); got != 2 {
		t.Errorf("kept lines = %d, want 2", got)
	}
}

func TestCloseWithoutFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandPath(tt.input); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf1, opts),
		slog.NewJSONHandler(&buf2, opts),
	}}

	logger := slog.New(mh)
	logger.Info("fan out")

	if buf1.Len() == 0 || buf2.Len() == 0 {
		t.Error("record not delivered to all handlers")
	}
}

func TestMultiHandlerLevelGate(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled while any handler accepts it")
	}

	slog.New(mh).Info("info line")
	if debugBuf.Len() == 0 {
		t.Error("debug handler should receive info records")
	}
	if errorBuf.Len() != 0 {
		t.Error("error handler should not receive info records")
	}
}

func TestMultiHandlerPropagatesError(t *testing.T) {
	mh := &multiHandler{handlers: []slog.Handler{
		&failingHandler{err: errors.New("sink broken")},
	}}

	var record slog.Record
	record.Level = slog.LevelInfo
	if err := mh.Handle(context.Background(), record); err == nil {
		t.Error("expected handler error to propagate")
	}
}

type failingHandler struct {
	err error
}

func (h *failingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h *failingHandler) Handle(context.Context, slog.Record) error { return h.err }
func (h *failingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *failingHandler) WithGroup(string) slog.Handler             { return h }
