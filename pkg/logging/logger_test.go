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
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestLevelToSlog(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, LevelInfo.toSlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel())
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "signctl",
		Quiet:   true,
	})
	logger.Info("session created", "session_id", "s-1")
	logger.Debug("drain tick")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "signctl_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "signctl", entry["service"])
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "signctl",
		Quiet:   true,
	})
	logger.Info("filtered out")
	logger.Warn("kept")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered out")
	assert.Contains(t, string(data), "kept")
}

func TestWithCarriesAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "signctl", Quiet: true})
	child := logger.With("session_id", "s-9")
	child.Info("status changed")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s-9"`)
}

func TestCloseWithoutFileIsNil(t *testing.T) {
	logger := New(Config{Quiet: true})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian-sign"), expandPath("~/.aleutian-sign"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "relative", expandPath("relative"))
}

func TestSlogAccessor(t *testing.T) {
	logger := New(Config{Quiet: true})
	require.NotNil(t, logger.Slog())
}
