// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// =====================================================
// Level Tests
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown", map[string]interface{}{"k": 1})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, "WARN", lines[0]["level"])
}

// =====================================================
// Context and Error Field Tests
// =====================================================

func TestContextMerging(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, LevelDebug)

	l.Info("merged",
		map[string]interface{}{"op_id": "a", "attempt": 1},
		map[string]interface{}{"attempt": 2})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "a", lines[0]["op_id"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, LevelInfo)

	ErrorWithCode("sync failed", "SYNC_FAILED", errors.New("boom"), map[string]interface{}{"cycle": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "SYNC_FAILED", lines[0]["code"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.EqualValues(t, 3, lines[0]["cycle"])
}

// =====================================================
// Global Logger Tests
// =====================================================

func TestGlobalReplace(t *testing.T) {
	var first, second bytes.Buffer
	SetOutput(&first, LevelInfo)
	Info("one")
	SetOutput(&second, LevelInfo)
	Info("two")

	assert.Contains(t, first.String(), `"one"`)
	assert.NotContains(t, first.String(), `"two"`)
	assert.Contains(t, second.String(), `"two"`)
}

func TestInitWithFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "fitlog.log")

	l := Init(Options{Level: LevelDebug, Console: &console, FilePath: path})
	l.Debug("to both", map[string]interface{}{"component": "test"})
	require.NoError(t, Close())

	assert.Contains(t, console.String(), "to both")
	assert.Equal(t, LevelDebug, l.Level())
	assert.NotNil(t, l.Slog())
	assert.FileExists(t, path)
}
