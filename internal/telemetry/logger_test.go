package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
	group   string
	enabled bool
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.enabled
}

func (h *captureHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := &captureHandler{
		records: h.records,
		attrs:   append(append([]slog.Attr{}, h.attrs...), attrs...),
		group:   h.group,
		enabled: h.enabled,
	}
	return clone
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := &captureHandler{
		records: h.records,
		attrs:   h.attrs,
		group:   name,
		enabled: h.enabled,
	}
	return clone
}

func (h *captureHandler) recorded() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records
}

func TestMultiHandlerFanOut(t *testing.T) {
	h1 := &captureHandler{enabled: true}
	h2 := &captureHandler{enabled: true}
	multi := &multiHandler{handlers: []slog.Handler{h1, h2}}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "fan out", 0)
	require.NoError(t, multi.Handle(context.Background(), record))
	assert.Len(t, h1.recorded(), 1)
	assert.Len(t, h2.recorded(), 1)
	assert.Equal(t, "fan out", h1.recorded()[0].Message)
}

func TestMultiHandlerEnabled(t *testing.T) {
	h1 := &captureHandler{enabled: false}
	h2 := &captureHandler{enabled: true}
	multi := &multiHandler{handlers: []slog.Handler{h1, h2}}

	assert.True(t, multi.Enabled(context.Background(), slog.LevelInfo))

	h2.enabled = false
	assert.False(t, multi.Enabled(context.Background(), slog.LevelInfo))
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	h1 := &captureHandler{enabled: true}
	multi := &multiHandler{handlers: []slog.Handler{h1}}

	attrs := []slog.Attr{slog.String("session", "agent-1")}
	derived, ok := multi.WithAttrs(attrs).(*multiHandler)
	require.True(t, ok)
	inner, ok := derived.handlers[0].(*captureHandler)
	require.True(t, ok)
	assert.Equal(t, attrs, inner.attrs)
}

func TestNewLoggerFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "crewly.log")

	logger := NewLogger(false, logPath, true)
	logger.Info("file message", "session", "agent-1")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "file message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry))
	assert.Equal(t, "agent-1", entry["session"])
}

func TestNewLoggerQuietDiscards(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	logger := NewLogger(false, "", true)
	logger.Info("should not appear")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	assert.Empty(t, buf.String())
}

func TestNewLoggerBadFilePath(t *testing.T) {
	originalLogger := slog.Default()
	defer slog.SetDefault(originalLogger)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	badPath := filepath.Join(t.TempDir(), "missing-dir", "crewly.log")
	logger := NewLogger(false, badPath, true)
	assert.NotNil(t, logger)
	assert.True(t, strings.Contains(buf.String(), "Failed to open log file"), "expected open error, got: "+buf.String())
}

func TestLogInfof(t *testing.T) {
	originalLogger := slog.Default()
	defer slog.SetDefault(originalLogger)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	LogInfof("session %s paused", "agent-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session agent-1 paused", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
}
