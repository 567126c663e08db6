package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RequiresCallback(t *testing.T) {
	if _, err := New(nil, nil, Config{}, discardLogger()); err == nil {
		t.Error("Expected a nil callback to be rejected")
	}
}

func TestWatcher_FiresOnWatchedFileWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "engine.go")
	if err := os.WriteFile(target, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fired := make(chan string, 1)
	w, err := New([]string{target}, func(path string) { fired <- path },
		Config{Debounce: 50 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watcher a moment to install before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(target, []byte("v2"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case path := <-fired:
		if path != target {
			t.Errorf("Expected the target path, got %s", path)
		}
	case <-ctx.Done():
		t.Fatal("Watcher never fired")
	}
	if err := <-done; err != nil {
		t.Errorf("Expected a clean stop after firing, got %v", err)
	}
}

func TestWatcher_IgnoresUnwatchedFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "engine.go")
	other := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(target, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fired := make(chan string, 1)
	w, err := New([]string{target}, func(path string) { fired <- path },
		Config{Debounce: 50 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(other, []byte("noise"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case path := <-fired:
		t.Errorf("Expected no restart for %s", path)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestWatcher_FiresAtMostOnce(t *testing.T) {
	w := &Watcher{onRestart: nil, logger: discardLogger()}
	count := 0
	w.onRestart = func(string) { count++ }

	w.fire("a.go")
	w.fire("b.go")
	if count != 1 {
		t.Errorf("Expected a single restart request, got %d", count)
	}
}
