package lsproc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vtlsp/bridge/internal/eventlog"
)

func TestManagerEvictsOldestWhenFull(t *testing.T) {
	dir := t.TempDir()
	spec := func(sessionID string) (Spec, error) {
		sessDir := filepath.Join(dir, sessionID)
		if err := os.MkdirAll(sessDir, 0o755); err != nil {
			return Spec{}, err
		}
		return Spec{Command: "sleep", Args: []string{"5"}, Dir: sessDir}, nil
	}

	log := eventlog.New(new(discard), eventlog.LevelDebug)
	mgr := NewManager(log, 2, spec)

	var mu sync.Mutex
	evicted := map[string]bool{}
	mgr.OnProcExit(func(sessionID string, code int, signal string) {
		mu.Lock()
		evicted[sessionID] = true
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := mgr.GetOrCreateProc(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // let spawnedAt timestamps differ
	if _, err := mgr.GetOrCreateProc(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := mgr.GetOrCreateProc(ctx, "s3"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := evicted["s1"]
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !evicted["s1"] {
		t.Fatal("expected s1 (oldest) to be evicted")
	}
	if evicted["s3"] {
		t.Fatal("s3 (the requesting/newest session) must not be the one evicted")
	}
	if mgr.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", mgr.Len())
	}

	mgr.ReleaseProc("s2")
	mgr.ReleaseProc("s3")
}

func TestManagerReturnsExistingProc(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	spec := func(sessionID string) (Spec, error) {
		calls++
		sessDir := filepath.Join(dir, sessionID)
		os.MkdirAll(sessDir, 0o755)
		return Spec{Command: "sleep", Args: []string{"5"}, Dir: sessDir}, nil
	}
	mgr := NewManager(eventlog.New(new(discard), eventlog.LevelDebug), 0, spec)
	ctx := context.Background()

	p1, err := mgr.GetOrCreateProc(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := mgr.GetOrCreateProc(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("expected the same *LSProc for a repeated session id")
	}
	if calls != 1 {
		t.Errorf("specFunc called %d times, want 1", calls)
	}
	mgr.ReleaseProc("s1")
}

// discard is an io.Writer that drops everything, used to keep test logs
// out of `go test -v` output.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
