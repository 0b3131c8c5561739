package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vtlsp/bridge/internal/protocol"
)

type recordingSender struct {
	mu    sync.Mutex
	notes []struct {
		method string
		params any
	}
	failNext bool
}

func (s *recordingSender) Notify(method string, params any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("simulated transport failure")
	}
	s.notes = append(s.notes, struct {
		method string
		params any
	}{method, params})
	return nil
}

func (s *recordingSender) changeParams(i int) protocol.DidChangeTextDocumentParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[i].params.(protocol.DidChangeTextDocumentParams)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestOnViewUpdateSendsDidChange(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	ds.OnViewUpdate("hello world")
	waitFor(t, func() bool { return sender.count() == 1 })

	got := sender.changeParams(0)
	if got.ContentChanges[0].Text != "hello world" {
		t.Errorf("sent text = %q", got.ContentChanges[0].Text)
	}
	if got.TextDocument.Version != 2 {
		t.Errorf("sent version = %d, want 2", got.TextDocument.Version)
	}
}

func TestOnViewUpdateNoOpWhenTextUnchanged(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	ds.OnViewUpdate("hello")
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Errorf("expected no didChange for an unchanged buffer, got %d", sender.count())
	}
	if ds.Version() != 1 {
		t.Errorf("version should not bump on a no-op update, got %d", ds.Version())
	}
}

func TestBurstOfEditsCollapsesToOneSend(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "a", sender, nil)
	defer ds.Close()

	// Hold the lock so the worker cannot drain edits as they arrive,
	// forcing them to collapse into whatever is current when released.
	done := make(chan struct{})
	go func() {
		DoWithLock(ds, time.Second, func(string, int32) (struct{}, error) {
			<-done
			return struct{}{}, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	ds.OnViewUpdate("ab")
	ds.OnViewUpdate("abc")
	ds.OnViewUpdate("abcd")
	close(done)

	waitFor(t, func() bool { return sender.count() >= 1 })
	time.Sleep(50 * time.Millisecond) // let any further (unwanted) sends land

	if sender.count() != 1 {
		t.Fatalf("expected exactly one collapsed send, got %d", sender.count())
	}
	got := sender.changeParams(0)
	if got.ContentChanges[0].Text != "abcd" {
		t.Errorf("collapsed send text = %q, want the latest snapshot", got.ContentChanges[0].Text)
	}
}

func TestSyncChangesReturnsFalseWhenNothingPending(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	if ds.SyncChanges() {
		t.Error("SyncChanges should be a no-op with no pending edits")
	}
}

func TestDoWithLockBlocksDidChangeUntilReleased(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	release := make(chan struct{})
	lockAcquired := make(chan struct{})
	go func() {
		DoWithLock(ds, time.Second, func(text string, version int32) (struct{}, error) {
			close(lockAcquired)
			<-release
			return struct{}{}, nil
		})
	}()
	<-lockAcquired

	ds.OnViewUpdate("hello there")
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Error("didChange must not reach the server while the lock is held")
	}

	close(release)
	waitFor(t, func() bool { return sender.count() == 1 })
}

func TestDoWithLockTimesOut(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	release := make(chan struct{})
	lockAcquired := make(chan struct{})
	go func() {
		DoWithLock(ds, time.Second, func(string, int32) (struct{}, error) {
			close(lockAcquired)
			<-release
			return struct{}{}, nil
		})
	}()
	<-lockAcquired
	defer close(release)

	_, err := DoWithLock(ds, 20*time.Millisecond, func(string, int32) (struct{}, error) {
		return struct{}{}, nil
	})
	if err == nil {
		t.Fatal("expected a lock timeout error")
	}
}

func TestTransportFailureDoesNotWedgeTheWorker(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	sender.mu.Lock()
	sender.failNext = true
	sender.mu.Unlock()

	ds.OnViewUpdate("hello there")
	time.Sleep(50 * time.Millisecond) // the failed send must not mark lastSent
	if sender.count() != 0 {
		t.Fatalf("expected the failed send to produce no recorded note, got %d", sender.count())
	}

	ds.OnViewUpdate("hello there again")
	waitFor(t, func() bool { return sender.count() == 1 })
	got := sender.changeParams(0)
	if got.ContentChanges[0].Text != "hello there again" {
		t.Errorf("retry did not carry the latest snapshot: %q", got.ContentChanges[0].Text)
	}
}

func TestSendDidOpenAndDidClose(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	if err := ds.SendDidOpen(); err != nil {
		t.Fatal(err)
	}
	if err := ds.SendDidClose(); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("expected didOpen+didClose, got %d notifications", sender.count())
	}

	sender.mu.Lock()
	openParams := sender.notes[0].params.(protocol.DidOpenTextDocumentParams)
	closeParams := sender.notes[1].params.(protocol.DidCloseTextDocumentParams)
	sender.mu.Unlock()

	if openParams.TextDocument.Text != "hello" {
		t.Errorf("didOpen text = %q", openParams.TextDocument.Text)
	}
	if closeParams.TextDocument.URI != "file:///a.ts" {
		t.Errorf("didClose uri = %q", closeParams.TextDocument.URI)
	}
}

// fakeRequester implements Requester for RequestWithLock's test.
type fakeRequester struct{ result json.RawMessage }

func (f *fakeRequester) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f.result, nil
}

func TestRequestWithLockReturnsClientResult(t *testing.T) {
	sender := &recordingSender{}
	ds := New("file:///a.ts", "typescript", "hello", sender, nil)
	defer ds.Close()

	client := &fakeRequester{result: json.RawMessage(`{"ok":true}`)}
	got, err := RequestWithLock(context.Background(), ds, client, time.Second, "textDocument/hover", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("got %s", got)
	}
}
