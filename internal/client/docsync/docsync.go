// Package docsync implements DocumentSync (spec.md §4.1): a single-flight
// queue that keeps a server's view of one document's version equal to
// the newest accepted edit, and a cooperative lock feature requests use
// to get a quiescent snapshot without racing the sync worker.
package docsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vtlsp/bridge/internal/bridgeerr"
	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/protocol"
)

// DefaultLockTimeout is doWithLock's timeout when the caller passes <= 0.
const DefaultLockTimeout = 5 * time.Second

// Sender is the notify half of LSClient that DocumentSync depends on.
type Sender interface {
	Notify(method string, params any) error
}

// Requester is the request half of LSClient, used by RequestWithLock.
type Requester interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// DocumentSync owns one document's version counter and text buffer and
// serializes its didOpen/didChange/didClose traffic (spec.md §5:
// "Only one didChange may be in flight").
type DocumentSync struct {
	uri        protocol.DocumentUri
	languageID string
	sender     Sender
	log        *eventlog.Logger

	mu       sync.Mutex
	version  int32
	text     string
	lastSent string
	opened   bool
	closed   bool

	// token is a capacity-1 mutex: held for the duration of an in-flight
	// didChange send and for the duration of a doWithLock section, so
	// the two can never overlap (spec.md §4.1 "Lock safety").
	token chan struct{}
	dirty chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// New constructs a DocumentSync for uri, starting at version 1 with
// initialText, and starts its background sync worker. log may be nil.
func New(uri protocol.DocumentUri, languageID, initialText string, sender Sender, log *eventlog.Logger) *DocumentSync {
	ds := &DocumentSync{
		uri:        uri,
		languageID: languageID,
		sender:     sender,
		log:        log,
		version:    1,
		text:       initialText,
		lastSent:   initialText,
		token:      make(chan struct{}, 1),
		dirty:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	ds.token <- struct{}{}
	go ds.worker()
	return ds
}

// Close stops the sync worker. It does not itself send didClose; call
// SendDidClose first if the server needs to hear it.
func (ds *DocumentSync) Close() {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	ds.closed = true
	ds.mu.Unlock()
	close(ds.stop)
	<-ds.done
}

// URI returns the document's identifying URI.
func (ds *DocumentSync) URI() protocol.DocumentUri { return ds.uri }

// Version returns the current (not necessarily yet-sent) document version.
func (ds *DocumentSync) Version() int32 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.version
}

// Text returns the current (not necessarily yet-sent) document text.
func (ds *DocumentSync) Text() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.text
}

// OnViewUpdate records a new document snapshot and wakes the sync worker
// if the text actually changed. No-op when text is unchanged (spec.md
// §4.1 "Idempotent quiescence").
func (ds *DocumentSync) OnViewUpdate(text string) {
	ds.mu.Lock()
	if text == ds.text {
		ds.mu.Unlock()
		return
	}
	ds.version++
	ds.text = text
	ds.mu.Unlock()
	ds.signalDirty()
}

func (ds *DocumentSync) signalDirty() {
	select {
	case ds.dirty <- struct{}{}:
	default:
	}
}

func (ds *DocumentSync) worker() {
	defer close(ds.done)
	for {
		select {
		case <-ds.stop:
			return
		case <-ds.dirty:
			if _, err := ds.doSend(); err != nil && ds.log != nil {
				ds.log.Warn("didChange failed; will retry on next edit",
					eventlog.String("uri", ds.uri), eventlog.Err(err))
			}
		}
	}
}

// SyncChanges sends one didChange carrying the current text if it
// differs from the last sent text, bumping the document's sent-version
// marker. Returns true if a notification was actually sent.
func (ds *DocumentSync) SyncChanges() bool {
	sent, err := ds.doSend()
	if err != nil && ds.log != nil {
		ds.log.Warn("didChange failed", eventlog.String("uri", ds.uri), eventlog.Err(err))
	}
	return sent
}

// doSend acquires the token (waiting out any held lock or in-flight
// send), and if the buffered text differs from what was last sent,
// emits one didChange for it.
func (ds *DocumentSync) doSend() (bool, error) {
	select {
	case <-ds.token:
	case <-ds.stop:
		return false, bridgeerr.New(bridgeerr.KindTransportClosed, "document closed", nil)
	}
	defer func() { ds.token <- struct{}{} }()

	ds.mu.Lock()
	text, version, lastSent := ds.text, ds.version, ds.lastSent
	ds.mu.Unlock()
	if text == lastSent {
		return false, nil
	}

	params := protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: ds.uri},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	}
	if err := ds.sender.Notify("textDocument/didChange", params); err != nil {
		return false, err
	}

	ds.mu.Lock()
	ds.lastSent = text
	ds.mu.Unlock()
	return true, nil
}

// SendDidOpen sends textDocument/didOpen for the current snapshot.
func (ds *DocumentSync) SendDidOpen() error {
	ds.mu.Lock()
	text, version := ds.text, ds.version
	ds.mu.Unlock()

	params := protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        ds.uri,
			LanguageID: ds.languageID,
			Version:    version,
			Text:       text,
		},
	}
	if err := ds.sender.Notify("textDocument/didOpen", params); err != nil {
		return err
	}
	ds.mu.Lock()
	ds.opened = true
	ds.lastSent = text
	ds.mu.Unlock()
	return nil
}

// SendDidClose sends textDocument/didClose.
func (ds *DocumentSync) SendDidClose() error {
	params := protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: ds.uri},
	}
	return ds.sender.Notify("textDocument/didClose", params)
}

// DoWithLock freezes outgoing didChange emission, waits for any in-flight
// sync to settle, then invokes fn with the current (text, version)
// snapshot. timeout <= 0 uses DefaultLockTimeout; exceeding it returns
// bridgeerr.ErrLockTimeout and fn is never called. After fn returns, the
// worker resumes and is nudged to flush any edits that accumulated while
// locked (spec.md §4.1 "Lock safety").
//
// Go methods cannot carry type parameters, so this is a free function
// rather than a method on *DocumentSync.
func DoWithLock[T any](ds *DocumentSync, timeout time.Duration, fn func(text string, version int32) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	select {
	case <-ds.token:
	case <-time.After(timeout):
		return zero, bridgeerr.New(bridgeerr.KindLockTimeout, "doWithLock", nil)
	case <-ds.stop:
		return zero, bridgeerr.New(bridgeerr.KindTransportClosed, "document closed", nil)
	}
	defer func() {
		ds.token <- struct{}{}
		ds.signalDirty()
	}()

	ds.mu.Lock()
	text, version := ds.text, ds.version
	ds.mu.Unlock()
	return fn(text, version)
}

// RequestWithLock is shorthand for DoWithLock(ds, timeout, func(...) {
// return client.Request(ctx, method, params) }).
func RequestWithLock(ctx context.Context, ds *DocumentSync, client Requester, timeout time.Duration, method string, params any) (json.RawMessage, error) {
	return DoWithLock(ds, timeout, func(string, int32) (json.RawMessage, error) {
		return client.Request(ctx, method, params)
	})
}
