// Package lspclient implements LSClient (spec.md §4.2): JSON-RPC over a
// pluggable transport.Transport, tracking negotiated ServerCapabilities
// and fanning notifications/requests out to feature handlers.
package lspclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vtlsp/bridge/internal/bridgeerr"
	"github.com/vtlsp/bridge/internal/client/transport"
	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/protocol"
)

// NotificationHandler observes one inbound notification. Return value is
// ignored; handlers run in registration order on the transport's read
// goroutine, so a slow handler delays the next message's dispatch.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler may claim a server-initiated request. The first
// registered handler that returns handled=true supplies the response;
// if none claims it, LSClient replies with a MethodNotFound error.
type RequestHandler func(method string, params json.RawMessage) (result any, handled bool, err error)

// ErrorHandler observes transport-level failures (disconnects, framing
// errors).
type ErrorHandler func(err error)

type subscription[T any] struct {
	id      uint64
	handler T
}

// LSClient is the editor-side JSON-RPC engine. The zero value is not
// usable; construct with New.
type LSClient struct {
	log *eventlog.Logger

	mu        sync.Mutex
	transport transport.Transport
	nextReqID int64
	nextSubID uint64
	pending   map[string]chan *jsonrpc2.Response

	notificationHandlers []subscription[NotificationHandler]
	requestHandlers      []subscription[RequestHandler]
	errorHandlers        []subscription[ErrorHandler]

	caps        protocol.ServerCapabilities
	initialized chan struct{}
	initOnce    sync.Once
}

// New constructs an LSClient bound to t. Call Initialize before issuing
// any non-"initialize" request; Request blocks on it automatically.
func New(t transport.Transport, log *eventlog.Logger) *LSClient {
	c := &LSClient{
		log:         log,
		transport:   t,
		pending:     make(map[string]chan *jsonrpc2.Response),
		initialized: make(chan struct{}),
	}
	t.SetHandler(c.handleIncoming, c.handleError)
	return c
}

// ChangeTransport hot-swaps the underlying transport, re-registering
// LSClient's handlers on the new one (spec.md §4.2). Pending requests
// issued against the old transport are left to time out via their own
// context; ChangeTransport does not resend them.
func (c *LSClient) ChangeTransport(t transport.Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	t.SetHandler(c.handleIncoming, c.handleError)
}

// OnNotification registers handler and returns a disposer that removes it.
func (c *LSClient) OnNotification(handler NotificationHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.notificationHandlers = append(c.notificationHandlers, subscription[NotificationHandler]{id, handler})
	c.mu.Unlock()
	return func() { c.removeNotificationHandler(id) }
}

func (c *LSClient) removeNotificationHandler(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.notificationHandlers {
		if s.id == id {
			c.notificationHandlers = append(c.notificationHandlers[:i], c.notificationHandlers[i+1:]...)
			return
		}
	}
}

// OnRequest registers handler and returns a disposer that removes it.
func (c *LSClient) OnRequest(handler RequestHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.requestHandlers = append(c.requestHandlers, subscription[RequestHandler]{id, handler})
	c.mu.Unlock()
	return func() { c.removeRequestHandler(id) }
}

func (c *LSClient) removeRequestHandler(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.requestHandlers {
		if s.id == id {
			c.requestHandlers = append(c.requestHandlers[:i], c.requestHandlers[i+1:]...)
			return
		}
	}
}

// OnError registers handler and returns a disposer that removes it.
func (c *LSClient) OnError(handler ErrorHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.errorHandlers = append(c.errorHandlers, subscription[ErrorHandler]{id, handler})
	c.mu.Unlock()
	return func() { c.removeErrorHandler(id) }
}

func (c *LSClient) removeErrorHandler(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.errorHandlers {
		if s.id == id {
			c.errorHandlers = append(c.errorHandlers[:i], c.errorHandlers[i+1:]...)
			return
		}
	}
}

// Capabilities returns the capabilities negotiated by the last
// successful Initialize call.
func (c *LSClient) Capabilities() protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Notify sends a fire-and-forget notification.
func (c *LSClient) Notify(method string, params any) error {
	req, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("lspclient: building %s notification: %w", method, err)
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	return t.Send(req)
}

// Request sends method/params and suspends until a response arrives or
// ctx is done. Non-"initialize" requests wait for Initialize to
// complete first (spec.md §4.2 "honors initializePromise").
func (c *LSClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method != "initialize" {
		select {
		case <-c.initialized:
		case <-ctx.Done():
			return nil, bridgeerr.New(bridgeerr.KindRequestCancelled, method, ctx.Err())
		}
	}

	id := jsonrpc2.Int64ID(atomic.AddInt64(&c.nextReqID, 1))
	req, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("lspclient: building %s request: %w", method, err)
	}

	ch := make(chan *jsonrpc2.Response, 1)
	c.mu.Lock()
	c.pending[id.String()] = ch
	t := c.transport
	c.mu.Unlock()

	if err := t.Send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("lspclient: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		c.Notify("$/cancelRequest", map[string]any{"id": id.Raw()})
		return nil, bridgeerr.New(bridgeerr.KindRequestCancelled, method, ctx.Err())
	}
}

// Initialize sends "initialize" with capabilities built from
// DefaultClientCapabilities merged over extra, stores the negotiated
// ServerCapabilities, sends "initialized", and unblocks every request
// that was waiting on it.
func (c *LSClient) Initialize(ctx context.Context, rootURI protocol.DocumentUri, extra map[string]any) (protocol.ServerCapabilities, error) {
	caps := DefaultClientCapabilities()
	for k, v := range extra {
		caps[k] = v
	}
	params := protocol.InitializeParams{
		ProcessID:    nil,
		RootURI:      rootURI,
		Capabilities: caps,
	}
	raw, err := c.Request(ctx, "initialize", params)
	if err != nil {
		return protocol.ServerCapabilities{}, err
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.ServerCapabilities{}, fmt.Errorf("lspclient: decoding initialize result: %w", err)
	}

	c.mu.Lock()
	c.caps = result.Capabilities
	c.mu.Unlock()

	if err := c.Notify("initialized", map[string]any{}); err != nil {
		return result.Capabilities, err
	}
	c.initOnce.Do(func() { close(c.initialized) })
	return result.Capabilities, nil
}

func (c *LSClient) handleIncoming(msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		c.mu.Lock()
		ch, ok := c.pending[m.ID.String()]
		if ok {
			delete(c.pending, m.ID.String())
		}
		c.mu.Unlock()
		if ok {
			ch <- m
		}
		// An unmatched response (late reply to a cancelled/timed-out
		// request) is dropped silently, per spec.md §7.
	case *jsonrpc2.Request:
		if m.IsCall() {
			c.dispatchRequest(m)
		} else {
			c.dispatchNotification(m)
		}
	}
}

func (c *LSClient) dispatchNotification(req *jsonrpc2.Request) {
	c.mu.Lock()
	handlers := append([]subscription[NotificationHandler](nil), c.notificationHandlers...)
	c.mu.Unlock()
	for _, s := range handlers {
		s.handler(req.Method, req.Params)
	}
}

func (c *LSClient) dispatchRequest(req *jsonrpc2.Request) {
	c.mu.Lock()
	handlers := append([]subscription[RequestHandler](nil), c.requestHandlers...)
	t := c.transport
	c.mu.Unlock()

	for _, s := range handlers {
		result, handled, err := s.handler(req.Method, req.Params)
		if !handled {
			continue
		}
		resp, buildErr := jsonrpc2.NewResponse(req.ID, result, err)
		if buildErr != nil {
			if c.log != nil {
				c.log.Warn("building response", eventlog.String("method", req.Method), eventlog.Err(buildErr))
			}
			return
		}
		if sendErr := t.Send(resp); sendErr != nil && c.log != nil {
			c.log.Warn("sending response", eventlog.String("method", req.Method), eventlog.Err(sendErr))
		}
		return
	}

	resp, err := jsonrpc2.NewResponse(req.ID, nil, &jsonrpc2.WireError{Code: -32601, Message: "method not found: " + req.Method})
	if err != nil {
		return
	}
	if sendErr := t.Send(resp); sendErr != nil && c.log != nil {
		c.log.Warn("sending method-not-found response", eventlog.String("method", req.Method), eventlog.Err(sendErr))
	}
}

func (c *LSClient) handleError(err error) {
	c.mu.Lock()
	handlers := append([]subscription[ErrorHandler](nil), c.errorHandlers...)
	c.mu.Unlock()
	for _, s := range handlers {
		s.handler(err)
	}
}

// DefaultClientCapabilities returns the capability set spec.md §4.2
// requires LSClient to advertise: hover/completion markdown, snippet
// support, insert/replace completion edits, code-action literal +
// resolve support for "edit", prepare-rename, dynamic registration for
// synchronization, and signature help with markdown.
func DefaultClientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"synchronization": map[string]any{
				"dynamicRegistration": true,
			},
			"hover": map[string]any{
				"contentFormat": []string{"markdown", "plaintext"},
			},
			"completion": map[string]any{
				"completionItem": map[string]any{
					"snippetSupport":       true,
					"insertReplaceSupport": true,
					"documentationFormat":  []string{"markdown", "plaintext"},
				},
			},
			"codeAction": map[string]any{
				"codeActionLiteralSupport": map[string]any{
					"codeActionKind": map[string]any{
						"valueSet": []string{"", "quickfix", "refactor", "refactor.extract", "refactor.inline", "refactor.rewrite", "source", "source.organizeImports"},
					},
				},
				"resolveSupport": map[string]any{
					"properties": []string{"edit"},
				},
			},
			"rename": map[string]any{
				"prepareSupport": true,
			},
			"signatureHelp": map[string]any{
				"signatureInformation": map[string]any{
					"documentationFormat": []string{"markdown", "plaintext"},
				},
			},
		},
		"workspace": map[string]any{
			"applyEdit": true,
		},
	}
}
