package lspclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vtlsp/bridge/internal/jsonrpc2"
)

// fakeTransport is an in-memory transport.Transport double: Send
// records outgoing messages and a test can deliver inbound ones by
// calling deliver directly.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []jsonrpc2.Message
	onMessage func(jsonrpc2.Message)
	onError   func(error)
	closed    bool
}

func (f *fakeTransport) Send(msg jsonrpc2.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SetHandler(onMessage func(jsonrpc2.Message), onError func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = onMessage
	f.onError = onError
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(msg jsonrpc2.Message) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(msg)
}

func (f *fakeTransport) last() jsonrpc2.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRequestSuspendsUntilResponse(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	done := make(chan struct{})
	var result json.RawMessage
	go func() {
		var err error
		result, err = c.Request(context.Background(), "initialize", nil)
		if err != nil {
			t.Error(err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	req := ft.last().(*jsonrpc2.Request)
	resp, err := jsonrpc2.NewResponse(req.ID, json.RawMessage(`{"capabilities":{}}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	ft.deliver(resp)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request never returned")
	}
	if string(result) != `{"capabilities":{}}` {
		t.Errorf("result = %s", result)
	}
}

func TestNonInitializeRequestWaitsForInitialize(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	requestDone := make(chan struct{})
	go func() {
		c.Request(context.Background(), "textDocument/hover", nil)
		close(requestDone)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-requestDone:
		t.Fatal("hover request returned before Initialize completed")
	default:
	}

	go func() {
		c.Initialize(context.Background(), "file:///", nil)
	}()
	time.Sleep(20 * time.Millisecond)
	// Only initialize has been sent; hover is held until Initialize completes.
	if ft.count() < 1 {
		t.Fatal("expected at least the initialize call to have been sent")
	}
	var initReq *jsonrpc2.Request
	ft.mu.Lock()
	for _, m := range ft.sent {
		if r, ok := m.(*jsonrpc2.Request); ok && r.Method == "initialize" {
			initReq = r
		}
	}
	ft.mu.Unlock()
	if initReq == nil {
		t.Fatal("initialize was never sent")
	}
	resp, _ := jsonrpc2.NewResponse(initReq.ID, json.RawMessage(`{"capabilities":{"hoverProvider":true}}`), nil)
	ft.deliver(resp)

	// Once Initialize completes, the hover request goes out and waits for
	// its own response.
	var hoverReq *jsonrpc2.Request
	deadline := time.Now().Add(2 * time.Second)
	for hoverReq == nil && time.Now().Before(deadline) {
		ft.mu.Lock()
		for _, m := range ft.sent {
			if r, ok := m.(*jsonrpc2.Request); ok && r.Method == "textDocument/hover" {
				hoverReq = r
			}
		}
		ft.mu.Unlock()
		if hoverReq == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if hoverReq == nil {
		t.Fatal("hover request was never sent after Initialize")
	}
	hoverResp, _ := jsonrpc2.NewResponse(hoverReq.ID, json.RawMessage(`null`), nil)
	ft.deliver(hoverResp)

	select {
	case <-requestDone:
	case <-time.After(2 * time.Second):
		t.Fatal("hover request never unblocked after Initialize")
	}
}

func TestRequestCancelledByContext(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)
	c.initOnce.Do(func() { close(c.initialized) }) // pretend already initialized

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, "textDocument/hover", nil)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestNotifyFansOutToHandlers(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	received := make(chan string, 1)
	c.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	notif, _ := jsonrpc2.NewNotification("textDocument/publishDiagnostics", map[string]any{"uri": "file:///a.ts"})
	ft.deliver(notif)

	select {
	case m := <-received:
		if m != "textDocument/publishDiagnostics" {
			t.Errorf("got %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestOnNotificationDisposerRemovesHandler(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	var calls int
	dispose := c.OnNotification(func(string, json.RawMessage) { calls++ })
	dispose()

	notif, _ := jsonrpc2.NewNotification("x", nil)
	ft.deliver(notif)
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Errorf("handler fired %d times after disposal", calls)
	}
}

func TestRequestHandlerRespondsToServerRequest(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	c.OnRequest(func(method string, params json.RawMessage) (any, bool, error) {
		if method != "workspace/applyEdit" {
			return nil, false, nil
		}
		return map[string]any{"applied": true}, true, nil
	})

	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(99), "workspace/applyEdit", nil)
	ft.deliver(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ft.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, ok := ft.last().(*jsonrpc2.Response)
	if !ok {
		t.Fatalf("expected a *Response, got %T", ft.last())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if string(resp.Result) != `{"applied":true}` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestUnclaimedServerRequestGetsMethodNotFound(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "some/unknownMethod", nil)
	ft.deliver(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ft.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp := ft.last().(*jsonrpc2.Response)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestInitializeStoresCapabilitiesAndSendsInitialized(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		initReq := ft.last().(*jsonrpc2.Request)
		resp, _ := jsonrpc2.NewResponse(initReq.ID, json.RawMessage(`{"capabilities":{"hoverProvider":true}}`), nil)
		ft.deliver(resp)
	}()

	caps, err := c.Initialize(context.Background(), "file:///", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !caps.HoverProvider {
		t.Error("expected HoverProvider to be true")
	}
	if c.Capabilities().HoverProvider != true {
		t.Error("Capabilities() did not persist the negotiated result")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	var sawInitialized bool
	for _, m := range ft.sent {
		if r, ok := m.(*jsonrpc2.Request); ok && r.Method == "initialized" {
			sawInitialized = true
		}
	}
	if !sawInitialized {
		t.Error("expected an \"initialized\" notification to be sent")
	}
}

func TestChangeTransportReregistersHandlers(t *testing.T) {
	ft1 := &fakeTransport{}
	c := New(ft1, nil)

	received := make(chan string, 1)
	c.OnNotification(func(method string, _ json.RawMessage) { received <- method })

	ft2 := &fakeTransport{}
	c.ChangeTransport(ft2)

	if err := c.Notify("foo", nil); err != nil {
		t.Fatal(err)
	}
	if ft2.count() != 1 {
		t.Fatalf("expected Notify to go through the new transport, ft2 has %d sent", ft2.count())
	}
	if ft1.count() != 0 {
		t.Errorf("expected the old transport to receive nothing after ChangeTransport, got %d", ft1.count())
	}

	notif, _ := jsonrpc2.NewNotification("bar", nil)
	ft2.deliver(notif)
	select {
	case m := <-received:
		if m != "bar" {
			t.Errorf("got %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not re-registered on the new transport")
	}
}
