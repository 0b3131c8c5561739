package lspproxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/proxy/vturi"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type recordingSender struct {
	toProc    []jsonrpc2.Message
	toClients []jsonrpc2.Message
}

func (s *recordingSender) SendToProc(msg jsonrpc2.Message) error {
	s.toProc = append(s.toProc, msg)
	return nil
}

func (s *recordingSender) SendToClients(msg jsonrpc2.Message) {
	s.toClients = append(s.toClients, msg)
}

func newTestProxy() (*Proxy, *recordingSender) {
	sender := &recordingSender{}
	vt := vturi.New("/tmp/vtlsp-test")
	p := New(eventlog.New(discard{}, eventlog.LevelDebug), vt, sender)
	return p, sender
}

// TestExactHandlerShortCircuits checks spec.md §4.13 step 2: a handler
// answering a call terminates the pipeline without forwarding to the proc.
func TestExactHandlerShortCircuits(t *testing.T) {
	p, sender := newTestProxy()
	p.Handle("vtlsp/ping", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		return map[string]any{"pid": 1}, true, nil
	})

	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "vtlsp/ping", nil)
	if err := p.Ingest(context.Background(), ClientToProc, req); err != nil {
		t.Fatal(err)
	}
	if len(sender.toProc) != 0 {
		t.Fatalf("expected no forward to proc, got %d", len(sender.toProc))
	}
	if len(sender.toClients) != 1 {
		t.Fatalf("expected one response to clients, got %d", len(sender.toClients))
	}
	resp := sender.toClients[0].(*jsonrpc2.Response)
	if resp.ID.Raw() != int64(1) {
		t.Errorf("wrong response id: %v", resp.ID.Raw())
	}
}

// TestCancelResponseSentinelDropsMessage checks the cancel_response
// sentinel (spec.md §4.13).
func TestCancelResponseSentinelDropsMessage(t *testing.T) {
	p, sender := newTestProxy()
	p.Handle("foo", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		return CancelResponse(), true, nil
	})
	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "foo", nil)
	if err := p.Ingest(context.Background(), ClientToProc, req); err != nil {
		t.Fatal(err)
	}
	if len(sender.toProc) != 0 || len(sender.toClients) != 0 {
		t.Fatalf("expected nothing sent, got toProc=%d toClients=%d", len(sender.toProc), len(sender.toClients))
	}
}

// TestURIConversionClientToProc checks step 1: virtual->real conversion
// before forwarding.
func TestURIConversionClientToProc(t *testing.T) {
	p, sender := newTestProxy()
	params := json.RawMessage(`{"textDocument":{"uri":"file:///a.ts"}}`)
	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "textDocument/hover", nil)
	req.Params = params
	if err := p.Ingest(context.Background(), ClientToProc, req); err != nil {
		t.Fatal(err)
	}
	if len(sender.toProc) != 1 {
		t.Fatalf("expected one forwarded request, got %d", len(sender.toProc))
	}
	fwd := sender.toProc[0].(*jsonrpc2.Request)
	if want := `{"textDocument":{"uri":"file:///tmp/vtlsp-test/a.ts"}}`; string(fwd.Params) != want {
		t.Errorf("params = %s, want %s", fwd.Params, want)
	}
}

// TestResponseRoundTripRunsResultMiddleware checks steps 3-4: a result
// middleware sees the original request params and mutates the forwarded
// response, which is converted back to virtual URIs.
func TestResponseRoundTripRunsResultMiddleware(t *testing.T) {
	p, sender := newTestProxy()
	var sawOriginal json.RawMessage
	p.UseResult("textDocument/hover", func(ctx context.Context, dir Direction, method string, originalParams, result json.RawMessage) (json.RawMessage, bool, error) {
		sawOriginal = originalParams
		return json.RawMessage(`{"contents":"patched"}`), false, nil
	})

	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(7), "textDocument/hover", nil)
	req.Params = json.RawMessage(`{"textDocument":{"uri":"file:///a.ts"}}`)
	if err := p.Ingest(context.Background(), ClientToProc, req); err != nil {
		t.Fatal(err)
	}
	fwd := sender.toProc[0].(*jsonrpc2.Request)

	resp := &jsonrpc2.Response{ID: fwd.ID, Result: json.RawMessage(`{"contents":"file:///a.ts says hi"}`)}
	if err := p.Ingest(context.Background(), ProcToClient, resp); err != nil {
		t.Fatal(err)
	}

	if want := `{"textDocument":{"uri":"file:///tmp/vtlsp-test/a.ts"}}`; string(sawOriginal) != want {
		t.Errorf("result middleware saw wrong original params: %s", sawOriginal)
	}
	if len(sender.toClients) != 1 {
		t.Fatalf("expected one response to clients, got %d", len(sender.toClients))
	}
	out := sender.toClients[0].(*jsonrpc2.Response)
	if string(out.Result) != `{"contents":"patched"}` {
		t.Errorf("result = %s, want patched", out.Result)
	}
	if out.ID.Raw() != int64(7) {
		t.Errorf("response id = %v, want 7", out.ID.Raw())
	}
}

// TestCachedInitializeReplay checks the new-tab replay contract.
func TestCachedInitializeReplay(t *testing.T) {
	p, sender := newTestProxy()
	registerInitializeTag(p) // the serverInfo tag comes from the domain middleware

	req, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "initialize", nil)
	if err := p.Ingest(context.Background(), ClientToProc, req); err != nil {
		t.Fatal(err)
	}
	fwd := sender.toProc[0].(*jsonrpc2.Request)
	resp := &jsonrpc2.Response{ID: fwd.ID, Result: json.RawMessage(`{"capabilities":{},"serverInfo":{"name":"deno-lsp"}}`)}
	if err := p.Ingest(context.Background(), ProcToClient, resp); err != nil {
		t.Fatal(err)
	}
	if len(sender.toClients) != 1 {
		t.Fatalf("expected one response, got %d", len(sender.toClients))
	}
	first := sender.toClients[0].(*jsonrpc2.Response)
	var decoded struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(first.Result, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ServerInfo.Name != "deno-lsp"+proxiedTag {
		t.Errorf("serverInfo.name = %q, want tagged", decoded.ServerInfo.Name)
	}

	// A second connection's initialize is replayed without forwarding.
	req2, _ := jsonrpc2.NewCall(jsonrpc2.Int64ID(99), "initialize", nil)
	if err := p.Ingest(context.Background(), ClientToProc, req2); err != nil {
		t.Fatal(err)
	}
	if len(sender.toProc) != 1 {
		t.Fatalf("expected no second forward to proc, got %d total", len(sender.toProc))
	}
	if len(sender.toClients) != 2 {
		t.Fatalf("expected replayed response, got %d", len(sender.toClients))
	}
	second := sender.toClients[1].(*jsonrpc2.Response)
	if second.ID.Raw() != int64(99) {
		t.Errorf("replayed response id = %v, want 99", second.ID.Raw())
	}
}

// TestNotificationParamsMiddlewareRuns checks that notifications flow
// through params middleware without expecting a response.
func TestNotificationParamsMiddlewareRuns(t *testing.T) {
	p, sender := newTestProxy()
	var sawMethod string
	p.UseNotificationParams(func(ctx context.Context, dir Direction, method string, params json.RawMessage) (json.RawMessage, bool, error) {
		sawMethod = method
		return params, false, nil
	})
	note, _ := jsonrpc2.NewNotification("textDocument/didOpen", nil)
	if err := p.Ingest(context.Background(), ClientToProc, note); err != nil {
		t.Fatal(err)
	}
	if sawMethod != "textDocument/didOpen" {
		t.Errorf("notification middleware did not run, saw %q", sawMethod)
	}
	if len(sender.toProc) != 1 {
		t.Fatalf("expected notification forwarded, got %d", len(sender.toProc))
	}
}
