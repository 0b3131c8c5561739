// Package lspproxy implements LSPProxy (spec.md §4.13): the per-session
// JSON-RPC engine sitting between MessageMux and an LSProc's stdio. It
// applies URI conversion, exact/catch-all/global handlers, and
// exact/catch-all/global middleware, in that order, in both directions,
// and replays a cached `initialize` result to new connections on the
// same session.
package lspproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/proxy/vturi"
)

// Direction is which way a message is travelling through the pipeline.
type Direction int

const (
	// ClientToProc: a message from a browser connection, about to be sent
	// to the language-server child.
	ClientToProc Direction = iota
	// ProcToClient: a message from the child, about to be sent to a
	// browser connection.
	ProcToClient
)

// cancelResponse is the sentinel spec.md §4.13 calls `cancel_response`:
// returned by a Handler or Middleware to silently drop a message.
var cancelResponse = &struct{}{}

// CancelResponse is the sentinel a Handler or Middleware returns to
// silently drop the in-flight message (spec.md §4.13).
func CancelResponse() any { return cancelResponse }

func isCancel(v any) bool { return v == cancelResponse }

// Handler answers requests/notifications of a given method without
// consulting the child process. Returning handled=false lets the
// pipeline fall through to the next handler/middleware stage.
type Handler func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (result any, handled bool, err error)

// ParamsMiddleware mutates (or cancels) a message's params before it is
// forwarded to the opposite side.
type ParamsMiddleware func(ctx context.Context, dir Direction, method string, params json.RawMessage) (newParams json.RawMessage, cancel bool, err error)

// ResultMiddleware mutates (or cancels) a response's result, given the
// original (pre-middleware) params of the request it answers, for
// context (spec.md §4.13).
type ResultMiddleware func(ctx context.Context, dir Direction, method string, originalParams, result json.RawMessage) (newResult json.RawMessage, cancel bool, err error)

type registry struct {
	exactHandlers        map[string][]Handler
	requestCatchAll      []Handler
	notificationCatchAll []Handler
	globalHandlers       []Handler

	exactParamsMW   map[string][]ParamsMiddleware
	requestParamsMW []ParamsMiddleware
	notifyParamsMW  []ParamsMiddleware
	globalParamsMW  []ParamsMiddleware

	exactResultMW  map[string][]ResultMiddleware
	globalResultMW []ResultMiddleware
}

func newRegistry() *registry {
	return &registry{
		exactHandlers: make(map[string][]Handler),
		exactParamsMW: make(map[string][]ParamsMiddleware),
		exactResultMW: make(map[string][]ResultMiddleware),
	}
}

// pendingCall is remembered between a forwarded call and its response, so
// response-side middleware can see the method and the request's original
// (pre-middleware) params for context, per spec.md §4.13.
type pendingCall struct {
	method         string
	originalParams json.RawMessage
	dir            Direction
}

// Proxy is one session's LSPProxy.
type Proxy struct {
	log  *eventlog.Logger
	reg  *registry
	vt   vturi.Translator
	send Sender // how to hand a forwarded message to the opposite side

	mu               sync.Mutex
	pending          map[string]pendingCall
	cachedInitialize json.RawMessage
	initializedSent  bool
}

// Sender hands a fully-processed message to the opposite side: proc
// stdin for ClientToProc, or the session's MessageMux broadcast for
// ProcToClient.
type Sender interface {
	SendToProc(jsonrpc2.Message) error
	SendToClients(jsonrpc2.Message)
}

// New constructs a Proxy for one session.
func New(log *eventlog.Logger, vt vturi.Translator, send Sender) *Proxy {
	return &Proxy{
		log:     log,
		reg:     newRegistry(),
		vt:      vt,
		send:    send,
		pending: make(map[string]pendingCall),
	}
}

// Handle registers an exact-method handler.
func (p *Proxy) Handle(method string, h Handler) {
	p.reg.exactHandlers[method] = append(p.reg.exactHandlers[method], h)
}

// HandleRequests registers a catch-all handler for any call (non-notification).
func (p *Proxy) HandleRequests(h Handler) { p.reg.requestCatchAll = append(p.reg.requestCatchAll, h) }

// HandleNotifications registers a catch-all handler for any notification.
func (p *Proxy) HandleNotifications(h Handler) {
	p.reg.notificationCatchAll = append(p.reg.notificationCatchAll, h)
}

// HandleAny registers a global handler consulted after the other tiers.
func (p *Proxy) HandleAny(h Handler) { p.reg.globalHandlers = append(p.reg.globalHandlers, h) }

// UseParams registers exact-method params middleware.
func (p *Proxy) UseParams(method string, mw ParamsMiddleware) {
	p.reg.exactParamsMW[method] = append(p.reg.exactParamsMW[method], mw)
}

// UseRequestParams registers request/* catch-all params middleware.
func (p *Proxy) UseRequestParams(mw ParamsMiddleware) { p.reg.requestParamsMW = append(p.reg.requestParamsMW, mw) }

// UseNotificationParams registers notification/* catch-all params middleware.
func (p *Proxy) UseNotificationParams(mw ParamsMiddleware) {
	p.reg.notifyParamsMW = append(p.reg.notifyParamsMW, mw)
}

// UseAnyParams registers global (*) params middleware.
func (p *Proxy) UseAnyParams(mw ParamsMiddleware) { p.reg.globalParamsMW = append(p.reg.globalParamsMW, mw) }

// UseResult registers exact-method result middleware.
func (p *Proxy) UseResult(method string, mw ResultMiddleware) {
	p.reg.exactResultMW[method] = append(p.reg.exactResultMW[method], mw)
}

// UseAnyResult registers global (*) result middleware.
func (p *Proxy) UseAnyResult(mw ResultMiddleware) { p.reg.globalResultMW = append(p.reg.globalResultMW, mw) }

// convertURIDirection returns the conversion function for dir: client->proc
// is virtual->real, proc->client is real->virtual (spec.md §4.13 step 1).
func (p *Proxy) convertURIDirection(dir Direction) func(string) string {
	if dir == ClientToProc {
		return p.vt.VirtualToReal
	}
	return p.vt.RealToVirtual
}

func convertParams(params json.RawMessage, convert func(string) string) (json.RawMessage, error) {
	if len(params) == 0 {
		return params, nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return params, nil // not structured JSON; leave untouched
	}
	converted := vturi.ConvertStrings(v, convert)
	return json.Marshal(converted)
}

// Ingest processes one message arriving from dir's origin and is the
// single entry point MessageMux/LSProc wiring calls for every frame.
func (p *Proxy) Ingest(ctx context.Context, dir Direction, msg jsonrpc2.Message) error {
	switch m := msg.(type) {
	case *jsonrpc2.Request:
		return p.ingestRequest(ctx, dir, m)
	case *jsonrpc2.Response:
		return p.ingestResponse(ctx, dir, m)
	default:
		return fmt.Errorf("lspproxy: unknown message type %T", msg)
	}
}

func (p *Proxy) ingestRequest(ctx context.Context, dir Direction, req *jsonrpc2.Request) error {
	convert := p.convertURIDirection(dir)
	params, err := convertParams(req.Params, convert)
	if err != nil {
		return err
	}
	originalParams := params

	// Cached initialize replay: a reconnecting tab gets the first
	// successful result without re-querying the child (spec.md §4.13).
	if req.Method == "initialize" && dir == ClientToProc {
		p.mu.Lock()
		cached := p.cachedInitialize
		p.mu.Unlock()
		if cached != nil {
			p.send.SendToClients(&jsonrpc2.Response{ID: req.ID, Result: cached})
			return nil
		}
	}

	if result, handled, err := p.runHandlers(ctx, dir, req, params); err != nil {
		return err
	} else if handled {
		if isCancel(result) {
			return nil
		}
		if req.IsCall() {
			resp, err := jsonrpc2.NewResponse(req.ID, result, nil)
			if err != nil {
				return err
			}
			return p.deliverResponse(dir, resp)
		}
		return nil
	}

	newParams, cancelled, err := p.runParamsMiddleware(ctx, dir, req.Method, params, req.IsCall())
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	if req.IsCall() {
		p.mu.Lock()
		p.pending[req.ID.String()] = pendingCall{method: req.Method, originalParams: originalParams, dir: dir}
		p.mu.Unlock()
	}

	forwarded := &jsonrpc2.Request{ID: req.ID, Method: req.Method, Params: newParams}
	return p.forward(dir, forwarded)
}

func (p *Proxy) deliverResponse(originDir Direction, resp *jsonrpc2.Response) error {
	// A request handled locally is answered back the way it arrived: a
	// client->proc call gets answered to the clients; a proc->client call
	// (rare: server-initiated requests the proxy intercepts) gets
	// answered to the process.
	if originDir == ClientToProc {
		p.send.SendToClients(resp)
		return nil
	}
	return p.send.SendToProc(resp)
}

func (p *Proxy) forward(dir Direction, msg jsonrpc2.Message) error {
	if dir == ClientToProc {
		return p.send.SendToProc(msg)
	}
	p.send.SendToClients(msg)
	return nil
}

func (p *Proxy) runHandlers(ctx context.Context, dir Direction, req *jsonrpc2.Request, params json.RawMessage) (any, bool, error) {
	withParams := &jsonrpc2.Request{ID: req.ID, Method: req.Method, Params: params}
	tiers := [][]Handler{p.reg.exactHandlers[req.Method]}
	if req.IsCall() {
		tiers = append(tiers, p.reg.requestCatchAll)
	} else {
		tiers = append(tiers, p.reg.notificationCatchAll)
	}
	tiers = append(tiers, p.reg.globalHandlers)

	for _, tier := range tiers {
		for _, h := range tier {
			result, handled, err := h(ctx, dir, withParams)
			if err != nil {
				return nil, false, err
			}
			if handled {
				return result, true, nil
			}
		}
	}
	return nil, false, nil
}

func (p *Proxy) runParamsMiddleware(ctx context.Context, dir Direction, method string, params json.RawMessage, isCall bool) (json.RawMessage, bool, error) {
	chains := [][]ParamsMiddleware{p.reg.exactParamsMW[method]}
	if isCall {
		chains = append(chains, p.reg.requestParamsMW)
	} else {
		chains = append(chains, p.reg.notifyParamsMW)
	}
	chains = append(chains, p.reg.globalParamsMW)

	current := params
	for _, chain := range chains {
		for _, mw := range chain {
			next, cancel, err := mw(ctx, dir, method, current)
			if err != nil {
				return nil, false, err
			}
			if cancel {
				return nil, true, nil
			}
			if next != nil {
				current = next
			}
		}
	}
	return current, false, nil
}

func (p *Proxy) runResultMiddleware(ctx context.Context, dir Direction, method string, originalParams, result json.RawMessage) (json.RawMessage, bool, error) {
	chains := [][]ResultMiddleware{p.reg.exactResultMW[method], p.reg.globalResultMW}
	current := result
	for _, chain := range chains {
		for _, mw := range chain {
			next, cancel, err := mw(ctx, dir, method, originalParams, current)
			if err != nil {
				return nil, false, err
			}
			if cancel {
				return nil, true, nil
			}
			if next != nil {
				current = next
			}
		}
	}
	return current, false, nil
}

func (p *Proxy) ingestResponse(ctx context.Context, arrivingFrom Direction, resp *jsonrpc2.Response) error {
	idStr := resp.ID.String()
	p.mu.Lock()
	call, ok := p.pending[idStr]
	if ok {
		delete(p.pending, idStr)
	}
	p.mu.Unlock()
	if !ok {
		// No pending call recorded (e.g. a notification-shaped response, or
		// an id we never forwarded); pass through unmodified.
		return p.forward(opposite(arrivingFrom), resp)
	}

	// The response travels the direction opposite its originating request.
	respDir := opposite(call.dir)

	if resp.Error != nil {
		return p.forward(respDir, resp)
	}

	convert := p.convertURIDirection(respDir)
	converted, err := convertParams(resp.Result, convert)
	if err != nil {
		return err
	}

	newResult, cancelled, err := p.runResultMiddleware(ctx, respDir, call.method, call.originalParams, converted)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	if call.method == "initialize" && call.dir == ClientToProc {
		p.mu.Lock()
		p.cachedInitialize = newResult
		p.mu.Unlock()
	}

	out := &jsonrpc2.Response{ID: resp.ID, Result: newResult, Error: resp.Error}
	return p.forward(respDir, out)
}

func opposite(dir Direction) Direction {
	if dir == ClientToProc {
		return ProcToClient
	}
	return ClientToProc
}

// MarkInitializedSent records that the `initialized` notification has
// been forwarded for this session, so a second connection's duplicate
// send can be suppressed by a handler (spec.md §4.13).
func (p *Proxy) MarkInitializedSent() {
	p.mu.Lock()
	p.initializedSent = true
	p.mu.Unlock()
}

// InitializedSent reports whether `initialized` has already been sent.
func (p *Proxy) InitializedSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializedSent
}
