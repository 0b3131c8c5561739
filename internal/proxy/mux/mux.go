// Package mux implements MessageMux (spec.md §4.12): sharing one LSProc
// between many WebSocket connections bearing the same session id, with
// request-ID rewriting so a response from the child always reaches the
// connection that asked for it and never any other.
package mux

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
)

// Connection is one WebSocket connection's slice of the mux: a consumer
// (process->client) and a producer (client->process), plus the private
// id-rewrite map spec.md §4.12/§3 calls ConnectionState.
type Connection struct {
	id string // opaque connection id, for logging only

	mu      sync.Mutex
	idMap   map[string]jsonrpc2.ID // uuid string -> original client id
	consume func(jsonrpc2.Message) // deliver a message to this connection; nil once removed
}

func newConnection(id string) *Connection {
	return &Connection{id: id, idMap: make(map[string]jsonrpc2.ID)}
}

// Mux multiplexes one session's LSProc across its Connections.
type Mux struct {
	log *eventlog.Logger

	writeToProc func(jsonrpc2.Message) error // serializes writes to the child's stdin

	mu    sync.Mutex
	conns map[string]*Connection
	procEnded bool
}

// New constructs a Mux. writeToProc must serialize its own writes (the
// mux calls it from whichever connection's goroutine is forwarding, never
// concurrently coordinated otherwise — spec.md §5: "only the mux writes
// to stdin").
func New(log *eventlog.Logger, writeToProc func(jsonrpc2.Message) error) *Mux {
	return &Mux{
		log:         log,
		writeToProc: writeToProc,
		conns:       make(map[string]*Connection),
	}
}

// AddConnection registers a new connection, returning a handle used to
// feed inbound client messages and to unregister on close. consume is
// called (from whatever goroutine forwards process output) with every
// message this connection should see.
func (m *Mux) AddConnection(connID string, consume func(jsonrpc2.Message)) *Connection {
	c := newConnection(connID)
	c.consume = consume
	m.mu.Lock()
	m.conns[connID] = c
	m.mu.Unlock()
	return c
}

// RemoveConnection unregisters a connection; its producer stops feeding
// the child's stdin and it stops receiving broadcasts (spec.md §4.12:
// "when a consumer closes, it is simply removed").
func (m *Mux) RemoveConnection(connID string) {
	m.mu.Lock()
	delete(m.conns, connID)
	m.mu.Unlock()
}

// HandleClientMessage processes one message arriving from a connection,
// rewriting call ids before forwarding to the child (spec.md §4.12's
// "key correctness mechanism").
func (m *Mux) HandleClientMessage(conn *Connection, msg jsonrpc2.Message) error {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		// A Response from the client (answering a server->client request)
		// needs no id rewrite: the server issued that id directly.
		return m.writeToProc(msg)
	}
	if !req.IsCall() {
		return m.writeToProc(req) // notification, forward as-is
	}

	newID := jsonrpc2.StringID(uuid.NewString())
	conn.mu.Lock()
	conn.idMap[newID.String()] = req.ID
	conn.mu.Unlock()

	rewritten := &jsonrpc2.Request{ID: newID, Method: req.Method, Params: req.Params}
	return m.writeToProc(rewritten)
}

// HandleProcMessage processes one message arriving from the child process,
// delivering a response only to the connection that owns its id, and
// broadcasting notifications and server-initiated requests to everyone
// (spec.md §4.12).
func (m *Mux) HandleProcMessage(msg jsonrpc2.Message) {
	resp, isResponse := msg.(*jsonrpc2.Response)
	if !isResponse {
		m.broadcast(msg)
		return
	}

	idStr := resp.ID.String()
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		orig, ok := c.idMap[idStr]
		if ok {
			delete(c.idMap, idStr)
		}
		consume := c.consume
		c.mu.Unlock()
		if ok {
			if consume != nil {
				consume(&jsonrpc2.Response{ID: orig, Result: resp.Result, Error: resp.Error})
			}
			return
		}
	}
	// No connection owns this id: it belongs to a connection that has
	// since disconnected. Drop it (spec.md §4.12).
	m.log.Debug("dropping response for unknown connection", eventlog.String("id", idStr))
}

func (m *Mux) broadcast(msg jsonrpc2.Message) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		consume := c.consume
		c.mu.Unlock()
		if consume != nil {
			consume(msg)
		}
	}
}

// EndAll marks every connection's consumer as ended, used when the
// child's stdout closes (spec.md §4.12: "when stdout ends, all consumers
// are ended").
func (m *Mux) EndAll(onEnd func(connID string)) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.procEnded = true
	m.mu.Unlock()
	for _, id := range ids {
		onEnd(id)
	}
}

// ProcEnded reports whether the child's output stream has already closed.
func (m *Mux) ProcEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procEnded
}

// PumpProcOutput reads framed messages from r until EOF or error, handing
// each to HandleProcMessage, then calling EndAll. It is meant to run in
// its own goroutine for the lifetime of the session's LSProc.
func PumpProcOutput(ctx context.Context, r *jsonrpc2.StreamReader, m *Mux, onEnd func(connID string)) error {
	for {
		msg, err := r.ReadFrame(ctx)
		if err != nil {
			m.EndAll(onEnd)
			if err == io.EOF {
				return nil
			}
			return err
		}
		m.HandleProcMessage(msg)
	}
}
