// Package transport defines LSClient's pluggable Transport interface and
// a WebSocket implementation of it (spec.md §4.2, §4.15): LSP-over-
// WebSocket framed via internal/wsframe, with send-while-disconnected
// buffering so callers can issue requests before the socket opens.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vtlsp/bridge/internal/bridgeerr"
	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/wsframe"
)

// Transport is the byte-pipe LSClient sends/receives JSON-RPC messages
// over. Implementations must call the onMessage handler registered via
// SetHandler for every inbound message, in arrival order.
type Transport interface {
	Send(msg jsonrpc2.Message) error
	SetHandler(onMessage func(jsonrpc2.Message), onError func(error))
	Close() error
}

// WS is a Transport backed by a single WebSocket connection.
type WS struct {
	url            string
	maxMessageSize int
	bufferTimeout  time.Duration
	log            *eventlog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	buffered  []bufferedFrame
	onMessage func(jsonrpc2.Message)
	onError   func(error)
}

type bufferedFrame struct {
	data     []byte
	enqueued time.Time
}

// NewWS constructs a WS transport for url. maxMessageSize bounds outgoing
// frame size (0 = unbounded, see internal/wsframe.WriteChunked).
// bufferTimeout <= 0 means buffered sends never expire while disconnected.
func NewWS(url string, maxMessageSize int, bufferTimeout time.Duration, log *eventlog.Logger) *WS {
	return &WS{url: url, maxMessageSize: maxMessageSize, bufferTimeout: bufferTimeout, log: log}
}

// Connect dials the WebSocket, starts the read pump, and flushes any
// messages buffered while disconnected, in the order they were sent.
func (w *WS) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindTransportClosed, "dialing "+w.url, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	pending := w.buffered
	w.buffered = nil
	w.mu.Unlock()

	go w.pump(conn)

	for _, f := range pending {
		if w.bufferTimeout > 0 && time.Since(f.enqueued) > w.bufferTimeout {
			if w.log != nil {
				w.log.Warn("dropping expired buffered message")
			}
			continue
		}
		if err := wsframe.WriteChunked(conn, w.maxMessageSize, f.data); err != nil {
			return err
		}
	}
	return nil
}

func (w *WS) pump(conn *websocket.Conn) {
	pr, pw := io.Pipe()
	go wsframe.PumpToPipe(conn, pw)
	reader := jsonrpc2.NewStreamReader(pr)
	ctx := context.Background()
	for {
		msg, err := reader.ReadFrame(ctx)
		if err != nil {
			w.mu.Lock()
			w.connected = false
			handler := w.onError
			w.mu.Unlock()
			if handler != nil {
				handler(bridgeerr.New(bridgeerr.KindTransportClosed, "websocket read", err))
			}
			return
		}
		w.mu.Lock()
		handler := w.onMessage
		w.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Send encodes msg and writes it if connected, or buffers it for the
// next Connect's flush otherwise.
func (w *WS) Send(msg jsonrpc2.Message) error {
	data, err := jsonrpc2.Frame(msg)
	if err != nil {
		return fmt.Errorf("transport: framing message: %w", err)
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return bridgeerr.ErrTransportClosed
	}
	if !w.connected {
		w.buffered = append(w.buffered, bufferedFrame{data: data, enqueued: time.Now()})
		w.mu.Unlock()
		return nil
	}
	conn := w.conn
	w.mu.Unlock()
	return wsframe.WriteChunked(conn, w.maxMessageSize, data)
}

// SetHandler registers the message/error callbacks LSClient uses to
// receive inbound traffic and disconnect notifications.
func (w *WS) SetHandler(onMessage func(jsonrpc2.Message), onError func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = onMessage
	w.onError = onError
}

// Close shuts the socket down; buffered-but-unsent messages are dropped.
func (w *WS) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.connected = false
	w.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
