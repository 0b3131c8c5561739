// Package wsserver implements WSServer (spec.md §4.14): terminating
// WebSocket upgrades keyed by a session id and wiring each socket into
// its session's MessageMux, LSPProxy, and LSProc.
package wsserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vtlsp/bridge/internal/bridgeerr"
	"github.com/vtlsp/bridge/internal/config"
	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/proxy/lsproc"
	"github.com/vtlsp/bridge/internal/proxy/lspproxy"
	"github.com/vtlsp/bridge/internal/proxy/mux"
	"github.com/vtlsp/bridge/internal/proxy/vturi"
	"github.com/vtlsp/bridge/internal/wsframe"
)

// wsConn is the *websocket.Conn surface wsserver depends on, so tests can
// substitute a fake.
type wsConn interface {
	wsframe.MessageReader
	wsframe.MessageWriter
	Close() error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type connection struct {
	id   string
	conn wsConn
}

// session bundles the state spec.md §4.14 calls a session: one LSProc,
// its MessageMux, its LSPProxy, and the WebSocket connections attached
// to it.
type session struct {
	id    string
	proc  *lsproc.LSProc
	mux   *mux.Mux
	proxy *lspproxy.Proxy
	root  string

	mu         sync.Mutex
	conns      []*connection // oldest first
	connByID   map[string]*connection
	cancelPump context.CancelFunc
}

// Server is WSServer.
type Server struct {
	log   *eventlog.Logger
	cfg   config.ProxyConfig
	procs *lsproc.Manager

	mu        sync.Mutex
	sessions  map[string]*session
	accepting bool
	idleTimer *time.Timer
}

// New constructs a Server. procs supplies/evicts LSProc instances.
func New(log *eventlog.Logger, cfg config.ProxyConfig, procs *lsproc.Manager) *Server {
	s := &Server{
		log:       log,
		cfg:       cfg,
		procs:     procs,
		sessions:  make(map[string]*session),
		accepting: true,
	}
	s.resetIdleTimer()
	return s
}

// HandleNewWebsocket implements handleNewWebsocket (spec.md §4.14): wires
// conn into sessionID's MessageMux, enforcing the per-session connection
// cap by closing the oldest connection first. ctx must outlive the
// upgrade request (the server's base context, not the HTTP handler's
// request context) since it governs the connection's read pump and, for
// a new session, its LSProc's output pump.
func (s *Server) HandleNewWebsocket(ctx context.Context, conn wsConn, sessionID, connID string) error {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		conn.Close()
		return bridgeerr.New(bridgeerr.KindSessionEvicted, "server is shutting down", nil)
	}

	sess, err := s.sessionFor(ctx, sessionID)
	if err != nil {
		conn.Close()
		return err
	}

	sess.mu.Lock()
	if s.cfg.MaxConnsPerSession > 0 && len(sess.conns) >= s.cfg.MaxConnsPerSession {
		oldest := sess.conns[0]
		sess.conns = sess.conns[1:]
		delete(sess.connByID, oldest.id)
		sess.mu.Unlock()
		sess.mux.RemoveConnection(oldest.id)
		oldest.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Connection limit exceeded"),
			time.Now().Add(time.Second))
		oldest.conn.Close()
		sess.mu.Lock()
	}
	c := &connection{id: connID, conn: conn}
	sess.conns = append(sess.conns, c)
	sess.connByID[connID] = c
	sess.mu.Unlock()

	muxConn := sess.mux.AddConnection(connID, func(msg jsonrpc2.Message) {
		data, err := jsonrpc2.Frame(msg)
		if err != nil {
			return
		}
		wsframe.WriteChunked(conn, s.cfg.MaxMessageSize, data)
	})

	s.resetIdleTimer()
	go s.pumpClientMessages(ctx, sess, muxConn, conn, connID)
	return nil
}

func (s *Server) pumpClientMessages(ctx context.Context, sess *session, muxConn *mux.Connection, conn wsConn, connID string) {
	pr, pw := io.Pipe()
	go wsframe.PumpToPipe(conn, pw)
	reader := jsonrpc2.NewStreamReader(pr)
	for {
		msg, err := reader.ReadFrame(ctx)
		if err != nil {
			break
		}
		s.resetIdleTimer()
		if err := sess.mux.HandleClientMessage(muxConn, msg); err != nil {
			s.log.Warn("forwarding client message", eventlog.String("session", sess.id), eventlog.Err(err))
		}
	}
	sess.removeConnection(connID)
	sess.mux.RemoveConnection(connID)
}

func (sess *session) removeConnection(connID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.connByID[connID]; !ok {
		return
	}
	delete(sess.connByID, connID)
	for i, c := range sess.conns {
		if c.id == connID {
			sess.conns = append(sess.conns[:i], sess.conns[i+1:]...)
			break
		}
	}
}

// sessionFor returns the existing session or builds a new one, spawning
// its LSProc and wiring Mux/LSPProxy (spec.md §4.12-§4.14). The session
// map mutation happens entirely under s.mu so two concurrent upgrades for
// a brand-new session id can never both start reading the same LSProc's
// stdout (spec.md §5: "all mutations occur on the event loop").
func (s *Server) sessionFor(ctx context.Context, sessionID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}

	root, err := sessionRoot(sessionID)
	if err != nil {
		return nil, err
	}
	proc, err := s.procs.GetOrCreateProc(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess := &session{id: sessionID, proc: proc, root: root, connByID: make(map[string]*connection)}

	vt := vturi.New(root)
	var proxy *lspproxy.Proxy
	m := mux.New(s.log, func(msg jsonrpc2.Message) error {
		return proxy.Ingest(ctx, lspproxy.ClientToProc, msg)
	})
	writer := jsonrpc2.NewStreamWriter(proc.Stdin)
	sender := &procSender{writer: writer, mux: m}
	proxy = lspproxy.New(s.log, vt, sender)
	proxy.RegisterBuiltins(root, proc, s.log)
	lspproxy.RegisterDomainMiddleware(proxy, root, vt, s.log)

	sess.mux = m
	sess.proxy = proxy

	pumpCtx, cancel := context.WithCancel(ctx)
	sess.cancelPump = cancel
	reader := jsonrpc2.NewStreamReader(proc.Stdout)
	go s.pumpProcOutput(pumpCtx, reader, sess)

	proc.OnExit(func(code int, signal string) {
		s.closeSessionWithReport(sessionID, code, signal)
	})

	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Server) pumpProcOutput(ctx context.Context, r *jsonrpc2.StreamReader, sess *session) {
	for {
		msg, err := r.ReadFrame(ctx)
		if err != nil {
			sess.mux.EndAll(func(connID string) { sess.removeConnection(connID) })
			return
		}
		if err := sess.proxy.Ingest(ctx, lspproxy.ProcToClient, msg); err != nil {
			s.log.Warn("proxying proc message", eventlog.String("session", sess.id), eventlog.Err(err))
		}
	}
}

// closeSessionWithReport assembles the crash report recovered in
// SPEC_FULL.md §6.2 and closes every connection with close code 1012.
func (s *Server) closeSessionWithReport(sessionID string, code int, signal string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	tail := sess.proc.GetLogTail(4096)
	report := fmt.Sprintf("language server exited (code=%d signal=%s)\n%s", code, signal, tail)
	if len(report) > 120 {
		report = report[:120] // WebSocket close-reason frames cap at 123 bytes
	}
	s.log.Error("session crashed", eventlog.String("session", sessionID), eventlog.Int("code", code), eventlog.String("signal", signal))
	s.closeSessionConns(sess, websocket.CloseServiceRestart, report)
}

// CloseSession implements closeSession (spec.md §4.14): close every
// socket, destroy consumers, release the LSProc.
func (s *Server) CloseSession(sessionID string, code int, msg string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.closeSessionConns(sess, code, msg)
	if err := s.procs.ReleaseProc(sessionID); err != nil {
		s.log.Warn("releasing proc", eventlog.String("session", sessionID), eventlog.Err(err))
	}
}

func (s *Server) closeSessionConns(sess *session, code int, msg string) {
	if sess.cancelPump != nil {
		sess.cancelPump()
	}
	sess.mu.Lock()
	conns := append([]*connection(nil), sess.conns...)
	sess.conns = nil
	sess.connByID = make(map[string]*connection)
	sess.mu.Unlock()
	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// Shutdown implements shutdown (spec.md §4.14): stop accepting, close
// every session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.accepting = false
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseSession(id, websocket.CloseNormalClosure, "server shutting down")
	}
}

func (s *Server) resetIdleTimer() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.onIdleTimeout)
		return
	}
	s.idleTimer.Reset(s.cfg.IdleTimeout)
}

func (s *Server) onIdleTimeout() {
	s.log.Info("inactivity timeout reached; shutting down")
	s.Shutdown()
}

// procSender is the lspproxy.Sender backing one session: SendToProc
// writes to the real LSProc's stdin; SendToClients hands the message to
// the session's MessageMux for id-based delivery.
type procSender struct {
	writer *jsonrpc2.StreamWriter
	mux    *mux.Mux
}

func (p *procSender) SendToProc(msg jsonrpc2.Message) error {
	return p.writer.WriteFrame(context.Background(), msg)
}

func (p *procSender) SendToClients(msg jsonrpc2.Message) {
	p.mux.HandleProcMessage(msg)
}

// SessionRoot returns the real-namespace directory a session's files are
// mirrored into, creating it if needed. Exported so main's LSProc
// SpecFunc can launch the child in the exact directory vturi translates
// virtual URIs against.
func SessionRoot(sessionID string) (string, error) {
	root := filepath.Join(os.TempDir(), "vtlsp-"+sessionID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("wsserver: creating session root: %w", err)
	}
	return root, nil
}

func sessionRoot(sessionID string) (string, error) { return SessionRoot(sessionID) }
