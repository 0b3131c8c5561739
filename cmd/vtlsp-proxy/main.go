// Command vtlsp-proxy runs the WSServer described in spec.md §4.14: it
// terminates WebSocket upgrades keyed by a "session" query parameter and
// wires each one into a per-session language-server process, following
// gopls/internal/cmd.Serve's flag-driven-struct-plus-errgroup shape for
// startup and shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vtlsp/bridge/internal/config"
	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/proxy/lsproc"
	"github.com/vtlsp/bridge/internal/proxy/wsserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vtlsp-proxy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if cfg.Command == "" {
		return fmt.Errorf("vtlsp-proxy: -command is required")
	}

	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := eventlog.New(logOut, eventlog.LevelInfo)

	specFunc := func(sessionID string) (lsproc.Spec, error) {
		root, err := wsserver.SessionRoot(sessionID)
		if err != nil {
			return lsproc.Spec{}, err
		}
		return lsproc.Spec{Command: cfg.Command, Args: cfg.Args, Dir: root}, nil
	}
	procs := lsproc.NewManager(log, cfg.MaxProcs, specFunc)
	srv := wsserver.New(log, cfg, procs)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/lsp", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "missing session query parameter", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", eventlog.Err(err))
			return
		}
		connID := uuid.NewString()
		// r.Context() is cancelled the instant this handler returns, but the
		// connection's read/write pumps outlive it, so they run under the
		// server's own base context instead (see HandleNewWebsocket's doc).
		if err := srv.HandleNewWebsocket(context.Background(), conn, sessionID, connID); err != nil {
			log.Warn("rejecting websocket", eventlog.String("session", sessionID), eventlog.Err(err))
		}
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", eventlog.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
		return httpServer.Shutdown(context.Background())
	})

	return group.Wait()
}
