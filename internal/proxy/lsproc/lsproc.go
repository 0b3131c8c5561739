// Package lsproc owns language-server child processes: spawning them,
// tailing their logs, and killing them (spec.md §4.10), plus the bounded
// session-id -> LSProc pool with oldest-first eviction (spec.md §4.11).
package lsproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vtlsp/bridge/internal/eventlog"
)

// ExitCallback is invoked once, from the goroutine that observed the
// child's exit, with the process exit code (-1 if killed by signal) and
// the signal name if any.
type ExitCallback func(code int, signal string)

// Spec describes how to spawn one language-server child.
type Spec struct {
	Command string
	Args    []string
	Dir     string // real-namespace session root; also the fsnotify watch root
	Env     []string

	// TeeStdout/TeeStderr, if non-nil, additionally receive a copy of the
	// child's stdio, mirroring spec.md §4.10's "optionally tee ... to log
	// files".
	TeeStdout io.Writer
	TeeStderr io.Writer
}

// LSProc owns one language-server child process's stdio.
type LSProc struct {
	log       *eventlog.Logger
	spec      Spec
	spawnedAt time.Time

	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	stderr io.ReadCloser

	mu       sync.Mutex
	tail     *ringBuffer
	onExit   ExitCallback
	onError  func(error)
	exited   bool
	watcher  *fsnotify.Watcher
	watchErr error
}

// New constructs an LSProc that has not yet been spawned.
func New(log *eventlog.Logger, spec Spec) *LSProc {
	return &LSProc{
		log:  log,
		spec: spec,
		tail: newRingBuffer(tailCapacityBytes),
	}
}

const tailCapacityBytes = 64 * 1024

// OnExit registers the callback fired when the child exits, from
// LSProcManager's perspective so it can remove the process from its map
// and notify the owning WSServer (spec.md §4.11).
func (p *LSProc) OnExit(cb ExitCallback) { p.onExit = cb }

// OnError registers a callback for spawn/IO errors that aren't a clean exit.
func (p *LSProc) OnError(cb func(error)) { p.onError = cb }

// SpawnedAt returns when Spawn succeeded, used by LSProcManager's
// oldest-first eviction.
func (p *LSProc) SpawnedAt() time.Time { return p.spawnedAt }

// Spawn starts the child process, piping its stdio and optionally
// watching its working directory for filesystem activity it produces
// itself (spec.md §4.10, domain stack fsnotify wiring in SPEC_FULL.md §4).
func (p *LSProc) Spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("lsproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("lsproc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("lsproc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lsproc: start %s: %w", p.spec.Command, err)
	}

	p.cmd = cmd
	p.Stdin = stdin
	p.Stdout = stdout
	if p.spec.TeeStdout != nil {
		p.Stdout = struct {
			io.Reader
			io.Closer
		}{io.TeeReader(stdout, p.spec.TeeStdout), stdout}
	}
	p.stderr = stderr
	p.spawnedAt = time.Now()

	go p.teeStderr()
	go p.watchExit()
	p.startWatcher()

	p.log.Info("spawned language server", eventlog.String("command", p.spec.Command), eventlog.String("dir", p.spec.Dir))
	return nil
}

func (p *LSProc) teeStderr() {
	buf := make([]byte, 4096)
	for {
		n, err := p.stderr.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.tail.Write(buf[:n])
			p.mu.Unlock()
			if p.spec.TeeStderr != nil {
				p.spec.TeeStderr.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *LSProc) watchExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	if p.watcher != nil {
		p.watcher.Close()
	}
	p.mu.Unlock()

	code, signal := -1, ""
	if err == nil {
		code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}
	p.log.Warn("language server exited", eventlog.Int("code", code), eventlog.String("signal", signal))
	if p.onExit != nil {
		p.onExit(code, signal)
	}
}

// startWatcher watches Dir for events the child produces on disk (e.g. a
// Deno lockfile write) and folds a summary line into the log tail, so
// getLogTail output carries filesystem activity alongside stderr.
func (p *LSProc) startWatcher() {
	if p.spec.Dir == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.watchErr = err
		return
	}
	if err := w.Add(p.spec.Dir); err != nil {
		w.Close()
		p.watchErr = err
		return
	}
	p.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				p.mu.Lock()
				p.tail.Write([]byte(fmt.Sprintf("[fs] %s %s\n", ev.Op, ev.Name)))
				p.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if p.onError != nil {
					p.onError(err)
				}
			}
		}
	}()
}

// Kill sends SIGTERM and waits for exit (spec.md §4.10); watchExit's
// onExit callback still fires normally.
func (p *LSProc) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("lsproc: kill: %w", err)
	}
	for {
		p.mu.Lock()
		exited := p.exited
		p.mu.Unlock()
		if exited {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// GetLogTail returns up to n bytes of the most recent stderr + fsnotify
// activity, used for crash reports (SPEC_FULL.md §6.2).
func (p *LSProc) GetLogTail(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail.Last(n)
}

// ringBuffer is a fixed-capacity byte tail buffer.
type ringBuffer struct {
	buf *bytes.Buffer
	cap int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{buf: new(bytes.Buffer), cap: cap}
}

func (r *ringBuffer) Write(p []byte) {
	r.buf.Write(p)
	if r.buf.Len() > r.cap {
		excess := r.buf.Len() - r.cap
		r.buf.Next(excess)
	}
}

func (r *ringBuffer) Last(n int) []byte {
	b := r.buf.Bytes()
	if n <= 0 || n >= len(b) {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, n)
	copy(out, b[len(b)-n:])
	return out
}
