package lspproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/proxy/lsproc"
)

// envVarsFileName is the synthetic file vtlsp/envVars writes into the
// session root (spec.md §6, SPEC_FULL.md §6.1).
const envVarsFileName = "env-vars.ts"

// pingResult answers vtlsp/ping (SPEC_FULL.md §6.1).
type pingResult struct {
	Pid       int     `json:"pid"`
	HeapAlloc uint64  `json:"heapAlloc"`
	Sys       uint64  `json:"rss"`
	UptimeSec float64 `json:"uptime"`
}

type readFileParams struct {
	Path string `json:"path"`
}

type readFileResult struct {
	Content string `json:"content"`
}

type reinitFilesParams struct {
	Files map[string]string `json:"files"` // session-root-relative path -> content
}

// RegisterBuiltins wires vtlsp/ping, vtlsp/envVars, vtlsp/readFile, and
// vtlsp/reinitFiles as exact-method handlers (spec.md §4.13, SPEC_FULL.md
// §6.1). root is the session's real-namespace directory; proc is used by
// vtlsp/ping to report process age.
func (p *Proxy) RegisterBuiltins(root string, proc *lsproc.LSProc, log *eventlog.Logger) {
	p.Handle("vtlsp/ping", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		uptime := time.Since(proc.SpawnedAt()).Seconds()
		return pingResult{Pid: os.Getpid(), HeapAlloc: m.HeapAlloc, Sys: m.Sys, UptimeSec: uptime}, true, nil
	})

	p.Handle("vtlsp/envVars", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		var env map[string]string
		if err := json.Unmarshal(req.Params, &env); err != nil {
			return nil, true, fmt.Errorf("vtlsp/envVars: %w", err)
		}
		content := renderEnvVarsFile(env)
		full := filepath.Join(root, envVarsFileName)
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, true, fmt.Errorf("vtlsp/envVars: writing %s: %w", full, err)
		}
		uri := "file://" + full
		if err := p.notifyWatchedFiles(dir, []watchedFileEvent{{URI: uri, Type: fileEventChanged}}); err != nil {
			log.Warn("vtlsp/envVars: notifying watched files", eventlog.Err(err))
		}
		return map[string]any{}, true, nil
	})

	p.Handle("vtlsp/readFile", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		var params readFileParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, true, fmt.Errorf("vtlsp/readFile: %w", err)
		}
		full, err := clampToRoot(root, params.Path)
		if err != nil {
			return nil, true, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, true, fmt.Errorf("vtlsp/readFile: %w", err)
		}
		return readFileResult{Content: string(data)}, true, nil
	})

	p.Handle("vtlsp/reinitFiles", func(ctx context.Context, dir Direction, req *jsonrpc2.Request) (any, bool, error) {
		var params reinitFilesParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, true, fmt.Errorf("vtlsp/reinitFiles: %w", err)
		}
		events, touched, err := reconcileTree(root, params.Files)
		if err != nil {
			return nil, true, fmt.Errorf("vtlsp/reinitFiles: %w", err)
		}
		if len(events) > 0 {
			if err := p.notifyWatchedFiles(dir, events); err != nil {
				log.Warn("vtlsp/reinitFiles: notifying watched files", eventlog.Err(err))
			}
		}
		for _, uri := range touched {
			p.sendDidSave(uri)
		}
		return map[string]any{}, true, nil
	})
}

// clampToRoot joins root and rel, rejecting any result that escapes root
// via `..` segments or an absolute override — recovered hardening
// (SPEC_FULL.md §6.1) absent from the distilled spec.
func clampToRoot(root, rel string) (string, error) {
	full := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("vtlsp: path %q escapes session root", rel)
	}
	return full, nil
}

func renderEnvVarsFile(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("// generated by vtlsp/envVars; do not edit\n")
	b.WriteString("declare namespace Deno {\n  const env: {\n    get(key: string): string | undefined;\n  };\n}\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "// %s=%s\n", k, env[k])
	}
	return b.String()
}

type fileEventType int

const (
	fileEventCreated fileEventType = 1
	fileEventChanged fileEventType = 2
	fileEventDeleted fileEventType = 3
)

type watchedFileEvent struct {
	URI  string
	Type fileEventType
}

// reconcileTree diffs root's current on-disk tree against files (a
// session-root-relative-path -> content map), writing/removing as needed
// to match exactly, per spec.md §4.13's vtlsp/reinitFiles contract.
func reconcileTree(root string, files map[string]string) ([]watchedFileEvent, []string, error) {
	existing := make(map[string]bool)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		existing[rel] = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var events []watchedFileEvent
	var touched []string

	for rel, content := range files {
		full, cerr := clampToRoot(root, rel)
		if cerr != nil {
			return nil, nil, cerr
		}
		uri := "file://" + full
		existed := existing[rel]
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, nil, err
		}
		prior, readErr := os.ReadFile(full)
		if readErr == nil && string(prior) == content {
			delete(existing, rel)
			continue // unchanged
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, nil, err
		}
		evType := fileEventChanged
		if !existed {
			evType = fileEventCreated
		}
		events = append(events, watchedFileEvent{URI: uri, Type: evType})
		touched = append(touched, uri)
		delete(existing, rel)
	}

	// Anything left in existing but not in files is removed.
	for rel := range existing {
		full := filepath.Join(root, rel)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return nil, nil, err
		}
		events = append(events, watchedFileEvent{URI: "file://" + full, Type: fileEventDeleted})
	}

	return events, touched, nil
}

// notifyWatchedFiles sends workspace/didChangeWatchedFiles to the child
// process (spec.md §4.13: "emit workspace/didChangeWatchedFiles with
// Created/Changed/Deleted events").
func (p *Proxy) notifyWatchedFiles(dir Direction, events []watchedFileEvent) error {
	type change struct {
		URI  string `json:"uri"`
		Type int    `json:"type"`
	}
	changes := make([]change, 0, len(events))
	for _, e := range events {
		changes = append(changes, change{URI: e.URI, Type: int(e.Type)})
	}
	note, err := jsonrpc2.NewNotification("workspace/didChangeWatchedFiles", map[string]any{"changes": changes})
	if err != nil {
		return err
	}
	return p.send.SendToProc(note)
}

// sendDidSave fires textDocument/didSave for uri after a reinitFiles write
// (spec.md §4.13: "send didSave for each touched file").
func (p *Proxy) sendDidSave(uri string) {
	note, err := jsonrpc2.NewNotification("textDocument/didSave", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
	if err != nil {
		return
	}
	p.send.SendToProc(note)
}
