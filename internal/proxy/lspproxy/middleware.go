package lspproxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vtlsp/bridge/internal/eventlog"
	"github.com/vtlsp/bridge/internal/jsonrpc2"
	"github.com/vtlsp/bridge/internal/protocol"
	"github.com/vtlsp/bridge/internal/proxy/vturi"
)

// proxiedTag is appended to serverInfo.name so a client can tell it is
// talking to a proxied language server (spec.md §4.13).
const proxiedTag = " (vtlsp-bridge)"

// multiFileActionPrefixes (kind prefixes) and multiFileActionExact name the
// codeAction kinds dropped by the codeAction result middleware regardless
// of file count (spec.md §4.13).
var multiFileActionPrefixes = []string{"refactor.move.", "refactor.extract.", "source.organizeImports."}

const multiFileActionExact = "refactor.rename.project"

// RegisterDomainMiddleware wires the domain middleware contracts named in
// spec.md §4.13: initialize tagging, codeAction multi-file filtering,
// publishDiagnostics suppression/cache-on-demand/local diagnostics, and
// didOpen/didChange/didClose real-file mirroring. root is the session's
// real-namespace directory and vt its Translator.
func RegisterDomainMiddleware(p *Proxy, root string, vt vturi.Translator, log *eventlog.Logger) {
	registerInitializeTag(p)
	registerCodeActionFilter(p)
	registerDiagnosticsMiddleware(p, log)
	registerDocSyncMirror(p, root, log)
}

// registerInitializeTag appends proxiedTag to serverInfo.name in the
// initialize response (spec.md §4.13).
func registerInitializeTag(p *Proxy) {
	p.UseResult("initialize", func(ctx context.Context, dir Direction, method string, originalParams, result json.RawMessage) (json.RawMessage, bool, error) {
		if dir != ProcToClient {
			return result, false, nil
		}
		var decoded struct {
			Capabilities json.RawMessage `json:"capabilities"`
			ServerInfo   *struct {
				Name    string `json:"name"`
				Version string `json:"version,omitempty"`
			} `json:"serverInfo"`
		}
		if err := json.Unmarshal(result, &decoded); err != nil {
			return result, false, nil // not the expected shape; leave untouched
		}
		if decoded.ServerInfo == nil {
			return result, false, nil
		}
		decoded.ServerInfo.Name += proxiedTag
		out, err := json.Marshal(decoded)
		if err != nil {
			return result, false, nil
		}
		return out, false, nil
	})
}

// registerCodeActionFilter drops multi-file actions from the proxied
// result and appends any code action embedded in a "reflexive" diagnostic
// in the original request's context (spec.md §4.13).
func registerCodeActionFilter(p *Proxy) {
	p.UseResult("textDocument/codeAction", func(ctx context.Context, dir Direction, method string, originalParams, result json.RawMessage) (json.RawMessage, bool, error) {
		if dir != ProcToClient {
			return result, false, nil
		}
		var actions []protocol.CodeAction
		if err := json.Unmarshal(result, &actions); err != nil {
			return result, false, nil
		}
		filtered := actions[:0]
		for _, a := range actions {
			if isMultiFileAction(a) {
				continue
			}
			filtered = append(filtered, a)
		}

		var params protocol.CodeActionParams
		if err := json.Unmarshal(originalParams, &params); err == nil {
			for _, d := range params.Context.Diagnostics {
				if d.Data == nil {
					continue
				}
				var embedded protocol.CodeAction
				if err := json.Unmarshal(d.Data, &embedded); err == nil && embedded.Title != "" {
					filtered = append(filtered, embedded)
				}
			}
		}

		out, err := json.Marshal(filtered)
		if err != nil {
			return result, false, nil
		}
		return out, false, nil
	})
}

func isMultiFileAction(a protocol.CodeAction) bool {
	if a.Kind == multiFileActionExact {
		return true
	}
	for _, prefix := range multiFileActionPrefixes {
		if strings.HasPrefix(a.Kind, prefix) {
			return true
		}
	}
	if a.Edit == nil {
		return false
	}
	touched := make(map[string]bool)
	for uri := range a.Edit.Changes {
		touched[uri] = true
	}
	for _, dc := range a.Edit.DocumentChanges {
		if dc.TextDocumentEdit != nil {
			touched[dc.TextDocumentEdit.TextDocument.URI] = true
		}
	}
	return len(touched) > 1
}

// diagnosticsState tracks per-session cache-command firings so the same
// module's uncached-import diagnostic never fires the command twice
// (spec.md §4.13: "remember the URI to avoid re-firing").
type diagnosticsState struct {
	mu        sync.Mutex
	cached    map[string]bool
	synthetic map[string]bool // synthetic file URIs, suppressed entirely
}

func newDiagnosticsState() *diagnosticsState {
	return &diagnosticsState{cached: make(map[string]bool), synthetic: make(map[string]bool)}
}

// uncachedModuleCode is the diagnostic code the upstream language server
// uses to report an import it has not yet fetched/cached.
const uncachedModuleCode = "\"not-cached\""

func registerDiagnosticsMiddleware(p *Proxy, log *eventlog.Logger) {
	state := newDiagnosticsState()
	p.UseParams("textDocument/publishDiagnostics", func(ctx context.Context, dir Direction, method string, params json.RawMessage) (json.RawMessage, bool, error) {
		if dir != ProcToClient {
			return params, false, nil
		}
		var pd protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(params, &pd); err != nil {
			return params, false, nil
		}
		if strings.HasSuffix(pd.URI, envVarsFileName) {
			return nil, true, nil // suppress entirely for synthetic files
		}

		kept := pd.Diagnostics[:0]
		for _, d := range pd.Diagnostics {
			if string(d.Code) == uncachedModuleCode {
				state.mu.Lock()
				already := state.cached[pd.URI]
				if !already {
					state.cached[pd.URI] = true
				}
				state.mu.Unlock()
				if !already {
					fireCacheCommand(p, pd.URI, log)
				}
			}
			kept = append(kept, d)
		}
		kept = append(kept, localDiagnostics(pd.URI)...)
		pd.Diagnostics = kept

		out, err := json.Marshal(pd)
		if err != nil {
			return params, false, nil
		}
		return out, false, nil
	})
}

// fireCacheCommand issues a best-effort workspace/executeCommand asking
// the server to fetch and cache pd.URI's dependency graph (spec.md
// §4.13). Errors are logged, never surfaced to the client.
func fireCacheCommand(p *Proxy, uri string, log *eventlog.Logger) {
	note, err := jsonrpc2.NewNotification("workspace/executeCommand", map[string]any{
		"command":   "deno.cache",
		"arguments": []string{uri},
	})
	if err != nil {
		return
	}
	if err := p.send.SendToProc(note); err != nil {
		log.Warn("cache-on-demand command failed", eventlog.String("uri", uri), eventlog.Err(err))
	}
}

// localDiagnostics appends bridge-local hints that never came from the
// upstream server: a JSX-pragma hint for .tsx/.jsx files, chosen by file
// name only. No other local hint (such as one preferring esm.sh imports
// over npm:react) is produced.
func localDiagnostics(uri string) []protocol.Diagnostic {
	var out []protocol.Diagnostic
	if strings.HasSuffix(uri, ".tsx") || strings.HasSuffix(uri, ".jsx") {
		out = append(out, protocol.Diagnostic{
			Severity: protocol.SeverityHint,
			Source:   "vtlsp-bridge",
			Message:  "consider a /** @jsxImportSource */ pragma if JSX resolution fails",
		})
	}
	return out
}

// registerDocSyncMirror mirrors didOpen/didChange/didClose to a real file
// under root so the child process's filesystem view matches the client's
// virtual view (spec.md §4.13).
func registerDocSyncMirror(p *Proxy, root string, log *eventlog.Logger) {
	mirror := func(ctx context.Context, dir Direction, method string, params json.RawMessage) (json.RawMessage, bool, error) {
		if dir != ClientToProc {
			return params, false, nil
		}
		if err := mirrorToDisk(method, params, vturi.New(root)); err != nil {
			log.Warn("mirroring document to disk", eventlog.String("method", method), eventlog.Err(err))
		}
		return params, false, nil
	}
	p.UseParams("textDocument/didOpen", mirror)
	p.UseParams("textDocument/didChange", mirror)
	p.UseParams("textDocument/didClose", mirror)
}

func mirrorToDisk(method string, params json.RawMessage, vt vturi.Translator) error {
	switch method {
	case "textDocument/didOpen":
		var p struct {
			TextDocument protocol.TextDocumentItem `json:"textDocument"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return err
		}
		return writeMirrorFile(vt, p.TextDocument.URI, p.TextDocument.Text)
	case "textDocument/didChange":
		var p struct {
			TextDocument protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
			ContentChanges []struct {
				Text string `json:"text"`
			} `json:"contentChanges"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return err
		}
		if len(p.ContentChanges) == 0 {
			return nil
		}
		// Full-document sync only: the last change's Text is taken as the
		// whole document (the client's DocumentSync always sends full text,
		// never ranges; the proxy always mirrors full text).
		return writeMirrorFile(vt, p.TextDocument.URI, p.ContentChanges[len(p.ContentChanges)-1].Text)
	case "textDocument/didClose":
		return nil // leave the mirrored file in place; the server may still reference it
	}
	return nil
}

func writeMirrorFile(vt vturi.Translator, uri, text string) error {
	path, ok := vt.VirtualToRealPath(uri)
	if !ok {
		return nil // non-file scheme; nothing to mirror
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
