package features

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

// DefaultDiagnosticsDebounce is the default delay between the immediate
// diagnostic set and the code-action resolution pass (spec.md §4.3).
const DefaultDiagnosticsDebounce = 200 * time.Millisecond

// DefaultSeverityLabels is spec.md §4.3's severity mapping: Error/
// Warning map to themselves, Information and Hint both collapse to
// "info".
var DefaultSeverityLabels = map[int]string{
	protocol.SeverityError:       "error",
	protocol.SeverityWarning:     "warning",
	protocol.SeverityInformation: "info",
	protocol.SeverityHint:        "info",
}

// Diagnostic pairs one LSP diagnostic with its mapped severity label.
type Diagnostic struct {
	protocol.Diagnostic
	SeverityLabel string
}

// EditorAction wraps one resolved code action with an Apply closure that
// routes its WorkspaceEdit through the consumer's applyEdit callback.
type EditorAction struct {
	protocol.CodeAction
	Apply func() error
}

// DiagnosticsController implements the diagnostics & code-action
// pipeline state machine of spec.md §4.3: one PublishDiagnostics
// notification produces an immediate, action-free diagnostic set, then a
// debounced pass that resolves code actions per diagnostic and drops
// stale results if the document changed or a newer publish arrived.
type DiagnosticsController struct {
	client   Client
	ds       *docsync.DocumentSync
	debounce time.Duration
	severity map[int]string

	onDiagnostics func(uri protocol.DocumentUri, diagnostics []Diagnostic)
	onActions     func(diag Diagnostic, actions []EditorAction)
	applyEdit     func(protocol.WorkspaceEdit) error

	mu          sync.Mutex
	lastVersion int32
	haveVersion bool
	cancel      context.CancelFunc
}

// NewDiagnosticsController constructs a controller bound to ds's
// document. debounce <= 0 uses DefaultDiagnosticsDebounce; severity <=
// nil uses DefaultSeverityLabels.
func NewDiagnosticsController(
	client Client,
	ds *docsync.DocumentSync,
	debounce time.Duration,
	severity map[int]string,
	onDiagnostics func(uri protocol.DocumentUri, diagnostics []Diagnostic),
	onActions func(diag Diagnostic, actions []EditorAction),
	applyEdit func(protocol.WorkspaceEdit) error,
) *DiagnosticsController {
	if debounce <= 0 {
		debounce = DefaultDiagnosticsDebounce
	}
	if severity == nil {
		severity = DefaultSeverityLabels
	}
	return &DiagnosticsController{
		client:        client,
		ds:            ds,
		debounce:      debounce,
		severity:      severity,
		onDiagnostics: onDiagnostics,
		onActions:     onActions,
		applyEdit:     applyEdit,
	}
}

// HandlePublish processes one textDocument/publishDiagnostics
// notification. Call it from the LSClient notification handler for that
// method.
func (c *DiagnosticsController) HandlePublish(ctx context.Context, params protocol.PublishDiagnosticsParams) {
	if params.URI != c.ds.URI() {
		return
	}

	c.mu.Lock()
	if c.haveVersion && params.Version != 0 && params.Version < c.lastVersion {
		c.mu.Unlock()
		return
	}
	c.lastVersion = params.Version
	c.haveVersion = true
	if c.cancel != nil {
		c.cancel()
	}
	childCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	diags := make([]Diagnostic, len(params.Diagnostics))
	for i, d := range params.Diagnostics {
		diags[i] = Diagnostic{Diagnostic: d, SeverityLabel: c.severityLabel(d.Severity)}
	}
	c.onDiagnostics(params.URI, diags)

	docVersionAtPublish := c.ds.Version()
	go c.resolveActionsDebounced(childCtx, params, diags, docVersionAtPublish)
}

func (c *DiagnosticsController) severityLabel(sev int) string {
	if label, ok := c.severity[sev]; ok {
		return label
	}
	return "info"
}

func (c *DiagnosticsController) resolveActionsDebounced(ctx context.Context, params protocol.PublishDiagnosticsParams, diags []Diagnostic, docVersionAtPublish int32) {
	select {
	case <-time.After(c.debounce):
	case <-ctx.Done():
		return
	}

	resolveSupported := false
	if caps := c.client.Capabilities(); caps.CodeActionProvider != nil {
		if m, ok := caps.CodeActionProvider.(map[string]any); ok {
			resolveSupported, _ = m["resolveProvider"].(bool)
		}
	}

	for i, diag := range diags {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.ds.Version() != docVersionAtPublish {
			return
		}

		actions, err := c.requestCodeActions(ctx, params.URI, diag.Diagnostic, resolveSupported)
		if err != nil || len(actions) == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.ds.Version() != docVersionAtPublish {
			return
		}
		c.onActions(diags[i], actions)
	}
}

func (c *DiagnosticsController) requestCodeActions(ctx context.Context, uri protocol.DocumentUri, diag protocol.Diagnostic, resolveSupported bool) ([]EditorAction, error) {
	params := protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Range:        diag.Range,
		Context:      protocol.CodeActionContext{Diagnostics: []protocol.Diagnostic{diag}},
	}
	raw, err := c.client.Request(ctx, "textDocument/codeAction", params)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	var rawActions []json.RawMessage
	if err := json.Unmarshal(trimmed, &rawActions); err != nil {
		return nil, err
	}

	out := make([]EditorAction, 0, len(rawActions))
	for _, ra := range rawActions {
		var ca protocol.CodeAction
		if err := json.Unmarshal(ra, &ca); err != nil {
			continue
		}
		if ca.Edit == nil && resolveSupported {
			if resolvedRaw, err := c.client.Request(ctx, "codeAction/resolve", ca); err == nil {
				var resolved protocol.CodeAction
				if json.Unmarshal(resolvedRaw, &resolved) == nil {
					ca = resolved
				}
			}
		}
		action := ca
		out = append(out, EditorAction{
			CodeAction: action,
			Apply: func() error {
				if action.Edit == nil {
					return nil
				}
				return c.applyEdit(*action.Edit)
			},
		})
	}
	return out, nil
}
