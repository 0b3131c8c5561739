package features

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

// RequestHover issues textDocument/hover at pos under ds's lock. A nil
// result (server has nothing to show) is returned as (nil, nil).
func RequestHover(ctx context.Context, client Client, ds *docsync.DocumentSync, uri protocol.DocumentUri, pos protocol.Position) (*protocol.Hover, error) {
	params := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	raw, err := docsync.RequestWithLock(ctx, ds, client, 0, "textDocument/hover", params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var hover protocol.Hover
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, err
	}
	return &hover, nil
}

// MenuEntryKind names one of the context menu's fixed entries (spec.md §4.9).
type MenuEntryKind string

const (
	MenuGoToDefinition     MenuEntryKind = "goToDefinition"
	MenuGoToTypeDefinition MenuEntryKind = "goToTypeDefinition"
	MenuGoToImplementation MenuEntryKind = "goToImplementation"
	MenuFindAllReferences  MenuEntryKind = "findAllReferences"
	MenuRename             MenuEntryKind = "rename"
)

// BuildContextMenu returns the entries that should appear for a
// right-click at some position: each is included iff the server
// advertises the matching capability and the entry is not in disabled.
func BuildContextMenu(caps protocol.ServerCapabilities, disabled map[MenuEntryKind]bool) []MenuEntryKind {
	var entries []MenuEntryKind
	add := func(kind MenuEntryKind, supported bool) {
		if supported && !disabled[kind] {
			entries = append(entries, kind)
		}
	}
	add(MenuGoToDefinition, caps.DefinitionProvider)
	add(MenuGoToTypeDefinition, caps.TypeDefinitionProvider)
	add(MenuGoToImplementation, caps.ImplementationProvider)
	add(MenuFindAllReferences, caps.ReferencesProvider)
	add(MenuRename, caps.RenameSupported())
	return entries
}

// WindowMessage is the editor-agnostic shape window/showMessage renders.
type WindowMessage struct {
	Type    int
	Message string
}

// WindowMessageRenderer is the pluggable renderer window/showMessage
// notifications are handed to, with a dismiss callback the renderer
// invokes when the user closes it.
type WindowMessageRenderer interface {
	Render(msg WindowMessage, dismiss func())
}

// HandleShowMessage adapts a window/showMessage notification's params
// into a render call.
func HandleShowMessage(params protocol.ShowMessageParams, renderer WindowMessageRenderer, dismiss func()) {
	renderer.Render(WindowMessage{Type: params.Type, Message: params.Message}, dismiss)
}

type inlayHintParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Range        protocol.Range                  `json:"range"`
}

// DefaultInlayHintsDebounce is the default reset-on-edit debounce before
// requesting hints for a range (spec.md §4.9).
const DefaultInlayHintsDebounce = time.Second

// InlayHintsController implements the debounced inlay-hints view plugin
// of spec.md §4.9: requests hints for a range after the document settles,
// optionally clears immediately on every edit, and only notifies the
// caller when the hint set actually changed.
type InlayHintsController struct {
	client      Client
	debounce    time.Duration
	clearOnEdit bool
	onHints     func(hints []protocol.InlayHint)
	onClear     func()

	mu        sync.Mutex
	timer     *time.Timer
	lastHints []protocol.InlayHint
}

// NewInlayHintsController constructs a controller. debounce <= 0 uses
// DefaultInlayHintsDebounce.
func NewInlayHintsController(client Client, debounce time.Duration, clearOnEdit bool, onHints func([]protocol.InlayHint), onClear func()) *InlayHintsController {
	if debounce <= 0 {
		debounce = DefaultInlayHintsDebounce
	}
	return &InlayHintsController{client: client, debounce: debounce, clearOnEdit: clearOnEdit, onHints: onHints, onClear: onClear}
}

// OnViewChange resets the debounce timer for the visible range, firing a
// fresh textDocument/inlayHint request once edits settle. If clearOnEdit
// is set, hints are cleared immediately rather than left stale until the
// new result arrives.
func (c *InlayHintsController) OnViewChange(ctx context.Context, uri protocol.DocumentUri, visible protocol.Range) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.clearOnEdit {
		c.lastHints = nil
		c.onClear()
	}
	c.timer = time.AfterFunc(c.debounce, func() { c.request(ctx, uri, visible) })
	c.mu.Unlock()
}

func (c *InlayHintsController) request(ctx context.Context, uri protocol.DocumentUri, visible protocol.Range) {
	raw, err := c.client.Request(ctx, "textDocument/inlayHint", inlayHintParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Range:        visible,
	})
	if err != nil {
		return
	}
	var hints []protocol.InlayHint
	if len(raw) == 0 || string(raw) == "null" {
		hints = nil
	} else if json.Unmarshal(raw, &hints) != nil {
		return
	}

	c.mu.Lock()
	if hintSetsEqual(c.lastHints, hints) {
		c.mu.Unlock()
		return
	}
	c.lastHints = hints
	c.mu.Unlock()
	c.onHints(hints)
}

// hintsEqual reports whether two inlay hint widgets are equal: position
// and label match (spec.md §4.9, enabling cheap diffing).
func hintsEqual(a, b protocol.InlayHint) bool {
	return a.Position == b.Position && a.Label == b.Label
}

func hintSetsEqual(a, b []protocol.InlayHint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !hintsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ResolveInlayHint issues inlayHint/resolve for hint when it carries a
// Data payload (lazy resolution, spec.md §4.9); otherwise it returns hint
// unchanged.
func ResolveInlayHint(ctx context.Context, client Client, hint protocol.InlayHint) (protocol.InlayHint, error) {
	if hint.Data == nil {
		return hint, nil
	}
	raw, err := client.Request(ctx, "inlayHint/resolve", hint)
	if err != nil {
		return hint, err
	}
	var resolved protocol.InlayHint
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return hint, err
	}
	return resolved, nil
}
