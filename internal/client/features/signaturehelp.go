package features

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vtlsp/bridge/internal/protocol"
)

// Signature help trigger kinds, per LSP 3.17.
const (
	SigHelpInvoked       = 1
	SigHelpTriggerChar   = 2
	SigHelpContentChange = 3
)

// DefaultSignatureHelpClearDelay is how long an aborted active request
// waits before clearing the tooltip, giving a fast re-trigger a chance to
// replace it without a visible flicker (spec.md §4.8).
const DefaultSignatureHelpClearDelay = 250 * time.Millisecond

type signatureHelpContext struct {
	TriggerKind      int     `json:"triggerKind"`
	TriggerCharacter *string `json:"triggerCharacter,omitempty"`
	IsRetrigger      bool    `json:"isRetrigger"`
}

// SignatureHelpController implements the active-request/drop/debounce
// state machine of spec.md §4.8.
type SignatureHelpController struct {
	client     Client
	clearDelay time.Duration
	onShow     func(pos protocol.Position, help protocol.SignatureHelp)
	onHide     func()

	mu              sync.Mutex
	generation      int
	dropped         bool
	cancel          context.CancelFunc
	lastSignatures  []protocol.SignatureInformation
	lastActiveParam int
	haveLast        bool
}

// NewSignatureHelpController constructs a controller. clearDelay <= 0
// uses DefaultSignatureHelpClearDelay.
func NewSignatureHelpController(client Client, clearDelay time.Duration, onShow func(protocol.Position, protocol.SignatureHelp), onHide func()) *SignatureHelpController {
	if clearDelay <= 0 {
		clearDelay = DefaultSignatureHelpClearDelay
	}
	return &SignatureHelpController{client: client, clearDelay: clearDelay, onShow: onShow, onHide: onHide}
}

// OnSelectionChange cancels any in-flight request and schedules the
// tooltip to clear after clearDelay unless a new trigger arrives first.
func (c *SignatureHelpController) OnSelectionChange() {
	c.mu.Lock()
	c.dropped = true
	if c.cancel != nil {
		c.cancel()
	}
	gen := c.generation
	c.mu.Unlock()

	time.AfterFunc(c.clearDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation == gen {
			c.haveLast = false
			c.lastSignatures = nil
			c.onHide()
		}
	})
}

// TriggerOnInsertion fires on a text-insertion event: char must be one of
// triggerChars, or — when a signature help tooltip is already showing —
// one of retriggerChars.
func (c *SignatureHelpController) TriggerOnInsertion(ctx context.Context, uri protocol.DocumentUri, pos protocol.Position, char string, triggerChars, retriggerChars []string) {
	c.mu.Lock()
	active := c.haveLast
	c.mu.Unlock()

	if containsString(triggerChars, char) {
		c.request(ctx, uri, pos, SigHelpTriggerChar, &char)
		return
	}
	if active && containsString(retriggerChars, char) {
		c.request(ctx, uri, pos, SigHelpTriggerChar, &char)
	}
}

// RetriggerOnSelectionSet re-requests with kind=ContentChange while a
// signature is active, for the caller's own debounce timer to invoke.
func (c *SignatureHelpController) RetriggerOnSelectionSet(ctx context.Context, uri protocol.DocumentUri, pos protocol.Position) {
	c.mu.Lock()
	active := c.haveLast
	c.mu.Unlock()
	if !active {
		return
	}
	c.request(ctx, uri, pos, SigHelpContentChange, nil)
}

func (c *SignatureHelpController) request(ctx context.Context, uri protocol.DocumentUri, pos protocol.Position, kind int, triggerChar *string) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.dropped = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	params := struct {
		protocol.TextDocumentPositionParams
		Context signatureHelpContext `json:"context"`
	}{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: signatureHelpContext{TriggerKind: kind, TriggerCharacter: triggerChar, IsRetrigger: kind == SigHelpContentChange},
	}

	raw, err := c.client.Request(reqCtx, "textDocument/signatureHelp", params)
	if err != nil {
		return
	}
	var help protocol.SignatureHelp
	if json.Unmarshal(raw, &help) != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.dropped || len(help.Signatures) == 0 {
		return
	}
	if c.haveLast && sameSignatures(c.lastSignatures, help.Signatures) && c.lastActiveParam == help.ActiveParameter {
		return
	}
	c.lastSignatures = help.Signatures
	c.lastActiveParam = help.ActiveParameter
	c.haveLast = true
	c.onShow(pos, help)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sameSignatures(a, b []protocol.SignatureInformation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Label != b[i].Label {
			return false
		}
	}
	return true
}
