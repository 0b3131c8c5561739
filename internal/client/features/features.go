// Package features implements the editor-side feature handlers built on
// top of LSClient and DocumentSync: diagnostics/code actions, completion,
// references/definition/type-definition/implementation, rename,
// ApplyWorkspaceEdit, signature help, hover, the context menu, window
// messages, and inlay hints (spec.md §4.3 through §4.9).
//
// Each handler takes its LSClient/DocumentSync dependency as a narrow
// interface rather than the concrete type, the way golang-tools'
// gopls/internal/lsp handlers are built against golang.org/x/tools/internal/lsp/protocol's
// client interface rather than a concrete transport, so each handler is
// unit-testable against a fake.
package features

import (
	"context"
	"encoding/json"

	"github.com/vtlsp/bridge/internal/protocol"
)

// Client is the subset of *lspclient.LSClient the feature handlers in
// this package depend on.
type Client interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	Capabilities() protocol.ServerCapabilities
}
