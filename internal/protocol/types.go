// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol holds the LSP 3.17 wire types the bridge moves between
// an editor and a language server (spec.md §3). It is a hand-written
// subset of the protocol, not a generated binding: only the shapes both
// cores actually construct, inspect, or rewrite are represented.
package protocol

import "encoding/json"

// DocumentUri is opaque; schemes include file://, deno:, jsr:, http(s):,
// and user-invented virtual roots (spec.md §3).
type DocumentUri = string

// Position is a line/character pair using UTF-16 code-unit semantics.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Range is a half-open [Start, End) span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier names a document by URI.
type TextDocumentIdentifier struct {
	URI DocumentUri `json:"uri"`
}

// VersionedTextDocumentIdentifier adds the version a request/notification
// applies to; the server may reply about any historical version
// (spec.md §3).
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int32 `json:"version"`
}

// TextDocumentItem is the full document sent on didOpen.
type TextDocumentItem struct {
	URI        DocumentUri `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int32       `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentPositionParams locates a position inside a document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// TextEdit replaces Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// InsertReplaceEdit is the two-range completion edit shape used when a
// client advertises insert/replace support (spec.md §4.4).
type InsertReplaceEdit struct {
	NewText string `json:"newText"`
	Insert  Range  `json:"insert"`
	Replace Range  `json:"replace"`
}

// UnmarshalJSON distinguishes InsertReplaceEdit from TextEdit by requiring
// both "insert" and "replace"; this mirrors how gopls/internal/protocol
// disambiguates the two lookalike shapes.
func (e *InsertReplaceEdit) UnmarshalJSON(data []byte) error {
	var required struct {
		NewText string `json:"newText"`
		Insert  *Range `json:"insert"`
		Replace *Range `json:"replace"`
	}
	if err := json.Unmarshal(data, &required); err != nil {
		return err
	}
	if required.Insert == nil || required.Replace == nil {
		return errNotInsertReplace
	}
	e.NewText = required.NewText
	e.Insert = *required.Insert
	e.Replace = *required.Replace
	return nil
}

var errNotInsertReplace = jsonErr("not an InsertReplaceEdit")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// TextDocumentEdit is one element of WorkspaceEdit.documentChanges.
type TextDocumentEdit struct {
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []TextEdit                      `json:"edits"`
}

// CreateFile, RenameFile, DeleteFile are the file-operation members of
// WorkspaceEdit.documentChanges (spec.md §3).
type CreateFile struct {
	Kind string      `json:"kind"` // "create"
	URI  DocumentUri `json:"uri"`
}

type RenameFile struct {
	Kind   string      `json:"kind"` // "rename"
	OldURI DocumentUri `json:"oldUri"`
	NewURI DocumentUri `json:"newUri"`
}

type DeleteFile struct {
	Kind string      `json:"kind"` // "delete"
	URI  DocumentUri `json:"uri"`
}

// DocumentChange is the tagged union of the four documentChanges member
// kinds; exactly one field is non-nil for a valid value.
type DocumentChange struct {
	TextDocumentEdit *TextDocumentEdit
	CreateFile       *CreateFile
	RenameFile       *RenameFile
	DeleteFile       *DeleteFile
}

// Valid reports whether exactly one member of the union is set.
func (c DocumentChange) Valid() bool {
	n := 0
	for _, set := range []bool{c.TextDocumentEdit != nil, c.CreateFile != nil, c.RenameFile != nil, c.DeleteFile != nil} {
		if set {
			n++
		}
	}
	return n == 1
}

// UnmarshalJSON dispatches on the presence of "textDocument" (an edit) vs.
// a "kind" discriminator (a file operation).
func (c *DocumentChange) UnmarshalJSON(data []byte) error {
	var probe struct {
		TextDocument json.RawMessage `json:"textDocument"`
		Kind         string          `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.TextDocument != nil {
		c.TextDocumentEdit = new(TextDocumentEdit)
		return json.Unmarshal(data, c.TextDocumentEdit)
	}
	switch probe.Kind {
	case "create":
		c.CreateFile = new(CreateFile)
		return json.Unmarshal(data, c.CreateFile)
	case "rename":
		c.RenameFile = new(RenameFile)
		return json.Unmarshal(data, c.RenameFile)
	case "delete":
		c.DeleteFile = new(DeleteFile)
		return json.Unmarshal(data, c.DeleteFile)
	default:
		return jsonErr("unrecognized document change shape")
	}
}

// MarshalJSON re-emits whichever member is set.
func (c DocumentChange) MarshalJSON() ([]byte, error) {
	switch {
	case c.TextDocumentEdit != nil:
		return json.Marshal(c.TextDocumentEdit)
	case c.CreateFile != nil:
		return json.Marshal(c.CreateFile)
	case c.RenameFile != nil:
		return json.Marshal(c.RenameFile)
	case c.DeleteFile != nil:
		return json.Marshal(c.DeleteFile)
	default:
		return nil, jsonErr("empty DocumentChange")
	}
}

// WorkspaceEdit may carry Changes (uri->edits) or DocumentChanges (an
// ordered list), per spec.md §3. ApplyWorkspaceEdit prefers DocumentChanges
// when both are present (spec.md §4.7).
type WorkspaceEdit struct {
	Changes        map[DocumentUri][]TextEdit `json:"changes,omitempty"`
	DocumentChanges []DocumentChange          `json:"documentChanges,omitempty"`
}

// Diagnostic severities, per LSP 3.17.
const (
	SeverityError       = 1
	SeverityWarning     = 2
	SeverityInformation = 3
	SeverityHint        = 4
)

// Diagnostic is one entry of a publishDiagnostics notification.
type Diagnostic struct {
	Range    Range           `json:"range"`
	Severity int              `json:"severity,omitempty"`
	Code     json.RawMessage  `json:"code,omitempty"`
	Source   string           `json:"source,omitempty"`
	Message  string           `json:"message"`
	Data     json.RawMessage  `json:"data,omitempty"` // reflexive diagnostics embed a code action here
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentUri  `json:"uri"`
	Version     int32        `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// CodeActionContext narrows a codeAction request to a diagnostic range.
type CodeActionContext struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Only        []string     `json:"only,omitempty"`
}

// CodeActionParams is the payload of textDocument/codeAction.
type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

// Command is a server-executable follow-up action.
type Command struct {
	Title     string `json:"title"`
	Command   string `json:"command"`
	Arguments []any  `json:"arguments,omitempty"`
}

// CodeAction is one entry of a textDocument/codeAction response.
type CodeAction struct {
	Title       string         `json:"title"`
	Kind        string         `json:"kind,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	Edit        *WorkspaceEdit `json:"edit,omitempty"`
	Command     *Command       `json:"command,omitempty"`
	IsPreferred bool           `json:"isPreferred,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// CompletionItem is one entry of a textDocument/completion response.
type CompletionItem struct {
	Label               string             `json:"label"`
	Kind                int                `json:"kind,omitempty"`
	Detail              string             `json:"detail,omitempty"`
	Documentation       any                `json:"documentation,omitempty"`
	SortText            string             `json:"sortText,omitempty"`
	FilterText          string             `json:"filterText,omitempty"`
	Preselect           bool               `json:"preselect,omitempty"`
	InsertText          string             `json:"insertText,omitempty"`
	InsertTextFormat    int                `json:"insertTextFormat,omitempty"`
	TextEdit            *TextEditOrInsertReplace `json:"textEdit,omitempty"`
	AdditionalTextEdits []TextEdit         `json:"additionalTextEdits,omitempty"`
	Data                json.RawMessage    `json:"data,omitempty"`
}

// TextEditOrInsertReplace is the sum type CompletionItem.textEdit can hold
// (spec.md §4.4): either a plain TextEdit or an InsertReplaceEdit.
type TextEditOrInsertReplace struct {
	TextEdit          *TextEdit
	InsertReplaceEdit *InsertReplaceEdit
}

func (t *TextEditOrInsertReplace) UnmarshalJSON(data []byte) error {
	var ire InsertReplaceEdit
	if err := json.Unmarshal(data, &ire); err == nil {
		t.InsertReplaceEdit = &ire
		return nil
	}
	var te TextEdit
	if err := json.Unmarshal(data, &te); err != nil {
		return err
	}
	t.TextEdit = &te
	return nil
}

func (t TextEditOrInsertReplace) MarshalJSON() ([]byte, error) {
	if t.InsertReplaceEdit != nil {
		return json.Marshal(t.InsertReplaceEdit)
	}
	return json.Marshal(t.TextEdit)
}

// CompletionList is the {items} shape a completion response may take
// instead of a bare array (spec.md §4.4).
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// Location is a URI plus a range inside it.
type Location struct {
	URI   DocumentUri `json:"uri"`
	Range Range       `json:"range"`
}

// LocationLink is the richer references/definition shape some servers
// return instead of Location.
type LocationLink struct {
	TargetURI            DocumentUri `json:"targetUri"`
	TargetRange          Range       `json:"targetRange"`
	TargetSelectionRange Range       `json:"targetSelectionRange"`
}

// ParameterInformation documents one SignatureInformation parameter.
type ParameterInformation struct {
	Label         any `json:"label"`
	Documentation any `json:"documentation,omitempty"`
}

// SignatureInformation is one candidate overload.
type SignatureInformation struct {
	Label           string                 `json:"label"`
	Documentation   any                    `json:"documentation,omitempty"`
	Parameters      []ParameterInformation `json:"parameters,omitempty"`
	ActiveParameter int                    `json:"activeParameter,omitempty"`
}

// SignatureHelp is the result of textDocument/signatureHelp.
type SignatureHelp struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature,omitempty"`
	ActiveParameter int                    `json:"activeParameter,omitempty"`
}

// InlayHintLabelPart is one piece of a (possibly composite) inlay hint label.
type InlayHintLabelPart struct {
	Value string `json:"value"`
}

// InlayHint is one entry of a textDocument/inlayHint response.
type InlayHint struct {
	Position     Position        `json:"position"`
	Label        string          `json:"label"`
	Kind         int             `json:"kind,omitempty"`
	PaddingLeft  bool            `json:"paddingLeft,omitempty"`
	PaddingRight bool            `json:"paddingRight,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Hover is the result of textDocument/hover.
type Hover struct {
	Contents any    `json:"contents"`
	Range    *Range `json:"range,omitempty"`
}

// DidOpenTextDocumentParams is the payload of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent is one element of didChange's
// contentChanges array. The bridge only ever sends the full-document
// shape (no Range), per DocumentSync's Open Question decision to sync
// whole-document rather than incremental deltas (DESIGN.md).
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams is the payload of textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// ShowMessageParams is the payload of window/showMessage.
type ShowMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ServerInfo is the optional name/version InitializeResult carries; the
// proxy's initialize middleware appends a tag to Name (spec.md §4.13).
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the payload LSClient sends to start a session.
// Capabilities is left untyped (any) since the client only ever writes
// it, never inspects it back (spec.md §4.2's default capability set is
// built directly as nested maps in lspclient).
type InitializeParams struct {
	ProcessID             *int        `json:"processId"`
	RootURI               DocumentUri `json:"rootUri,omitempty"`
	Capabilities          any         `json:"capabilities"`
	InitializationOptions any         `json:"initializationOptions,omitempty"`
}

// InitializeResult is the response to "initialize".
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities is the subset of InitializeResult.capabilities the
// bridge inspects to gate feature handlers (spec.md §4.9).
type ServerCapabilities struct {
	HoverProvider                bool                  `json:"hoverProvider,omitempty"`
	DefinitionProvider           bool                  `json:"definitionProvider,omitempty"`
	TypeDefinitionProvider       bool                  `json:"typeDefinitionProvider,omitempty"`
	ImplementationProvider       bool                  `json:"implementationProvider,omitempty"`
	ReferencesProvider           bool                  `json:"referencesProvider,omitempty"`
	RenameProvider               any                   `json:"renameProvider,omitempty"` // bool or {prepareProvider:bool}
	CompletionProvider           *CompletionOptions    `json:"completionProvider,omitempty"`
	SignatureHelpProvider        *SignatureHelpOptions `json:"signatureHelpProvider,omitempty"`
	CodeActionProvider           any                   `json:"codeActionProvider,omitempty"`
	InlayHintProvider            any                   `json:"inlayHintProvider,omitempty"`
	TextDocumentSync             any                   `json:"textDocumentSync,omitempty"`
}

// CompletionOptions carries the trigger characters and resolve support a
// server advertises for completion.
type CompletionOptions struct {
	TriggerCharacters   []string `json:"triggerCharacters,omitempty"`
	ResolveProvider     bool     `json:"resolveProvider,omitempty"`
}

// SignatureHelpOptions carries trigger/retrigger characters (spec.md §4.8).
type SignatureHelpOptions struct {
	TriggerCharacters   []string `json:"triggerCharacters,omitempty"`
	RetriggerCharacters []string `json:"retriggerCharacters,omitempty"`
}

// RenameProviderSupportsPrepare reports whether caps.RenameProvider
// indicates prepareRename support, handling both the bool and the
// {prepareProvider} object shapes a server may send.
func (c *ServerCapabilities) RenameProviderSupportsPrepare() bool {
	switch v := c.RenameProvider.(type) {
	case map[string]any:
		p, _ := v["prepareProvider"].(bool)
		return p
	default:
		return false
	}
}

// RenameSupported reports whether the server advertises rename at all
// (spec.md §9's corrected capability gate: present, not absent, enables it).
func (c *ServerCapabilities) RenameSupported() bool {
	switch v := c.RenameProvider.(type) {
	case bool:
		return v
	case map[string]any:
		return true
	default:
		return v != nil
	}
}

// TextDocumentSyncKind values (spec.md §9 Open Question).
const (
	SyncNone        = 0
	SyncFull        = 1
	SyncIncremental = 2
)

// TextDocumentSyncKindValue extracts the negotiated sync kind from the
// polymorphic textDocumentSync capability (an int, or an object with a
// "change" field).
func (c *ServerCapabilities) TextDocumentSyncKindValue() int {
	switch v := c.TextDocumentSync.(type) {
	case float64:
		return int(v)
	case map[string]any:
		if ch, ok := v["change"].(float64); ok {
			return int(ch)
		}
	}
	return SyncFull
}
