package features

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

// ErrRenameRefused is returned when the server's prepareRename responds
// with its "defaultBehavior"/null refusal shape (spec.md §4.6).
var ErrRenameRefused = errors.New("features: server refused to rename here")

// wordRe approximates an identifier for the fallback prepareRename path
// a server without prepareRename support falls back to.
var wordRe = regexp.MustCompile(`\w+`)

// PreparedRename is the range and placeholder text a rename dialog seeds
// itself from.
type PreparedRename struct {
	Range       protocol.Range
	Placeholder string
}

// PrepareRename computes the range to rename at pos: via
// textDocument/prepareRename if the server advertises it, else via a
// local word-boundary regex around pos.
func PrepareRename(ctx context.Context, client Client, ds *docsync.DocumentSync, uri protocol.DocumentUri, pos protocol.Position, lineText string, col int) (PreparedRename, error) {
	caps := client.Capabilities()
	if !caps.RenameProviderSupportsPrepare() {
		return prepareRenameFallback(pos, lineText, col)
	}

	params := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	raw, err := docsync.RequestWithLock(ctx, ds, client, 0, "textDocument/prepareRename", params)
	if err != nil {
		return PreparedRename{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return PreparedRename{}, ErrRenameRefused
	}
	var probe struct {
		DefaultBehavior *bool           `json:"defaultBehavior"`
		Range           *protocol.Range `json:"range"`
		Placeholder     string          `json:"placeholder"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return PreparedRename{}, err
	}
	if probe.DefaultBehavior != nil {
		return PreparedRename{}, ErrRenameRefused
	}
	if probe.Range == nil {
		// Bare Range response (no wrapper object): re-decode as such.
		var r protocol.Range
		if err := json.Unmarshal(raw, &r); err != nil {
			return PreparedRename{}, ErrRenameRefused
		}
		probe.Range = &r
	}
	return PreparedRename{Range: *probe.Range, Placeholder: probe.Placeholder}, nil
}

func prepareRenameFallback(pos protocol.Position, lineText string, col int) (PreparedRename, error) {
	if col < 0 || col > len(lineText) {
		return PreparedRename{}, ErrRenameRefused
	}
	var best []int
	for _, m := range wordRe.FindAllStringIndex(lineText, -1) {
		if m[0] <= col && col <= m[1] {
			best = m
			break
		}
	}
	if best == nil {
		return PreparedRename{}, ErrRenameRefused
	}
	word := lineText[best[0]:best[1]]
	start := pos
	start.Character = uint32(int(pos.Character) - col + best[0])
	end := pos
	end.Character = uint32(int(pos.Character) - col + best[1])
	return PreparedRename{Range: protocol.Range{Start: start, End: end}, Placeholder: word}, nil
}

// ValidateNewName reports whether newName is acceptable: non-empty and
// distinct from the original placeholder (spec.md §4.6).
func ValidateNewName(newName, original string) error {
	if newName == "" {
		return errors.New("features: new name must not be empty")
	}
	if newName == original {
		return errors.New("features: new name must differ from the original")
	}
	return nil
}

// Rename requests textDocument/rename under ds's lock for newName at pos
// and returns the resulting WorkspaceEdit for ApplyWorkspaceEdit to
// consume.
func Rename(ctx context.Context, client Client, ds *docsync.DocumentSync, uri protocol.DocumentUri, pos protocol.Position, newName string) (protocol.WorkspaceEdit, error) {
	params := struct {
		protocol.TextDocumentPositionParams
		NewName string `json:"newName"`
	}{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		NewName: newName,
	}
	raw, err := docsync.RequestWithLock(ctx, ds, client, 0, "textDocument/rename", params)
	if err != nil {
		return protocol.WorkspaceEdit{}, err
	}
	var edit protocol.WorkspaceEdit
	if len(raw) == 0 || string(raw) == "null" {
		return edit, nil
	}
	if err := json.Unmarshal(raw, &edit); err != nil {
		return protocol.WorkspaceEdit{}, err
	}
	return edit, nil
}
