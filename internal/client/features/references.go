package features

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/vtlsp/bridge/internal/bridgeerr"
	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

// ReferenceKind selects which of the four textDocument/* requests
// References shares one handler for (spec.md §4.5).
type ReferenceKind string

const (
	KindReferences     ReferenceKind = "references"
	KindDefinition     ReferenceKind = "definition"
	KindTypeDefinition ReferenceKind = "typeDefinition"
	KindImplementation ReferenceKind = "implementation"
)

func (k ReferenceKind) method() string { return "textDocument/" + string(k) }

func (k ReferenceKind) supported(caps protocol.ServerCapabilities) bool {
	switch k {
	case KindReferences:
		return caps.ReferencesProvider
	case KindDefinition:
		return caps.DefinitionProvider
	case KindTypeDefinition:
		return caps.TypeDefinitionProvider
	case KindImplementation:
		return caps.ImplementationProvider
	default:
		return false
	}
}

// ReferenceLocation is the normalized shape every Location |
// Location[] | LocationLink[] | null response collapses to.
type ReferenceLocation struct {
	URI   protocol.DocumentUri
	Range protocol.Range
}

// Navigator is the pluggable UI surface FindReferences drives once it has
// a result: a local scroll, a callback for results in another document,
// or a click-to-jump panel for more than one result.
type Navigator interface {
	ScrollToLocalRange(r protocol.Range)
	OnExternalReference(loc ReferenceLocation)
	ShowPanel(locations []ReferenceLocation)
}

// FindReferences issues kind's request at pos in the document identified
// by uri, under ds's lock, and drives nav with the outcome. If
// goToIfOneOption is true and the server returned exactly one location,
// it navigates directly instead of opening a panel (spec.md §4.5).
func FindReferences(ctx context.Context, client Client, ds *docsync.DocumentSync, uri protocol.DocumentUri, pos protocol.Position, kind ReferenceKind, goToIfOneOption bool, nav Navigator) error {
	caps := client.Capabilities()
	if !kind.supported(caps) {
		return bridgeerr.New(bridgeerr.KindCapabilityMissing, string(kind), nil)
	}

	params := struct {
		protocol.TextDocumentPositionParams
		Context *referenceContext `json:"context,omitempty"`
	}{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	}
	if kind == KindReferences {
		params.Context = &referenceContext{IncludeDeclaration: true}
	}

	raw, err := docsync.RequestWithLock(ctx, ds, client, 0, kind.method(), params)
	if err != nil {
		return err
	}
	locs, err := normalizeLocations(raw)
	if err != nil {
		return err
	}

	if goToIfOneOption && len(locs) == 1 {
		if locs[0].URI == uri {
			nav.ScrollToLocalRange(locs[0].Range)
		} else {
			nav.OnExternalReference(locs[0])
		}
		return nil
	}
	nav.ShowPanel(locs)
	return nil
}

type referenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// locationProbe decodes either a Location or a LocationLink shape;
// exactly one of the two field groups is populated depending on which
// the server sent.
type locationProbe struct {
	URI                  *protocol.DocumentUri `json:"uri,omitempty"`
	Range                *protocol.Range       `json:"range,omitempty"`
	TargetURI            *protocol.DocumentUri `json:"targetUri,omitempty"`
	TargetSelectionRange *protocol.Range       `json:"targetSelectionRange,omitempty"`
}

func normalizeLocations(raw json.RawMessage) ([]ReferenceLocation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	var elems []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, err
		}
	} else {
		elems = []json.RawMessage{trimmed}
	}

	out := make([]ReferenceLocation, 0, len(elems))
	for _, e := range elems {
		var p locationProbe
		if err := json.Unmarshal(e, &p); err != nil {
			return nil, err
		}
		switch {
		case p.URI != nil && p.Range != nil:
			out = append(out, ReferenceLocation{URI: *p.URI, Range: *p.Range})
		case p.TargetURI != nil:
			loc := ReferenceLocation{URI: *p.TargetURI}
			if p.TargetSelectionRange != nil {
				loc.Range = *p.TargetSelectionRange
			}
			out = append(out, loc)
		}
	}
	return out, nil
}
