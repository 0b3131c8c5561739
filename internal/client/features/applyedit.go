package features

import (
	"sort"

	"github.com/vtlsp/bridge/internal/protocol"
)

// LocalEdit groups the TextEdits destined for one document, keyed by that
// document's URI, for callers that apply across documents.
type LocalEdit struct {
	URI   protocol.DocumentUri
	Edits []protocol.TextEdit
}

// PartitionedEdit is the result of partitioning a WorkspaceEdit by target
// document (spec.md §4.7).
type PartitionedEdit struct {
	// Current holds the edits for currentURI, sorted by range start
	// descending so earlier edits don't invalidate later ones' offsets.
	Current []protocol.TextEdit
	// Other holds every other document's edits, grouped by URI, for the
	// consumer's onWorkspaceEdit callback.
	Other []LocalEdit
	// FileOperations holds Create/Rename/Delete entries, surfaced but not
	// executed (spec.md §4.7).
	FileOperations []protocol.DocumentChange
}

// PartitionWorkspaceEdit splits edit into the current document's edits
// (ready to apply as one transaction), every other document's edits, and
// file operations. DocumentChanges is preferred over Changes when both
// are present.
func PartitionWorkspaceEdit(edit protocol.WorkspaceEdit, currentURI protocol.DocumentUri) PartitionedEdit {
	var out PartitionedEdit

	if len(edit.DocumentChanges) > 0 {
		byURI := make(map[protocol.DocumentUri][]protocol.TextEdit)
		var order []protocol.DocumentUri
		for _, dc := range edit.DocumentChanges {
			switch {
			case dc.TextDocumentEdit != nil:
				uri := dc.TextDocumentEdit.TextDocument.URI
				if _, seen := byURI[uri]; !seen {
					order = append(order, uri)
				}
				byURI[uri] = append(byURI[uri], dc.TextDocumentEdit.Edits...)
			default:
				out.FileOperations = append(out.FileOperations, dc)
			}
		}
		for _, uri := range order {
			if uri == currentURI {
				out.Current = append(out.Current, byURI[uri]...)
			} else {
				out.Other = append(out.Other, LocalEdit{URI: uri, Edits: byURI[uri]})
			}
		}
	} else {
		for uri, edits := range edit.Changes {
			if uri == currentURI {
				out.Current = append(out.Current, edits...)
			} else {
				out.Other = append(out.Other, LocalEdit{URI: uri, Edits: edits})
			}
		}
	}

	sortEditsDescending(out.Current)
	for i := range out.Other {
		sortEditsDescending(out.Other[i].Edits)
	}
	return out
}

// sortEditsDescending orders edits by range start descending so applying
// them in order never invalidates a not-yet-applied edit's offsets.
func sortEditsDescending(edits []protocol.TextEdit) {
	sort.SliceStable(edits, func(i, j int) bool {
		return rangeStartAfter(edits[i].Range, edits[j].Range)
	})
}

func rangeStartAfter(a, b protocol.Range) bool {
	if a.Start.Line != b.Start.Line {
		return a.Start.Line > b.Start.Line
	}
	return a.Start.Character > b.Start.Character
}
