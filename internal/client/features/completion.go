package features

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

// wordTokenRe matches a "match-before" token made entirely of word
// characters; only tokens of this shape trigger the filter-out rule in
// FilterAndSort (spec.md §4.4).
var wordTokenRe = regexp.MustCompile(`^\w+$`)

// snippetNumberRe matches the LSP $n snippet placeholder shape used both
// to strip it (TextEdit apply) and promote it to ${n} (insertText apply).
var snippetNumberRe = regexp.MustCompile(`\$(\d+)\b`)

// NewCollator builds the locale-aware collator completion sorting uses
// for the sortText ?? label comparison (spec.md §4.4 "locale compare").
func NewCollator(tag language.Tag) *collate.Collator {
	return collate.New(tag)
}

// ShouldTrigger reports whether a completion request should fire: either
// precedingChar is one of the server's trigger characters, or preCursor
// matches matchBefore (a caller-configured regex; nil disables it).
func ShouldTrigger(precedingChar string, triggerChars []string, preCursor string, matchBefore *regexp.Regexp) bool {
	for _, c := range triggerChars {
		if c == precedingChar {
			return true
		}
	}
	return matchBefore != nil && matchBefore.MatchString(preCursor)
}

// RequestCompletion issues textDocument/completion under ds's lock and
// normalizes the list | {items} response shape.
func RequestCompletion(ctx context.Context, client Client, ds *docsync.DocumentSync, uri protocol.DocumentUri, pos protocol.Position) ([]protocol.CompletionItem, error) {
	params := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	raw, err := docsync.RequestWithLock(ctx, ds, client, 0, "textDocument/completion", params)
	if err != nil {
		return nil, err
	}
	return normalizeCompletionList(raw)
}

func normalizeCompletionList(raw json.RawMessage) ([]protocol.CompletionItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []protocol.CompletionItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var list protocol.CompletionList
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// FilterAndSort applies spec.md §4.4's filtering and sorting rules. It is
// a stable, total ordering: preselected items first, then by sortText ??
// label via collator, with matchBefore-prefixed items (case-insensitive)
// outranking the rest. When matchBefore is a bare word token, items
// without a textEdit whose filterText ?? label doesn't start with it are
// dropped entirely; items carrying a textEdit always survive, since they
// may rewrite the whole token.
func FilterAndSort(items []protocol.CompletionItem, matchBefore string, collator *collate.Collator) []protocol.CompletionItem {
	filtered := items
	if matchBefore != "" && wordTokenRe.MatchString(matchBefore) {
		lowered := strings.ToLower(matchBefore)
		kept := make([]protocol.CompletionItem, 0, len(items))
		for _, it := range items {
			if it.TextEdit != nil || startsWithFold(it, lowered) {
				kept = append(kept, it)
			}
		}
		filtered = kept
	}

	lowerMatch := strings.ToLower(matchBefore)
	out := append([]protocol.CompletionItem(nil), filtered...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Preselect != b.Preselect {
			return a.Preselect
		}
		if matchBefore != "" {
			aStarts, bStarts := startsWithFold(a, lowerMatch), startsWithFold(b, lowerMatch)
			if aStarts != bStarts {
				return aStarts
			}
		}
		aKey, bKey := sortKey(a), sortKey(b)
		if collator != nil {
			return collator.CompareString(aKey, bKey) < 0
		}
		return aKey < bKey
	})
	return out
}

func sortKey(it protocol.CompletionItem) string {
	if it.SortText != "" {
		return it.SortText
	}
	return it.Label
}

func startsWithFold(it protocol.CompletionItem, lowerPrefix string) bool {
	ft := it.FilterText
	if ft == "" {
		ft = it.Label
	}
	return strings.HasPrefix(strings.ToLower(ft), lowerPrefix)
}

// CompletionApply describes how to apply one chosen completion item: the
// edits to perform (already in apply order) and, for the insertText
// snippet path, the snippet text for the editor's snippet engine instead
// of a plain edit.
type CompletionApply struct {
	Edits   []protocol.TextEdit
	Snippet string // non-empty iff the item used the insertText snippet path
}

// ApplyCompletion computes the edits (or snippet) for choosing item at
// pos, including additionalTextEdits sorted by end position descending
// (spec.md §4.4).
func ApplyCompletion(item protocol.CompletionItem, pos protocol.Position) CompletionApply {
	var apply CompletionApply

	switch {
	case item.TextEdit != nil && item.TextEdit.TextEdit != nil:
		te := *item.TextEdit.TextEdit
		te.NewText = snippetNumberRe.ReplaceAllString(te.NewText, "")
		apply.Edits = append(apply.Edits, te)
	case item.TextEdit != nil && item.TextEdit.InsertReplaceEdit != nil:
		ire := item.TextEdit.InsertReplaceEdit
		apply.Edits = append(apply.Edits, protocol.TextEdit{Range: ire.Insert, NewText: ire.NewText})
		if ire.Replace != ire.Insert {
			remainder := protocol.Range{Start: ire.Insert.End, End: ire.Replace.End}
			apply.Edits = append(apply.Edits, protocol.TextEdit{Range: remainder, NewText: ""})
		}
	case item.InsertText != "":
		text := strings.ReplaceAll(item.InsertText, `\\`, "")
		apply.Snippet = snippetNumberRe.ReplaceAllString(text, `${$1}`)
	default:
		apply.Edits = append(apply.Edits, protocol.TextEdit{
			Range:   protocol.Range{Start: pos, End: pos},
			NewText: item.Label,
		})
	}

	additional := append([]protocol.TextEdit(nil), item.AdditionalTextEdits...)
	sort.SliceStable(additional, func(i, j int) bool {
		a, b := additional[i].Range.End, additional[j].Range.End
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})
	apply.Edits = append(apply.Edits, additional...)
	return apply
}

// Documentation extracts item's documentation text, reporting ok=false
// for the "empty" shapes spec.md §4.4 says must be omitted: nil, an
// empty array, or whitespace/backtick-only text.
func Documentation(item protocol.CompletionItem) (string, bool) {
	var text string
	switch v := item.Documentation.(type) {
	case nil:
		return "", false
	case string:
		text = v
	case map[string]any:
		s, _ := v["value"].(string)
		text = s
	case []any:
		if len(v) == 0 {
			return "", false
		}
		for _, e := range v {
			if s, ok := e.(string); ok {
				text += s
			}
		}
	default:
		return "", false
	}
	trimmed := strings.Trim(strings.TrimSpace(text), "`")
	if strings.TrimSpace(trimmed) == "" {
		return "", false
	}
	return text, true
}

// ResolveDocumentation issues completionItem/resolve for item when the
// server advertises resolve support, returning its (possibly still
// empty) documentation.
func ResolveDocumentation(ctx context.Context, client Client, item protocol.CompletionItem) (string, bool, error) {
	caps := client.Capabilities()
	if caps.CompletionProvider == nil || !caps.CompletionProvider.ResolveProvider {
		return Documentation(item)
	}
	raw, err := client.Request(ctx, "completionItem/resolve", item)
	if err != nil {
		return "", false, err
	}
	var resolved protocol.CompletionItem
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return "", false, err
	}
	doc, ok := Documentation(resolved)
	return doc, ok, nil
}
