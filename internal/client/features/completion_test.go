package features

import (
	"encoding/json"
	"regexp"
	"testing"

	"golang.org/x/text/language"

	"github.com/vtlsp/bridge/internal/protocol"
)

func TestShouldTriggerOnCharacter(t *testing.T) {
	if !ShouldTrigger(".", []string{".", ":"}, "foo.", nil) {
		t.Error("expected '.' to trigger")
	}
	if ShouldTrigger("x", []string{".", ":"}, "foox", nil) {
		t.Error("did not expect 'x' to trigger")
	}
}

func TestShouldTriggerOnRegex(t *testing.T) {
	re := regexp.MustCompile(`\w{2,}$`)
	if !ShouldTrigger("o", nil, "fo", re) {
		t.Error("expected regex match to trigger")
	}
}

func TestNormalizeCompletionListAcceptsBareArray(t *testing.T) {
	raw := json.RawMessage(`[{"label":"foo"},{"label":"bar"}]`)
	items, err := normalizeCompletionList(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
}

func TestNormalizeCompletionListAcceptsItemsWrapper(t *testing.T) {
	raw := json.RawMessage(`{"isIncomplete":true,"items":[{"label":"foo"}]}`)
	items, err := normalizeCompletionList(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Label != "foo" {
		t.Fatalf("got %+v", items)
	}
}

func TestFilterAndSortPreselectFirst(t *testing.T) {
	items := []protocol.CompletionItem{
		{Label: "zzz", SortText: "b"},
		{Label: "aaa", SortText: "a", Preselect: true},
	}
	out := FilterAndSort(items, "", NewCollator(language.English))
	if out[0].Label != "aaa" {
		t.Fatalf("expected preselected item first, got %+v", out)
	}
}

func TestFilterAndSortSortTextOrder(t *testing.T) {
	items := []protocol.CompletionItem{
		{Label: "zzz", SortText: "2"},
		{Label: "aaa", SortText: "1"},
	}
	out := FilterAndSort(items, "", NewCollator(language.English))
	if out[0].Label != "aaa" || out[1].Label != "zzz" {
		t.Fatalf("got %+v", out)
	}
}

func TestFilterAndSortDropsNonMatchingWordToken(t *testing.T) {
	items := []protocol.CompletionItem{
		{Label: "fooBar"},
		{Label: "other"},
	}
	out := FilterAndSort(items, "foo", NewCollator(language.English))
	if len(out) != 1 || out[0].Label != "fooBar" {
		t.Fatalf("got %+v", out)
	}
}

func TestFilterAndSortKeepsTextEditItemsRegardlessOfMatch(t *testing.T) {
	items := []protocol.CompletionItem{
		{Label: "unrelated", TextEdit: &protocol.TextEditOrInsertReplace{TextEdit: &protocol.TextEdit{NewText: "x"}}},
		{Label: "other"},
	}
	out := FilterAndSort(items, "foo", NewCollator(language.English))
	if len(out) != 1 || out[0].Label != "unrelated" {
		t.Fatalf("expected the textEdit item to survive filtering, got %+v", out)
	}
}

func TestFilterAndSortNonWordMatchBeforeDoesNotFilter(t *testing.T) {
	items := []protocol.CompletionItem{
		{Label: "fooBar"},
		{Label: "other"},
	}
	out := FilterAndSort(items, "foo.", NewCollator(language.English))
	if len(out) != 2 {
		t.Fatalf("a non-word matchBefore must not drop items, got %+v", out)
	}
}

func TestApplyCompletionPlainTextEdit(t *testing.T) {
	item := protocol.CompletionItem{
		Label: "foo",
		TextEdit: &protocol.TextEditOrInsertReplace{
			TextEdit: &protocol.TextEdit{
				Range:   rng(0, 0, 0, 3),
				NewText: "foo($1)",
			},
		},
	}
	apply := ApplyCompletion(item, protocol.Position{})
	if len(apply.Edits) != 1 || apply.Edits[0].NewText != "foo()" {
		t.Fatalf("expected snippet markers stripped, got %+v", apply.Edits)
	}
}

func TestApplyCompletionInsertReplaceEdit(t *testing.T) {
	item := protocol.CompletionItem{
		TextEdit: &protocol.TextEditOrInsertReplace{
			InsertReplaceEdit: &protocol.InsertReplaceEdit{
				NewText: "foo",
				Insert:  rng(0, 0, 0, 0),
				Replace: rng(0, 0, 0, 3),
			},
		},
	}
	apply := ApplyCompletion(item, protocol.Position{})
	if len(apply.Edits) != 2 {
		t.Fatalf("expected an insertion + deletion edit, got %+v", apply.Edits)
	}
	if apply.Edits[0].NewText != "foo" || apply.Edits[1].NewText != "" {
		t.Fatalf("got %+v", apply.Edits)
	}
}

func TestApplyCompletionSnippetInsertText(t *testing.T) {
	item := protocol.CompletionItem{InsertText: `foo($1, \\$2)`}
	apply := ApplyCompletion(item, protocol.Position{})
	if apply.Snippet != "foo(${1}, ${2})" {
		t.Fatalf("got snippet %q", apply.Snippet)
	}
}

func TestApplyCompletionPlainLabelInsert(t *testing.T) {
	item := protocol.CompletionItem{Label: "foo"}
	apply := ApplyCompletion(item, protocol.Position{Line: 1, Character: 2})
	if len(apply.Edits) != 1 || apply.Edits[0].NewText != "foo" {
		t.Fatalf("got %+v", apply.Edits)
	}
}

func TestApplyCompletionAdditionalEditsSortedDescending(t *testing.T) {
	item := protocol.CompletionItem{
		Label: "foo",
		AdditionalTextEdits: []protocol.TextEdit{
			{Range: rng(0, 0, 0, 1), NewText: "a"},
			{Range: rng(2, 0, 2, 1), NewText: "b"},
		},
	}
	apply := ApplyCompletion(item, protocol.Position{})
	// apply.Edits[0] is the plain label insert; the rest are additional.
	if apply.Edits[1].NewText != "b" || apply.Edits[2].NewText != "a" {
		t.Fatalf("got %+v", apply.Edits)
	}
}

func TestDocumentationOmitsEmptyShapes(t *testing.T) {
	cases := []struct {
		name string
		doc  any
		ok   bool
	}{
		{"nil", nil, false},
		{"empty array", []any{}, false},
		{"whitespace", "   ", false},
		{"backtick only", "```", false},
		{"real text", "does a thing", true},
	}
	for _, c := range cases {
		_, ok := Documentation(protocol.CompletionItem{Documentation: c.doc})
		if ok != c.ok {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.ok)
		}
	}
}
