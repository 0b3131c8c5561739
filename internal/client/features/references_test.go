package features

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vtlsp/bridge/internal/client/docsync"
	"github.com/vtlsp/bridge/internal/protocol"
)

type fakeClient struct {
	caps    protocol.ServerCapabilities
	lastReq struct {
		method string
		params any
	}
	response json.RawMessage
	err      error
}

func (f *fakeClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.lastReq.method = method
	f.lastReq.params = params
	return f.response, f.err
}

func (f *fakeClient) Notify(method string, params any) error { return nil }

func (f *fakeClient) Capabilities() protocol.ServerCapabilities { return f.caps }

type recordingNav struct {
	scrolled  *protocol.Range
	external  *ReferenceLocation
	panelShow []ReferenceLocation
	panelCall bool
}

func (n *recordingNav) ScrollToLocalRange(r protocol.Range) { n.scrolled = &r }
func (n *recordingNav) OnExternalReference(loc ReferenceLocation) {
	n.external = &loc
}
func (n *recordingNav) ShowPanel(locations []ReferenceLocation) {
	n.panelCall = true
	n.panelShow = locations
}

func TestFindReferencesReportsCapabilityMissing(t *testing.T) {
	ds := docsync.New("file:///a.ts", "typescript", "abc", &fakeClient{}, nil)
	defer ds.Close()
	client := &fakeClient{caps: protocol.ServerCapabilities{}}
	err := FindReferences(context.Background(), client, ds, "file:///a.ts", protocol.Position{}, KindDefinition, true, &recordingNav{})
	if err == nil {
		t.Fatal("expected a capability-missing error")
	}
}

func TestFindReferencesSingleResultScrollsLocally(t *testing.T) {
	client := &fakeClient{
		caps:     protocol.ServerCapabilities{DefinitionProvider: true},
		response: json.RawMessage(`{"uri":"file:///a.ts","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":5}}}`),
	}
	ds := docsync.New("file:///a.ts", "typescript", "abc", client, nil)
	defer ds.Close()

	nav := &recordingNav{}
	if err := FindReferences(context.Background(), client, ds, "file:///a.ts", protocol.Position{}, KindDefinition, true, nav); err != nil {
		t.Fatal(err)
	}
	if nav.scrolled == nil {
		t.Fatal("expected ScrollToLocalRange to be called")
	}
	if nav.scrolled.Start.Line != 1 {
		t.Errorf("Start.Line = %d", nav.scrolled.Start.Line)
	}
}

func TestFindReferencesSingleExternalResultCallsCallback(t *testing.T) {
	client := &fakeClient{
		caps:     protocol.ServerCapabilities{DefinitionProvider: true},
		response: json.RawMessage(`{"uri":"file:///other.ts","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}}`),
	}
	ds := docsync.New("file:///a.ts", "typescript", "abc", client, nil)
	defer ds.Close()

	nav := &recordingNav{}
	if err := FindReferences(context.Background(), client, ds, "file:///a.ts", protocol.Position{}, KindDefinition, true, nav); err != nil {
		t.Fatal(err)
	}
	if nav.external == nil {
		t.Fatal("expected OnExternalReference to be called")
	}
	if nav.external.URI != "file:///other.ts" {
		t.Errorf("URI = %q", nav.external.URI)
	}
}

func TestFindReferencesMultipleResultsShowsPanel(t *testing.T) {
	client := &fakeClient{
		caps: protocol.ServerCapabilities{ReferencesProvider: true},
		response: json.RawMessage(`[
			{"uri":"file:///a.ts","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}},
			{"uri":"file:///b.ts","range":{"start":{"line":2,"character":0},"end":{"line":2,"character":1}}}
		]`),
	}
	ds := docsync.New("file:///a.ts", "typescript", "abc", client, nil)
	defer ds.Close()

	nav := &recordingNav{}
	if err := FindReferences(context.Background(), client, ds, "file:///a.ts", protocol.Position{}, KindReferences, true, nav); err != nil {
		t.Fatal(err)
	}
	if !nav.panelCall || len(nav.panelShow) != 2 {
		t.Fatalf("expected a 2-entry panel, got %+v", nav.panelShow)
	}
}

func TestNormalizeLocationsHandlesLocationLinks(t *testing.T) {
	raw := json.RawMessage(`[{"targetUri":"file:///a.ts","targetRange":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"targetSelectionRange":{"start":{"line":0,"character":2},"end":{"line":0,"character":3}}}]`)
	locs, err := normalizeLocations(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0].URI != "file:///a.ts" || locs[0].Range.Start.Character != 2 {
		t.Fatalf("got %+v", locs)
	}
}

func TestNormalizeLocationsNull(t *testing.T) {
	locs, err := normalizeLocations(json.RawMessage(`null`))
	if err != nil {
		t.Fatal(err)
	}
	if locs != nil {
		t.Fatalf("expected nil, got %+v", locs)
	}
}
