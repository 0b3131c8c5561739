package jsonrpc2

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestFramingRoundTrip is the spec.md §8 property: for any JSON payload,
// reading back what was written yields exactly one equal message.
func TestFramingRoundTrip(t *testing.T) {
	ctx := context.Background()
	req, err := NewCall(Int64ID(42), "textDocument/hover", map[string]int{"line": 3})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	if err := w.WriteFrame(ctx, req); err != nil {
		t.Fatal(err)
	}

	r := NewStreamReader(&buf)
	got, err := r.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	gotReq, ok := got.(*Request)
	if !ok {
		t.Fatalf("got %T, want *Request", got)
	}
	if diff := cmp.Diff(req.Method, gotReq.Method); diff != "" {
		t.Errorf("method mismatch (-want +got):\n%s", diff)
	}
	if gotReq.ID.Raw() != req.ID.Raw() {
		t.Errorf("id = %v, want %v", gotReq.ID.Raw(), req.ID.Raw())
	}
}

func TestFramingMultipleMessages(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)

	n1, _ := NewNotification("textDocument/didOpen", nil)
	n2, _ := NewNotification("textDocument/didChange", nil)
	if err := w.WriteFrame(ctx, n1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame(ctx, n2); err != nil {
		t.Fatal(err)
	}

	r := NewStreamReader(&buf)
	for i, want := range []string{"textDocument/didOpen", "textDocument/didChange"} {
		msg, err := r.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		req := msg.(*Request)
		if req.Method != want {
			t.Errorf("message %d: method = %q, want %q", i, req.Method, want)
		}
	}
}

func TestMalformedHeaderFails(t *testing.T) {
	r := NewStreamReader(bytes.NewBufferString("Content-Length: notanumber\r\n\r\n{}"))
	if _, err := r.ReadFrame(context.Background()); err == nil {
		t.Fatal("expected error for malformed Content-Length header")
	}
}

func TestIDJSONRoundTrip(t *testing.T) {
	for _, id := range []ID{StringID("abc"), Int64ID(7), {}} {
		data, err := id.MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		var got ID
		if err := got.UnmarshalJSON(data); err != nil {
			t.Fatal(err)
		}
		if got.Raw() != id.Raw() {
			t.Errorf("round trip %v -> %v", id.Raw(), got.Raw())
		}
	}
}
