package wsframe

import (
	"bytes"
	"io"
	"testing"
)

type fakeWriter struct {
	frames [][]byte
}

func (f *fakeWriter) WriteMessage(messageType int, data []byte) error {
	cp := append([]byte(nil), data...)
	f.frames = append(f.frames, cp)
	return nil
}

// TestWriteChunkedSplitsAtMaxSize checks spec.md §4.15: a buffer larger
// than maxMessageSize is split into multiple frames, none exceeding it.
func TestWriteChunkedSplitsAtMaxSize(t *testing.T) {
	w := &fakeWriter{}
	data := bytes.Repeat([]byte("a"), 25)
	if err := WriteChunked(w, 10, data); err != nil {
		t.Fatal(err)
	}
	if len(w.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(w.frames))
	}
	var reassembled []byte
	for _, f := range w.frames {
		if len(f) > 10 {
			t.Errorf("frame exceeds maxMessageSize: %d", len(f))
		}
		reassembled = append(reassembled, f...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled chunks do not match original data")
	}
}

func TestWriteChunkedUnboundedIsSingleFrame(t *testing.T) {
	w := &fakeWriter{}
	data := bytes.Repeat([]byte("b"), 100)
	if err := WriteChunked(w, 0, data); err != nil {
		t.Fatal(err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(w.frames))
	}
}

type fakeReader struct {
	frames [][]byte
	i      int
}

func (f *fakeReader) ReadMessage() (int, []byte, error) {
	if f.i >= len(f.frames) {
		return 0, nil, io.EOF
	}
	data := f.frames[f.i]
	f.i++
	return 2, data, nil
}

// TestPumpToPipeReassemblesAcrossFrames checks that bytes split across
// multiple WebSocket frames are delivered as one contiguous stream.
func TestPumpToPipeReassemblesAcrossFrames(t *testing.T) {
	r := &fakeReader{frames: [][]byte{[]byte("Content-Length: 5"), []byte("\r\n\r\nhello")}}
	pr, pw := io.Pipe()
	go PumpToPipe(r, pw)

	buf := make([]byte, len("Content-Length: 5\r\n\r\nhello"))
	if _, err := io.ReadFull(pr, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "Content-Length: 5\r\n\r\nhello" {
		t.Errorf("got %q", buf)
	}

	// The pipe closes (EOF) once the fake reader runs out of frames.
	_, err := pr.Read(make([]byte, 1))
	if err != io.EOF {
		t.Errorf("expected EOF after frames exhausted, got %v", err)
	}
}
