// Package wsframe bridges the byte-stream Content-Length framing
// (internal/jsonrpc2) to the message-oriented WebSocket transport used by
// both internal/proxy/wsserver and internal/client/transport, per
// spec.md §4.15.
package wsframe

import (
	"io"

	"github.com/gorilla/websocket"
)

// MessageWriter is the subset of *websocket.Conn used to send frames.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// MessageReader is the subset of *websocket.Conn used to receive frames.
type MessageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// WriteChunked writes data as one or more binary WebSocket messages, none
// exceeding maxMessageSize bytes. It never splits at anything but an
// arbitrary byte boundary — reassembly on the far side relies entirely on
// the Content-Length prefix already present in data (spec.md §4.15:
// "never splits except by arbitrary byte boundary"). maxMessageSize <= 0
// means unbounded: data is written as a single frame.
func WriteChunked(w MessageWriter, maxMessageSize int, data []byte) error {
	if maxMessageSize <= 0 || len(data) <= maxMessageSize {
		return w.WriteMessage(websocket.BinaryMessage, data)
	}
	for len(data) > 0 {
		n := maxMessageSize
		if n > len(data) {
			n = len(data)
		}
		if err := w.WriteMessage(websocket.BinaryMessage, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// PumpToPipe reads frames from r and writes their payload bytes to pw
// until r.ReadMessage fails, at which point pw is closed with that error
// so a jsonrpc2.StreamReader reading from the pipe's read end observes a
// clean EOF or the underlying failure. Meant to run in its own goroutine
// for the life of one WebSocket connection.
func PumpToPipe(r MessageReader, pw *io.PipeWriter) {
	for {
		_, data, err := r.ReadMessage()
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := pw.Write(data); err != nil {
			return
		}
	}
}
