// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// StreamReader reads Content-Length framed messages off an underlying byte
// stream. It implements LSStreamCodec's read half (spec.md §4.15): it never
// splits a frame except at the declared Content-Length boundary, and a
// malformed header fails the stream outright.
type StreamReader struct {
	in *bufio.Reader
}

// NewStreamReader wraps r for Content-Length framed reads.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{in: bufio.NewReader(r)}
}

// ReadFrame returns the next decoded message, or an error. io.EOF is
// returned only for a clean stream close between messages.
func (r *StreamReader) ReadFrame(ctx context.Context) (Message, error) {
	raw, err := r.ReadRaw(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(raw)
}

// ReadRaw returns the next message body, undecoded. Used by components
// (MessageMux) that forward bytes without parsing every field.
func (r *StreamReader) ReadRaw(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	firstRead := true
	var contentLength int64
	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if firstRead && line == "" {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("jsonrpc2: reading header line: %w", err)
		}
		firstRead = false

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("jsonrpc2: invalid header line %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		switch name {
		case "Content-Length":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("jsonrpc2: invalid Content-Length %q", value)
			}
			contentLength = n
		default:
			// Content-Type and any unrecognized headers are ignored.
		}
	}
	if contentLength == 0 {
		return nil, fmt.Errorf("jsonrpc2: missing Content-Length header")
	}
	data := make([]byte, contentLength)
	if _, err := io.ReadFull(r.in, data); err != nil {
		return nil, fmt.Errorf("jsonrpc2: reading body: %w", err)
	}
	return data, nil
}

// StreamWriter emits Content-Length framed messages onto an underlying byte
// stream.
type StreamWriter struct {
	out io.Writer
}

// NewStreamWriter wraps w for Content-Length framed writes.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{out: w}
}

// WriteFrame encodes and writes msg as one Content-Length-prefixed frame.
func (w *StreamWriter) WriteFrame(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("jsonrpc2: marshaling message: %w", err)
	}
	return w.WriteRaw(ctx, data)
}

// WriteRaw writes a pre-encoded body with its Content-Length header.
func (w *StreamWriter) WriteRaw(ctx context.Context, body []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := fmt.Fprintf(w.out, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	_, err := w.out.Write(body)
	return err
}

// Frame renders msg's full wire bytes (header + body), the unit that
// internal/client/transport and internal/proxy/wsserver chunk across
// WebSocket frames under a max-message-size cap (spec.md §4.15).
func Frame(msg Message) ([]byte, error) {
	data, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return FrameRaw(data), nil
}

// FrameRaw prefixes an already-encoded body with its Content-Length header.
func FrameRaw(body []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}
