// Package poscodec converts between LSP's UTF-16 (line, character)
// positions and byte offsets into a document snapshot, grounded on
// golang-tools/gopls/internal/protocol.Mapper's line-table approach but
// stripped of its go/token-specific conversions: the client core only
// ever needs snapshot byte offsets, not token.Pos.
package poscodec

import (
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/vtlsp/bridge/internal/protocol"
)

// PosCodec maps between protocol.Position and byte offsets for one
// immutable document snapshot. Build a new PosCodec each time the
// snapshot's content changes.
type PosCodec struct {
	content []byte

	linesOnce sync.Once
	lineStart []int // byte offset of the start of line i (0-based)
	nonASCII  bool
}

// New builds a PosCodec over content. content is not copied; callers
// must not mutate it afterward.
func New(content []byte) *PosCodec {
	return &PosCodec{content: content}
}

func (c *PosCodec) initLines() {
	c.linesOnce.Do(func() {
		n := 0
		for _, b := range c.content {
			if b == '\n' {
				n++
			}
			if b >= utf8.RuneSelf {
				c.nonASCII = true
			}
		}
		c.lineStart = make([]int, 1, n+1)
		for offset, b := range c.content {
			if b == '\n' {
				c.lineStart = append(c.lineStart, offset+1)
			}
		}
	})
}

// OffsetToPosition converts a valid byte offset (0 <= offset <=
// len(content)) to a UTF-16 line/character position.
func (c *PosCodec) OffsetToPosition(offset int) (protocol.Position, error) {
	if offset < 0 || offset > len(c.content) {
		return protocol.Position{}, fmt.Errorf("poscodec: offset %d out of range [0,%d]", offset, len(c.content))
	}
	c.initLines()
	line, lineOffset := c.lineForOffset(offset)
	var col16 int
	if c.nonASCII {
		col16 = utf16Len(c.content[lineOffset:offset])
	} else {
		col16 = offset - lineOffset
	}
	return protocol.Position{Line: uint32(line), Character: uint32(col16)}, nil
}

// PositionToOffset converts a UTF-16 line/character position to a byte
// offset. A character beyond the end of a line clamps to the line's
// end (not an error); a line beyond the last line is an error, except
// for the one-past-the-end position {len(lines), 0} which maps to EOF,
// matching how editors report the cursor position after the final
// newline.
func (c *PosCodec) PositionToOffset(p protocol.Position) (int, error) {
	c.initLines()
	if int(p.Line) > len(c.lineStart) {
		return 0, fmt.Errorf("poscodec: line %d out of range [0,%d]", p.Line, len(c.lineStart))
	}
	if int(p.Line) == len(c.lineStart) {
		if p.Character == 0 {
			return len(c.content), nil
		}
		return 0, fmt.Errorf("poscodec: line %d out of range [0,%d]", p.Line, len(c.lineStart))
	}

	start := c.lineStart[p.Line]
	end := len(c.content)
	if int(p.Line)+1 < len(c.lineStart) {
		end = c.lineStart[p.Line+1]
	}
	rest := c.content[start:end]

	offset := start
	col16 := uint32(0)
	for col16 < p.Character {
		r, size := utf8.DecodeRune(rest)
		if size == 0 || r == '\n' {
			break // clamp to end of line
		}
		rest = rest[size:]
		offset += size
		col16++
		if r >= 0x10000 {
			col16++ // surrogate pair consumes two UTF-16 code units
		}
	}
	return offset, nil
}

// lineForOffset returns the 0-based line containing offset and that
// line's starting byte offset.
func (c *PosCodec) lineForOffset(offset int) (int, int) {
	line := sort.Search(len(c.lineStart), func(i int) bool {
		return c.lineStart[i] > offset
	}) - 1
	if line < 0 {
		line = 0
	}
	return line, c.lineStart[line]
}

func utf16Len(s []byte) int {
	n := 0
	for len(s) > 0 {
		n++
		if s[0] < utf8.RuneSelf {
			s = s[1:]
			continue
		}
		r, size := utf8.DecodeRune(s)
		if r >= 0x10000 {
			n++
		}
		s = s[size:]
	}
	return n
}
