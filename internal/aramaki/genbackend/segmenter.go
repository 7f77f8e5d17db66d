package genbackend

import "strings"

// maxSegmentBytes caps how much text a segmenter buffers before forcing a
// flush, so long single-paragraph answers still reach the reader in pieces.
const maxSegmentBytes = 512

// segmenter coalesces token-sized deltas into paragraph segments. Models
// emit a word or two at a time; the stream store joins appends with a
// blank line, so forwarding raw deltas would shred the answer. Segments
// are emitted on paragraph breaks or when the buffer grows past
// maxSegmentBytes.
type segmenter struct {
	emit func(string)
	buf  strings.Builder
}

func newSegmenter(emit func(string)) *segmenter {
	return &segmenter{emit: emit}
}

// Write adds a delta and emits any segments it completes.
func (s *segmenter) Write(delta string) {
	if delta == "" {
		return
	}
	s.buf.WriteString(delta)

	for {
		text := s.buf.String()
		i := strings.Index(text, "\n\n")
		if i < 0 {
			break
		}
		s.buf.Reset()
		s.buf.WriteString(text[i+2:])
		s.emitSegment(text[:i])
	}

	if s.buf.Len() >= maxSegmentBytes {
		text := s.buf.String()
		s.buf.Reset()
		s.emitSegment(text)
	}
}

// Flush emits whatever is still buffered. Call once, after the model is
// done.
func (s *segmenter) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.emitSegment(text)
}

func (s *segmenter) emitSegment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.emit(text)
}
