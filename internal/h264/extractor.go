package h264

import "encoding/binary"

// softCapBytes bounds the pending byte buffer. On overflow the oldest bytes
// are discarded rather than growing the buffer unboundedly on a stalled
// stream.
const softCapBytes = 512 * 1024

// maxGarbageSkip bounds how many leading bytes a single Feed call will
// discard while searching for a recognizable unit boundary.
const maxGarbageSkip = 64

type streamFormat int

const (
	formatNeedMore streamFormat = iota
	formatAnnexB
	formatLengthPrefixed
	formatUnknown
)

// Extractor reframes a byte stream carrying either Annex-B or 4-byte
// length-prefixed H.264 units into Annex-B NAL units. It is not safe for
// concurrent use; callers serialize Feed calls (the ingest broadcast loop).
type Extractor struct {
	buf []byte
}

// NewExtractor returns an empty Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Feed appends chunk to the internal buffer and returns every NAL unit that
// can be confidently emitted. The final partial unit of an Annex-B stream is
// held back until the next start code arrives.
func (e *Extractor) Feed(chunk []byte) []NAL {
	e.buf = append(e.buf, chunk...)
	if len(e.buf) > softCapBytes {
		overflow := len(e.buf) - softCapBytes
		trimmed := make([]byte, len(e.buf)-overflow)
		copy(trimmed, e.buf[overflow:])
		e.buf = trimmed
	}

	var out []NAL
	skips := 0
	for len(e.buf) > 0 {
		format, scLen := detectFormat(e.buf)
		switch format {
		case formatNeedMore:
			return out
		case formatUnknown:
			skips++
			if skips > maxGarbageSkip {
				return out
			}
			e.buf = e.buf[1:]
		case formatAnnexB:
			nal, rest, ok := extractAnnexB(e.buf, scLen)
			if !ok {
				if len(e.buf) > MaxNALSize {
					e.buf = nil
				}
				return out
			}
			out = append(out, nal)
			e.buf = rest
			skips = 0
		case formatLengthPrefixed:
			nal, rest, ok := extractLengthPrefixed(e.buf)
			if !ok {
				return out
			}
			out = append(out, nal)
			e.buf = rest
			skips = 0
		}
	}
	return out
}

// Reset discards any buffered, unconfirmed bytes.
func (e *Extractor) Reset() {
	e.buf = nil
}

func detectFormat(buf []byte) (streamFormat, int) {
	if len(buf) < 5 {
		return formatNeedMore, 0
	}
	if pos, scLen, found := findStartCode(buf, 0); found && pos == 0 {
		return formatAnnexB, scLen
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length > 0 && length <= MaxNALSize {
		if HeaderType(buf[4]) != 0 {
			return formatLengthPrefixed, 0
		}
	}
	return formatUnknown, 0
}

// findStartCode returns the earliest 3- or 4-byte Annex-B start code at or
// after from, preferring the 4-byte form when both match the same position.
func findStartCode(buf []byte, from int) (pos, scLen int, found bool) {
	for i := from; i+3 <= len(buf); i++ {
		if i+4 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 0 && buf[i+3] == 1 {
			return i, 4, true
		}
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			return i, 3, true
		}
	}
	return 0, 0, false
}

func extractAnnexB(buf []byte, scLen0 int) (NAL, []byte, bool) {
	pos1, _, found := findStartCode(buf, scLen0)
	if !found {
		return NAL{}, buf, false
	}
	payload := buf[scLen0:pos1]
	rest := buf[pos1:]
	return buildNAL(payload), rest, true
}

func extractLengthPrefixed(buf []byte) (NAL, []byte, bool) {
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	total := 4 + length
	if total > len(buf) {
		return NAL{}, buf, false
	}
	payload := buf[4:total]
	rest := buf[total:]
	return buildNAL(payload), rest, true
}

func buildNAL(payload []byte) NAL {
	bytes := make([]byte, 0, len(StartCode)+len(payload))
	bytes = append(bytes, StartCode...)
	bytes = append(bytes, payload...)
	return NAL{Type: nalType(bytes), Bytes: bytes}
}
