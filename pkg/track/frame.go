// Package track implements the Queclink @Track wire protocol spoken by
// GV50-class trackers: frame reassembly over TCP, positional report parsing,
// and ACK / AT command synthesis.
//
// Frames are ASCII, comma-separated, `$`-terminated:
//
//	+RESP:GTFRI,250504,865083030049613,,...,20250727122605,0123$
//
// There is no length prefix and no verified checksum; framing is purely
// delimiter-driven.
package track

import (
	"bytes"
	"errors"
	"unicode/utf8"
)

const (
	frameStart = '+'
	frameEnd   = '$'

	// MaxBufferBytes caps the per-connection reassembly buffer. A device
	// never produces frames anywhere near this large; crossing the cap means
	// the stream is garbage or the terminator was lost.
	MaxBufferBytes = 64 * 1024
)

// ErrBufferOverflow reports that the reassembly buffer exceeded
// MaxBufferBytes without a frame terminator. The buffer has been cleared and
// the stream may continue.
var ErrBufferOverflow = errors.New("track: frame buffer overflow")

// Splitter reassembles complete frames from a TCP byte stream. Partial
// frames persist across Feed calls. The zero value is ready to use.
// Splitter is not safe for concurrent use; each connection owns one.
type Splitter struct {
	buf []byte
}

// Feed appends raw bytes from the wire and returns every frame that is now
// complete, in arrival order. Bytes preceding a frame start are discarded.
// When the residue exceeds MaxBufferBytes it is dropped and
// ErrBufferOverflow returned alongside any frames completed by this chunk.
func (s *Splitter) Feed(p []byte) ([]string, error) {
	s.buf = append(s.buf, p...)

	var frames []string
	for {
		start := bytes.IndexByte(s.buf, frameStart)
		if start < 0 {
			// nothing a frame could grow from
			s.buf = s.buf[:0]
			break
		}
		end := bytes.IndexByte(s.buf[start:], frameEnd)
		if end < 0 {
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
			break
		}
		frames = append(frames, DecodeWire(s.buf[start:start+end+1]))
		s.buf = append(s.buf[:0], s.buf[start+end+1:]...)
	}

	if len(s.buf) > MaxBufferBytes {
		s.buf = nil
		return frames, ErrBufferOverflow
	}
	return frames, nil
}

// Pending returns the number of buffered bytes still awaiting a terminator.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// DecodeWire converts raw wire bytes to a string. The protocol is ASCII, but
// some firmware revisions put 8-bit bytes in free-text fields; invalid UTF-8
// falls back to Latin-1, one rune per byte, so a frame is never rejected for
// its encoding.
func DecodeWire(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
