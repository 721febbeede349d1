// Package codec defines the abstract stream-transcoder contract used by the
// capture and egress pipelines, plus the length-prefixed byte framing shared
// by every implementation.
//
// A [Stream] is a one-directional transcoder: the decoder side turns
// compressed frames into linear PCM, the encoder side turns linear PCM into
// compressed frames. Input is pushed with Feed; output arrives asynchronously
// through the frame callback supplied at construction, strictly in the order
// the input was submitted. Implementations may run in-process (see
// [github.com/aweiler/calliope/pkg/codec/opus]) or as a long-lived child
// process speaking the framing protocol over pipes (see
// [github.com/aweiler/calliope/pkg/codec/pipe]).
package codec

import (
	"encoding/binary"
	"io"
)

// FrameFunc receives one transcoded output frame. Implementations invoke it
// sequentially; callbacks must not block for long or they stall the stream.
type FrameFunc func(frame []byte)

// Stream is a one-directional audio transcoder.
//
// After CloseInput no further Feed calls are allowed; remaining output is
// flushed and Done is closed once the last frame has been delivered.
// Close tears the stream down immediately, discarding pending output.
// Close after CloseInput is valid and idempotent.
type Stream interface {
	// Feed submits one input chunk. For decoders a chunk is exactly one
	// compressed frame; for encoders it is an arbitrary slice of PCM bytes.
	Feed(chunk []byte) error

	// CloseInput signals end of input and triggers a flush of buffered data.
	CloseInput() error

	// Done is closed when all output for the submitted input has been
	// delivered, either after CloseInput completes or after Close.
	Done() <-chan struct{}

	// Close releases all resources. Safe to call more than once.
	Close() error
}

// MaxFramePayload is the largest payload expressible in the 2-byte length
// prefix. Longer buffers must be split by the caller before framing.
const MaxFramePayload = 0xFFFF

// WriteFrame writes payload to w prefixed with its length as a 2-byte
// little-endian integer. Payloads longer than [MaxFramePayload] are truncated
// to that length, matching the wire contract of the codec gateway.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		payload = payload[:MaxFramePayload]
	}
	var prefix [2]byte
	binary.LittleEndian.PutUint16(prefix[:], uint16(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Splitter incrementally reassembles length-prefixed frames from a byte
// stream. A zero-length prefix means "no frame yet": it is consumed and
// skipped without emitting anything. Not safe for concurrent use.
type Splitter struct {
	buf []byte
}

// Push appends data to the splitter and returns every complete frame that
// became available. Returned slices are copies and safe to retain.
func (s *Splitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for len(s.buf) >= 2 {
		plen := int(binary.LittleEndian.Uint16(s.buf))
		if plen == 0 {
			s.buf = s.buf[2:]
			continue
		}
		if len(s.buf) < 2+plen {
			break
		}
		frame := make([]byte, plen)
		copy(frame, s.buf[2:2+plen])
		s.buf = s.buf[2+plen:]
		frames = append(frames, frame)
	}
	return frames
}

// Pending reports how many buffered bytes are waiting for a complete frame.
func (s *Splitter) Pending() int { return len(s.buf) }
