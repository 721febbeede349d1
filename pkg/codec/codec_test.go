package codec_test

import (
	"bytes"
	"testing"

	"github.com/aweiler/calliope/pkg/codec"
)

func TestWriteFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, []byte{0xAA, 0xBB, 0xCC}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := []byte{0x03, 0x00, 0xAA, 0xBB, 0xCC}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes = %x, want %x", buf.Bytes(), want)
	}
}

func TestWriteFrameTruncatesOversizedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, make([]byte, codec.MaxFramePayload+10)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Len(); got != 2+codec.MaxFramePayload {
		t.Fatalf("wire length = %d, want %d", got, 2+codec.MaxFramePayload)
	}
}

func TestSplitterReassemblesAcrossPushes(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	_ = codec.WriteFrame(&wire, []byte("first"))
	_ = codec.WriteFrame(&wire, []byte("second"))
	raw := wire.Bytes()

	var s codec.Splitter
	var frames [][]byte
	// Feed one byte at a time to exercise partial-prefix and partial-payload paths.
	for _, b := range raw {
		frames = append(frames, s.Push([]byte{b})...)
	}

	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[0]) != "first" || string(frames[1]) != "second" {
		t.Fatalf("frames = %q, %q", frames[0], frames[1])
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", s.Pending())
	}
}

func TestSplitterSkipsZeroLengthPrefix(t *testing.T) {
	t.Parallel()

	var s codec.Splitter
	// zero-length prefix, then a 1-byte frame
	frames := s.Push([]byte{0x00, 0x00, 0x01, 0x00, 0x42})
	if len(frames) != 1 || frames[0][0] != 0x42 {
		t.Fatalf("frames = %v, want one frame [0x42]", frames)
	}
}

func TestSplitterReturnsCopies(t *testing.T) {
	t.Parallel()

	var s codec.Splitter
	input := []byte{0x02, 0x00, 0x01, 0x02}
	frames := s.Push(input)
	input[2] = 0xFF
	if frames[0][0] != 0x01 {
		t.Fatalf("frame aliases the input buffer")
	}
}
