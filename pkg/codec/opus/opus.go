// Package opus provides in-process Opus implementations of [codec.Stream]
// backed by layeh.com/gopus. Because en/decoding happens synchronously inside
// Feed, output frames are trivially FIFO with respect to input.
package opus

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/aweiler/calliope/pkg/audio"
	"github.com/aweiler/calliope/pkg/codec"
)

// maxEncodedBytes is the output buffer cap handed to the Opus encoder.
// Opus frames for speech at 24 kHz stay far below this.
const maxEncodedBytes = 4000

var errClosed = errors.New("opus: stream is closed")

// Decoder turns Opus packets into little-endian 16-bit PCM. One packet in,
// one PCM frame out. It implements [codec.Stream].
//
// A Decoder is owned by a single session's capture pipeline and must not be
// shared across goroutines without external synchronisation.
type Decoder struct {
	mu        sync.Mutex
	dec       *gopus.Decoder
	onFrame   codec.FrameFunc
	frameSize int // samples per channel per packet
	done      chan struct{}
	closed    bool
}

// NewDecoder creates a Decoder for the given stream parameters. frameMs is
// the packet duration the device negotiated (60 ms for the wire protocol).
func NewDecoder(sampleRate, channels, frameMs int, onFrame codec.FrameFunc) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		onFrame:   onFrame,
		frameSize: sampleRate * frameMs / 1000,
		done:      make(chan struct{}),
	}, nil
}

// Feed decodes one Opus packet and delivers the resulting PCM frame.
func (d *Decoder) Feed(packet []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	d.onFrame(audio.Int16sToBytes(pcm))
	return nil
}

// CloseInput marks the stream complete. Decoding is synchronous, so there is
// nothing left to flush.
func (d *Decoder) CloseInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finish()
	return nil
}

// Done reports output completion.
func (d *Decoder) Done() <-chan struct{} { return d.done }

// Close releases the decoder. Safe to call more than once.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finish()
	return nil
}

func (d *Decoder) finish() {
	if !d.closed {
		d.closed = true
		close(d.done)
	}
}

// Encoder turns little-endian 16-bit PCM into fixed-duration Opus packets.
// PCM may arrive in arbitrary chunk sizes; the encoder slices it into
// frameMs-long frames and emits one packet per frame. The final partial
// frame is zero-padded on CloseInput so its tail is not lost.
// It implements [codec.Stream].
type Encoder struct {
	mu         sync.Mutex
	enc        *gopus.Encoder
	onFrame    codec.FrameFunc
	frameBytes int // bytes of PCM per packet
	frameSize  int // samples per channel per packet
	pending    []byte
	done       chan struct{}
	closed     bool
}

// NewEncoder creates an Encoder producing Opus packets of frameMs duration.
func NewEncoder(sampleRate, channels, frameMs int, onFrame codec.FrameFunc) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	frameSize := sampleRate * frameMs / 1000
	return &Encoder{
		enc:        enc,
		onFrame:    onFrame,
		frameBytes: frameSize * channels * 2,
		frameSize:  frameSize,
		done:       make(chan struct{}),
	}, nil
}

// Feed appends PCM bytes and emits a packet for every complete frame.
func (e *Encoder) Feed(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	e.pending = append(e.pending, pcm...)
	return e.drainLocked()
}

// CloseInput flushes the zero-padded final frame and completes the stream.
func (e *Encoder) CloseInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	var err error
	if len(e.pending) > 0 {
		pad := make([]byte, e.frameBytes-len(e.pending))
		e.pending = append(e.pending, pad...)
		err = e.drainLocked()
	}
	e.finish()
	return err
}

// Done reports output completion.
func (e *Encoder) Done() <-chan struct{} { return e.done }

// Close releases the encoder, discarding any buffered partial frame.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	e.finish()
	return nil
}

func (e *Encoder) finish() {
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

// drainLocked encodes every complete frame in the pending buffer.
// Must be called with e.mu held.
func (e *Encoder) drainLocked() error {
	for len(e.pending) >= e.frameBytes {
		frame := e.pending[:e.frameBytes]
		e.pending = e.pending[e.frameBytes:]
		packet, err := e.enc.Encode(audio.BytesToInt16s(frame), e.frameSize, maxEncodedBytes)
		if err != nil {
			return fmt.Errorf("opus: encode: %w", err)
		}
		e.onFrame(packet)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ codec.Stream = (*Decoder)(nil)
	_ codec.Stream = (*Encoder)(nil)
)
