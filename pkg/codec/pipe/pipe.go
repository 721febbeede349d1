// Package pipe implements [codec.Stream] on top of a long-lived child
// process. Input chunks are written to the child's stdin and output frames
// are read back from its stdout, both using the 2-byte little-endian
// length-prefix framing from [codec]. The child is expected to transcode
// strictly in order, so output frames are delivered FIFO.
//
// This mirrors deployments where the Opus work is delegated to an external
// transcoder binary instead of the in-process codec.
package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/aweiler/calliope/pkg/codec"
)

var errClosed = errors.New("pipe: stream is closed")

// Stream runs one child transcoder process. It implements [codec.Stream].
type Stream struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	onFrame codec.FrameFunc
	done    chan struct{}
	closed  bool
}

// Start launches the transcoder child process. name and args form the command
// line (e.g. "opus-transcoder", "--decode", "--rate=16000"). The returned
// Stream is ready to accept input immediately.
func Start(name string, args []string, onFrame codec.FrameFunc) (*Stream, error) {
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pipe: start %s: %w", name, err)
	}

	s := &Stream{
		cmd:     cmd,
		stdin:   stdin,
		onFrame: onFrame,
		done:    make(chan struct{}),
	}

	go s.readLoop(stdout)
	go logStderr(name, stderr)

	return s, nil
}

// Feed writes one length-prefixed input chunk to the child.
func (s *Stream) Feed(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if err := codec.WriteFrame(s.stdin, chunk); err != nil {
		return fmt.Errorf("pipe: write: %w", err)
	}
	return nil
}

// CloseInput closes the child's stdin, which makes a well-behaved transcoder
// flush its remaining output and exit.
func (s *Stream) CloseInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stdin.Close()
}

// Done is closed once the child's stdout reaches EOF, i.e. every output
// frame has been delivered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close terminates the child process. Pending output is discarded.
// Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		_ = s.stdin.Close()
	}
	s.mu.Unlock()

	_ = s.cmd.Process.Kill()
	<-s.done
	return nil
}

// readLoop reassembles frames from the child's stdout and hands them to the
// callback in arrival order. It reaps the child on EOF.
func (s *Stream) readLoop(stdout io.Reader) {
	defer close(s.done)

	var split codec.Splitter
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range split.Push(buf[:n]) {
				s.onFrame(frame)
			}
		}
		if err != nil {
			break
		}
	}

	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
			slog.Warn("codec subprocess exited non-zero",
				"cmd", s.cmd.Path, "code", exitErr.ExitCode())
		}
	}
}

// logStderr forwards the child's stderr lines to the log at warn level.
func logStderr(name string, stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			slog.Warn("codec subprocess", "cmd", name, "msg", line)
		}
	}
}

var _ codec.Stream = (*Stream)(nil)
