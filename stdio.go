package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC frames over stdin/stdout or similar io.Reader/io.Writer pairs.
// It carries a single stream and can be used as either ServerTransport or ClientTransport.
// Proper initialization requires using the NewStdIO constructor function to create new
// instances.
//
// When the reader or writer also implements io.Closer, stopping the stream closes it, so
// the other end of a pipe observes the end of the stream.
type StdIO struct {
	stream *ioStream
	taken  chan struct{}
	closed chan struct{}
}

// ioStream frames newline-delimited messages over a reader and a writer. It backs both
// StdIO and the child process pipes of CommandTransport.
type ioStream struct {
	id     string
	reader io.Reader
	writer io.Writer

	// release frees the underlying carrier; it is called once by Stop.
	release func()
	// eofErr, when set, explains an end of input, e.g. a child process that crashed.
	eofErr func() error

	writeMessages chan ioMessage
	done          chan struct{}
	writeClosed   chan struct{}
	stopOnce      sync.Once
}

type ioMessage struct {
	frame []byte
	errs  chan error
}

type lineWithErr struct {
	line []byte
	err  error
}

var errStreamStopped = errors.New("stream stopped")

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	s := newIOStream(reader, writer)
	s.release = func() {
		if c, ok := writer.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := reader.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return StdIO{
		stream: s,
		taken:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func newIOStream(reader io.Reader, writer io.Writer) *ioStream {
	s := &ioStream{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		writeMessages: make(chan ioMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go s.processWriteMessages()
	return s
}

// Streams implements the ServerTransport interface by yielding the single stream and
// waiting until it is stopped or the consumer stops iterating.
func (s StdIO) Streams() iter.Seq[Stream] {
	return func(yield func(Stream) bool) {
		defer close(s.closed)

		if !s.take() {
			return
		}
		// StdIO only supports a single stream, so we yield it and wait until it's done.
		if !yield(s.stream) {
			return
		}
		<-s.stream.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Streams loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// Connect implements the ClientTransport interface. The single stream can be handed out
// only once.
func (s StdIO) Connect(context.Context) (Stream, error) {
	if !s.take() {
		return nil, errors.New("stdio stream already connected")
	}
	return s.stream, nil
}

func (s StdIO) take() bool {
	select {
	case s.taken <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *ioStream) ID() string {
	return s.id
}

func (s *ioStream) Send(ctx context.Context, frame []byte) error {
	// Append newline to maintain message framing protocol.
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	msg := ioMessage{
		frame: buf,
		errs:  make(chan error, 1),
	}

	// Queue the message so a single goroutine owns the writer and frames never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errStreamStopped
	case s.writeMessages <- msg:
	}

	select {
	case err := <-msg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errStreamStopped
	}
}

func (s *ioStream) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		lines := make(chan lineWithErr)

		// We read on a separate goroutine to avoid blocking on slow readers, so we can
		// listen to the done channel and return if needed.
		go s.readLines(lines)

		for {
			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if s.stopped() {
					return
				}
				if errors.Is(lwe.err, io.EOF) {
					if s.eofErr != nil {
						if err := s.eofErr(); err != nil {
							yield(nil, err)
						}
					}
					return
				}
				yield(nil, fmt.Errorf("failed to read frame: %w", lwe.err))
				return
			}

			if !yield(lwe.line, nil) {
				return
			}
		}
	}
}

func (s *ioStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
		<-s.writeClosed
	})
}

func (s *ioStream) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ioStream) readLines(lines chan<- lineWithErr) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadBytes('\n')
		// A final line without a trailing newline is still a frame.
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case lines <- lineWithErr{line: line}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case lines <- lineWithErr{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

func (s *ioStream) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the stream is stopped.
		var msg ioMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.frame)

		msg.errs <- err
	}
}
