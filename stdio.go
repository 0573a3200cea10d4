package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// StdIO implements a newline-delimited transport over an io.Reader/io.Writer pair, typically the
// process's stdin and stdout. Each message is written as a single line of JSON; writes are queued
// to one writer goroutine so concurrent senders never interleave, and the reader buffers until a
// full line arrives regardless of its length.
//
// StdIO carries a single session. End of input, or a read error, closes the transport and fails
// every pending request. StdIO must be created with NewStdIO and released with Stop.
type StdIO struct {
	*conn

	reader io.Reader
	writer io.Writer
	closer func() error

	writeMessages chan stdIOMessage
	stop          chan struct{}
	startOnce     sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a StdIO transport reading messages from reader and writing them to writer. The
// caller keeps ownership of both; Stop does not close them.
func NewStdIO(reader io.Reader, writer io.Writer, options ...TransportOption) *StdIO {
	return newStdIO(reader, writer, "stdio", newTransportOptions(options))
}

func newStdIO(reader io.Reader, writer io.Writer, component string, opts transportOptions) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		writeMessages: make(chan stdIOMessage),
		stop:          make(chan struct{}),
	}
	s.conn = newConn("", component, opts, s.write)
	return s
}

// Start implements Transport by launching the reader and writer goroutines.
func (s *StdIO) Start(context.Context) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	s.startOnce.Do(func() {
		go s.processWriteMessages()
		go s.readMessages()
	})
	return nil
}

// Stop implements Transport.
func (s *StdIO) Stop() error {
	return s.shutdown(nil, s.teardown)
}

func (s *StdIO) teardown() error {
	close(s.stop)

	var err error
	if s.closer != nil {
		err = s.closer()
	}

	// Keeps the goroutines from starting when Stop wins the race with Start.
	s.startOnce.Do(func() {})
	return err
}

func (s *StdIO) write(ctx context.Context, data []byte) error {
	// Append newline to maintain message framing protocol.
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	ioMsg := stdIOMessage{
		msg:  line,
		errs: make(chan error, 1),
	}

	// Queue the message for sending to avoid interleaved writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrConnectionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrConnectionClosed
	}
}

// processWriteMessages exits once stop is closed. A Write blocked on a peer that stopped reading is
// not waited for: Stop completes and the goroutine ends when the Write returns.
func (s *StdIO) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.stop:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
	}
}

// readMessages runs until the input ends. A blocked Read cannot be interrupted, so Stop does not
// wait for this goroutine; frames read after close are dropped by deliver.
func (s *StdIO) readMessages() {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				s.logger.Warn("discarding incomplete message at end of input", slog.Int("bytes", len(line)))
			}
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				_ = s.shutdown(io.EOF, s.teardown)
				return
			}
			s.logger.Error("failed to read message", slog.String("err", err.Error()))
			_ = s.shutdown(fmt.Errorf("read: %w", err), s.teardown)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s.deliver(line)
	}
}
