// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/smallnest/chanx"
)

// Stream is a Channel over any byte stream: a socket, a serial line or a
// pipe. A pump goroutine decodes frames into an unbounded inbox so the peer
// never blocks on a busy bridge.
type Stream struct {
	logger *slog.Logger
	rwc    io.ReadWriteCloser
	inbox  *chanx.UnboundedChan[[]byte]
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frames on the wire
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
}

func NewStream(rwc io.ReadWriteCloser, logger *slog.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		logger: logger,
		rwc:    rwc,
		inbox:  chanx.NewUnboundedChan[[]byte](ctx, 8),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.inbox.In)
	r := bufio.NewReader(s.rwc)
	for {
		msg, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.logger.Warn("IPC read failed", "error", err)
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		select {
		case s.inbox.In <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Read returns queued messages first; once the inbox drains after the peer
// left it returns io.EOF.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.inbox.Out:
		if ok {
			return msg, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !errors.Is(s.err, io.EOF) && !s.closed {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *Stream) Write(ctx context.Context, msg []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.rwc, msg)
}

// Close shuts the underlying stream; a blocked Read returns io.EOF.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.rwc.Close()
	s.cancel()
	return err
}
