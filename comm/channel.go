// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package comm connects cooperating processes with point-to-point channels
// arranged as a cyclic ring, and builds the few collectives the accelerator
// needs on top of that ring.
package comm

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/curioloop/imvj/linalg"
)

// ErrClosed is returned when a channel is used after Close.
var ErrClosed = errors.New("comm: channel closed")

// Channel is a bidirectional, ordered message stream between two processes.
type Channel interface {
	Send(ctx context.Context, m *linalg.Matrix) error
	Receive(ctx context.Context) (*linalg.Matrix, error)
	Close() error
}

// Connector establishes named channels. For every name exactly one process
// accepts and exactly one process requests.
type Connector interface {
	Accept(ctx context.Context, name string) (Channel, error)
	Request(ctx context.Context, name string) (Channel, error)
}

// stream is a gob encoded Channel over a net.Conn.
type stream struct {
	conn   net.Conn
	enc    *gob.Encoder
	dec    *gob.Decoder
	closed bool
}

func newStream(conn net.Conn) *stream {
	return &stream{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// interrupt unblocks pending I/O on the connection once ctx is done.
func (s *stream) interrupt(ctx context.Context) (stop func() bool) {
	d, _ := ctx.Deadline()
	_ = s.conn.SetDeadline(d)
	return context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
}

func (s *stream) Send(ctx context.Context, m *linalg.Matrix) error {
	if s.closed {
		return ErrClosed
	}
	defer s.interrupt(ctx)()
	if err := s.enc.Encode(m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("comm: send: %w", err)
	}
	return nil
}

func (s *stream) Receive(ctx context.Context) (*linalg.Matrix, error) {
	if s.closed {
		return nil, ErrClosed
	}
	defer s.interrupt(ctx)()
	m := new(linalg.Matrix)
	if err := s.dec.Decode(m); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("comm: receive: %w", err)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return nil, fmt.Errorf("comm: receive: malformed %dx%d matrix with %d entries", m.Rows, m.Cols, len(m.Data))
	}
	return m, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
