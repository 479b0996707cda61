// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"net"
	"sync"
)

// LocalNetwork connects processes living in the same address space
// (goroutines standing in for ranks) through synchronous in-memory pipes.
type LocalNetwork struct {
	mu    sync.Mutex
	slots map[string]chan net.Conn
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{slots: make(map[string]chan net.Conn)}
}

func (n *LocalNetwork) slot(name string) chan net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.slots[name]
	if !ok {
		s = make(chan net.Conn, 1)
		n.slots[name] = s
	}
	return s
}

// Accept publishes one end of a fresh pipe under name and returns the other.
func (n *LocalNetwork) Accept(ctx context.Context, name string) (Channel, error) {
	a, b := net.Pipe()
	select {
	case n.slot(name) <- b:
		return newStream(a), nil
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		return nil, ctx.Err()
	}
}

// Request waits until name is published and takes its pipe end.
func (n *LocalNetwork) Request(ctx context.Context, name string) (Channel, error) {
	select {
	case c := <-n.slot(name):
		return newStream(c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
