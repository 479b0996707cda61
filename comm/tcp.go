// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// TCPConnector connects processes over TCP. The accepting side publishes its
// listen address as "<Dir>/<name>.address"; the requesting side polls for that
// file and dials it.
type TCPConnector struct {
	Dir     string        // Exchange directory shared by all processes.
	Host    string        // Listen host, defaults to 127.0.0.1.
	MaxWait time.Duration // Upper bound for Request polling, defaults to one minute.
}

func (t *TCPConnector) addressFile(name string) string {
	return filepath.Join(t.Dir, name+".address")
}

func (t *TCPConnector) Accept(ctx context.Context, name string) (Channel, error) {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("comm: accept %s: %w", name, err)
	}
	defer l.Close()

	file := t.addressFile(name)
	tmp := file + ".tmp"
	if err = os.WriteFile(tmp, []byte(l.Addr().String()), 0o644); err != nil {
		return nil, fmt.Errorf("comm: accept %s: %w", name, err)
	}
	if err = os.Rename(tmp, file); err != nil {
		return nil, fmt.Errorf("comm: accept %s: %w", name, err)
	}
	defer os.Remove(file)

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("comm: accept %s: %w", name, err)
	}
	return newStream(conn), nil
}

func (t *TCPConnector) Request(ctx context.Context, name string) (Channel, error) {
	wait := t.MaxWait
	if wait <= 0 {
		wait = time.Minute
	}
	file := t.addressFile(name)
	dial := func() (net.Conn, error) {
		addr, err := os.ReadFile(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", strings.TrimSpace(string(addr)))
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	conn, err := backoff.Retry(ctx, dial, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(wait))
	if err != nil {
		return nil, fmt.Errorf("comm: request %s: %w", name, err)
	}
	return newStream(conn), nil
}
