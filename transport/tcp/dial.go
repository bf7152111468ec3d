// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp connects the bridge to its controlling process over a socket.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ffutop/twain-bridge/transport"
)

const DefaultDialTimeout = 30 * time.Second

func dialBackoff(timeout time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
}

// Dial connects to address, retrying with exponential backoff until timeout
// elapses. The controlling process may still be setting up its listener when
// the bridge starts.
func Dial(ctx context.Context, address string, timeout time.Duration, logger *slog.Logger) (*transport.Stream, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	var d net.Dialer
	conn, err := backoff.RetryNotifyWithData(func() (net.Conn, error) {
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return c, err
	}, backoff.WithContext(dialBackoff(timeout), ctx), func(err error, next time.Duration) {
		logger.Debug("IPC dial failed, retrying", "address", address, "retry_in", next, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	logger.Info("IPC connected", "address", conn.RemoteAddr().String())
	return transport.NewStream(conn, logger), nil
}
