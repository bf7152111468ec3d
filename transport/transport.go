// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport carries framed JSON commands between the controlling
// process and the bridge.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: channel closed")

// Channel is a bidirectional message channel. Implementations are safe for
// one reader and any number of writers.
type Channel interface {
	// Read blocks for the next message. io.EOF means the peer went away.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}
