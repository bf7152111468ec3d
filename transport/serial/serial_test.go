// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/grid-x/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idlePort times out a few times before yielding data, like a quiet UART.
type idlePort struct {
	timeouts int
	io.Reader
	io.Writer
}

func (p *idlePort) Read(b []byte) (int, error) {
	if p.timeouts > 0 {
		p.timeouts--
		return 0, serial.ErrTimeout
	}
	return p.Reader.Read(b)
}

func (p *idlePort) Close() error { return nil }

func TestLineSkipsTimeouts(t *testing.T) {
	port := &idlePort{timeouts: 3, Reader: bytes.NewReader([]byte("abc")), Writer: io.Discard}
	buf := make([]byte, 8)
	n, err := line{port}.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	assert.Zero(t, port.timeouts)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Device: "/dev/ttyS0", Parity: "e"}.port()
	assert.Equal(t, "/dev/ttyS0", cfg.Address)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, 8, cfg.DataBits)
	assert.Equal(t, 1, cfg.StopBits)
	assert.Equal(t, "E", cfg.Parity)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout)
}
