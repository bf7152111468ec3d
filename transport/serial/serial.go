// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial carries the command channel over a UART, for bridges that
// run on a board wired to the host.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/twain-bridge/transport"
)

const serialTimeout = 500 * time.Millisecond

type Config struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (c Config) port() *serial.Config {
	cfg := &serial.Config{
		Address:  c.Device,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   strings.ToUpper(c.Parity),
		Timeout:  c.Timeout,
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = serialTimeout
	}
	return cfg
}

// Open opens the UART and frames messages over it.
func Open(c Config, logger *slog.Logger) (*transport.Stream, error) {
	port, err := serial.Open(c.port())
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", c.Device, err)
	}
	logger.Info("IPC serial line open", "device", c.Device)
	return transport.NewStream(line{port}, logger), nil
}

// line hides read timeouts: an idle line is not a closed one.
type line struct {
	io.ReadWriteCloser
}

func (l line) Read(p []byte) (int, error) {
	for {
		n, err := l.ReadWriteCloser.Read(p)
		if n == 0 && errors.Is(err, serial.ErrTimeout) {
			continue
		}
		return n, err
	}
}
