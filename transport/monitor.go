// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const DefaultMonitorInterval = time.Second

// MonitorPid closes c once process pid has exited. The bridge then reads a
// disconnect and rolls the device back. A pid of zero or less disables it.
func MonitorPid(ctx context.Context, pid int, interval time.Duration, c io.Closer, logger *slog.Logger) {
	if pid <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if processAlive(pid) {
				continue
			}
			logger.Info("Parent process is gone, closing IPC channel", "pid", pid)
			if err := c.Close(); err != nil {
				logger.Warn("IPC close failed", "error", err)
			}
			return
		}
	}()
}
