// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package driver defines the entry point a scanner driver exposes to the bridge.
package driver

import (
	"context"

	"github.com/ffutop/twain-bridge/twain"
)

// Driver is the single entry point of a data source plus its manager.
// Implementations are not required to be safe for concurrent use; the
// bridge serializes every call onto one execution context.
//
// Device events (MSG_XFERREADY, MSG_CLOSEDSREQ, MSG_CLOSEDSOK) are delivered
// through the function registered with DG_CONTROL/DAT_CALLBACK/MSG_REGISTERCALLBACK
// and may arrive on any goroutine.
type Driver interface {
	Entry(ctx context.Context, dg twain.DG, dat twain.DAT, msg twain.MSG, rec twain.Record) twain.STS
}

// Factory builds a fresh driver object for one session.
type Factory func() (Driver, error)
