// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device owns the driver handle: it marshals triplets onto the
// executor thread, tracks the lifecycle state and rolls it back.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ffutop/twain-bridge/internal/driver"
	"github.com/ffutop/twain-bridge/twain"
)

var ErrAlreadyLoaded = errors.New("driver already loaded")

// Recorder observes every completed driver call.
type Recorder interface {
	ObserveTriplet(t twain.Triplet, sts twain.STS)
}

// Adapter turns triplets into driver calls. Its fields are only touched
// from the executor thread.
type Adapter struct {
	logger   *slog.Logger
	exec     *Executor
	recorder Recorder
	drv      driver.Driver
	state    twain.State
	handles  *twain.HandleTable
}

func NewAdapter(exec *Executor, logger *slog.Logger, recorder Recorder) *Adapter {
	return &Adapter{
		logger:   logger,
		exec:     exec,
		recorder: recorder,
		state:    twain.StateNoDriver,
		handles:  twain.NewHandleTable(),
	}
}

// Load takes ownership of a freshly built driver: S1 to S2.
func (a *Adapter) Load(drv driver.Driver) error {
	if a.drv != nil {
		return ErrAlreadyLoaded
	}
	if drv == nil {
		return fmt.Errorf("load: nil driver")
	}
	a.drv = drv
	a.state = twain.StateDriverLoaded
	a.logger.Debug("Driver loaded", "state", a.state)
	return nil
}

// Loaded reports whether a driver handle is held.
func (a *Adapter) Loaded() bool { return a.drv != nil }

func (a *Adapter) State() twain.State { return a.state }

// Call issues one typed triplet. rec is passed to the driver as is and may
// be mutated by it.
func (a *Adapter) Call(ctx context.Context, dg twain.DG, dat twain.DAT, msg twain.MSG, rec twain.Record) twain.STS {
	t := twain.Triplet{DG: dg, DAT: dat, MSG: msg}
	if !twain.Supported(dat) {
		a.logger.Warn("Unsupported category", "triplet", t)
		return a.observe(t, twain.STSBadProtocol)
	}
	sts := twain.STSSeqError
	err := a.exec.Do(ctx, func(ctx context.Context) {
		if a.drv == nil {
			return
		}
		sts = a.drv.Entry(ctx, dg, dat, msg, rec)
		a.track(t, sts, rec)
	})
	if err != nil {
		a.logger.Error("Driver call not executed", "triplet", t, "error", err)
		return a.observe(t, twain.STSBummer)
	}
	a.logger.Debug("Driver call", "triplet", t, "sts", sts, "state", a.state)
	return a.observe(t, sts)
}

// Send issues a triplet named by text. data holds the CSV form of the record
// on input and is replaced with the driver's output.
func (a *Adapter) Send(ctx context.Context, dg, dat, msg string, data *string) twain.STS {
	t, err := twain.ParseTriplet(dg, dat, msg)
	if err != nil {
		a.logger.Warn("Bad triplet", "dg", dg, "dat", dat, "msg", msg, "error", err)
		return twain.STSBadProtocol
	}
	if a.drv == nil {
		a.logger.Warn("No driver handle", "triplet", t)
		return a.observe(t, twain.STSSeqError)
	}
	var text string
	if data != nil {
		text = *data
	}
	rec, sts, err := twain.Decode(t.DAT, text, a.handles)
	if err != nil {
		a.logger.Warn("Bad record", "triplet", t, "data", text, "error", err)
		return a.observe(t, sts)
	}
	sts = a.Call(ctx, t.DG, t.DAT, t.MSG, rec)
	if data != nil {
		if out, _, err := twain.Encode(rec, a.handles); err == nil {
			*data = out
		}
	}
	return sts
}

// SetCapability negotiates one capability value.
func (a *Adapter) SetCapability(ctx context.Context, c *twain.Capability) twain.STS {
	return a.Call(ctx, twain.DGControl, twain.DATCapability, twain.MSGSet, c)
}

func (a *Adapter) observe(t twain.Triplet, sts twain.STS) twain.STS {
	if a.recorder != nil {
		a.recorder.ObserveTriplet(t, sts)
	}
	return sts
}

// track advances the lifecycle state after a call the driver accepted.
func (a *Adapter) track(t twain.Triplet, sts twain.STS, rec twain.Record) {
	if t.DAT == twain.DATImageMemXfer || t.DAT == twain.DATImageMemFileXfer ||
		t.DAT == twain.DATImageNativeXfer || t.DAT == twain.DATImageFileXfer {
		if t.MSG == twain.MSGGet && (sts.OK() || sts == twain.STSCancel) {
			a.state = twain.StateTransferring
		}
		return
	}
	if sts != twain.STSSuccess {
		return
	}
	switch {
	case t.DAT == twain.DATParent && t.MSG == twain.MSGOpenDSM:
		a.state = twain.StateManagerOpen
	case t.DAT == twain.DATParent && t.MSG == twain.MSGCloseDSM:
		a.state = twain.StateDriverLoaded
	case t.DAT == twain.DATIdentity && t.MSG == twain.MSGOpenDS:
		a.state = twain.StateDeviceOpen
	case t.DAT == twain.DATIdentity && t.MSG == twain.MSGCloseDS:
		a.state = twain.StateManagerOpen
	case t.DAT == twain.DATUserInterface && t.MSG == twain.MSGEnableDS:
		a.state = twain.StateEnabled
	case t.DAT == twain.DATUserInterface && t.MSG == twain.MSGDisableDS:
		a.state = twain.StateDeviceOpen
	case t.DAT == twain.DATPendingXfers && t.MSG == twain.MSGEndXfer:
		if px, ok := rec.(*twain.PendingXfers); ok && px.Count != 0 {
			a.state = twain.StateXferReady
		} else {
			a.state = twain.StateEnabled
		}
	case t.DAT == twain.DATPendingXfers && t.MSG == twain.MSGReset:
		a.state = twain.StateEnabled
	}
}

// DeviceEvent applies a message delivered through the driver callback.
// Must run on the executor.
func (a *Adapter) DeviceEvent(msg twain.MSG) {
	if msg == twain.MSGXferReady && a.state == twain.StateEnabled {
		a.state = twain.StateXferReady
	}
	a.logger.Debug("Device event", "msg", msg, "state", a.state)
}

// release drops the driver handle: S2 to S1.
func (a *Adapter) release() {
	if c, ok := a.drv.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("Driver close failed", "error", err)
		}
	}
	a.drv = nil
	a.state = twain.StateNoDriver
	a.handles = twain.NewHandleTable()
}
