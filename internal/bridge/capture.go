// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"context"

	"github.com/ffutop/twain-bridge/twain"
)

// transferSlack is added to the preferred buffer size the driver reports.
const transferSlack = 64 << 10

// schedule queues one capture step on the executor. At most one step is
// queued at a time.
func (b *Bridge) schedule(s *Session) {
	if s.run.stepQueued {
		return
	}
	s.run.stepQueued = true
	if err := b.exec.Post(func(ctx context.Context) { b.step(ctx, s) }); err != nil {
		s.run.stepQueued = false
		b.logger.Warn("Capture step dropped", "session", s.ID, "error", err)
	}
}

// step advances the capture by one device interaction and queues the next
// step when there is more to do. It never waits for the device: when the
// device is not ready, the next MSG_XFERREADY schedules it again.
func (b *Bridge) step(ctx context.Context, s *Session) {
	s.run.stepQueued = false
	if b.session != s {
		return
	}
	r := &s.run

	if r.resetRequested && !r.resetSent {
		r.resetSent = true
		b.logger.Info("Resetting device", "session", s.ID, "state", b.dev.State())
		b.dev.Rollback(ctx, twain.StateDeviceOpen)
		if r.capturing {
			b.finishRun(ctx, s, twain.STSSuccess)
		} else if r.closeRequested {
			b.closeDriver(ctx)
		}
		return
	}
	if !r.capturing || b.dev.State() < twain.StateXferReady {
		return
	}

	if !s.mechReady {
		if sts := b.prepareTransfer(ctx, s); sts != twain.STSSuccess {
			b.abort(ctx, s, sts)
			return
		}
	}

	if b.dev.State() == twain.StateXferReady && r.stopRequested && !r.stopSent {
		r.stopSent = true
		px := &twain.PendingXfers{}
		sts := b.dev.Call(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGStopFeeder, px)
		if sts != twain.STSSuccess {
			b.logger.Warn("MSG_STOPFEEDER failed, resetting", "session", s.ID, "sts", sts)
			r.resetRequested = true
			b.schedule(s)
			return
		}
		b.logger.Info("Feeder stopped", "session", s.ID, "pending", px.Count)
		if px.Count == 0 {
			b.dev.Rollback(ctx, twain.StateDeviceOpen)
			b.finishRun(ctx, s, twain.STSSuccess)
			return
		}
	}

	b.transfer(ctx, s)
}

// prepareTransfer runs on the first MSG_XFERREADY of a session: it learns
// the mechanism the driver settled on and allocates the transfer buffer.
func (b *Bridge) prepareTransfer(ctx context.Context, s *Session) twain.STS {
	c := &twain.Capability{Cap: twain.ICapXferMech}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATCapability, twain.MSGGetCurrent, c); sts != twain.STSSuccess {
		return sts
	}
	v, _ := c.Value()
	mech := twain.TWSX(v)
	if mech != twain.TWSXMemory && mech != twain.TWSXMemFile {
		b.logger.Error("Unsupported transfer mechanism", "session", s.ID, "mech", mech)
		return twain.STSBadProtocol
	}
	if mech != s.wantMech {
		b.logger.Warn("Driver chose another transfer mechanism", "want", s.wantMech, "got", mech)
	}

	sm := &twain.SetupMemXfer{}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATSetupMemXfer, twain.MSGGet, sm); sts != twain.STSSuccess {
		return sts
	}
	size := int(sm.Preferred) + transferSlack
	if sm.MaxBufSize > 0 && size > int(sm.MaxBufSize) {
		size = int(sm.MaxBufSize)
	}
	size = max(size, int(sm.MinBufSize))
	buf, err := twain.Alloc(size)
	if err != nil {
		b.logger.Error("Transfer buffer allocation failed", "size", size, "error", err)
		return twain.STSLowMemory
	}

	s.mech = mech
	s.buffer = buf
	s.duplex = b.capValue(ctx, twain.CapDuplexEnabled) == 1
	s.flatbed = b.capValue(ctx, twain.CapFeederEnabled) == 0
	s.mechReady = true
	b.logger.Info("Transfer ready", "session", s.ID, "mech", mech, "buffer", size, "duplex", s.duplex, "flatbed", s.flatbed)
	return twain.STSSuccess
}

// capValue reads the current value of a capability, or -1.
func (b *Bridge) capValue(ctx context.Context, id twain.CAP) int {
	c := &twain.Capability{Cap: id}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATCapability, twain.MSGGetCurrent, c); sts != twain.STSSuccess {
		return -1
	}
	v, ok := c.Value()
	if !ok {
		return -1
	}
	return v
}

// transfer pulls one chunk of the current image.
func (b *Bridge) transfer(ctx context.Context, s *Session) {
	r := &s.run
	dat := twain.DATImageMemXfer
	if s.mech == twain.TWSXMemFile {
		dat = twain.DATImageMemFileXfer
	}
	if r.image == nil {
		r.image = newAssembly()
	}

	x := twain.NewImageMemXfer(dat, s.buffer)
	sts := b.dev.Call(ctx, twain.DGImage, dat, twain.MSGGet, x)
	switch sts {
	case twain.STSSuccess:
		r.image.add(x)
		b.schedule(s)
	case twain.STSXferDone:
		r.image.add(x)
		if sts := b.finishImage(ctx, s); sts != twain.STSSuccess {
			b.abort(ctx, s, sts)
			return
		}
		r.image = nil
		b.endXfer(ctx, s)
	case twain.STSCancel:
		b.logger.Info("Image cancelled by the device", "session", s.ID)
		r.image = nil
		b.endXfer(ctx, s)
	default:
		b.abort(ctx, s, sts)
	}
}

func (b *Bridge) endXfer(ctx context.Context, s *Session) {
	px := &twain.PendingXfers{}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGEndXfer, px); sts != twain.STSSuccess {
		b.abort(ctx, s, sts)
		return
	}
	if px.Count == 0 {
		b.logger.Info("No more images", "session", s.ID, "images", s.run.imageCount)
		b.dev.Rollback(ctx, twain.StateDeviceOpen)
		b.finishRun(ctx, s, twain.STSSuccess)
		return
	}
	b.schedule(s)
}

// abort ends the run on a device or file failure.
func (b *Bridge) abort(ctx context.Context, s *Session, sts twain.STS) {
	b.logger.Error("Capture aborted", "session", s.ID, "sts", sts, "images", s.run.imageCount)
	s.run.image = nil
	b.dev.Rollback(ctx, twain.StateDeviceOpen)
	b.finishRun(ctx, s, sts)
}

// finishRun records the outcome of the run in the sentinel. A close that
// was waiting for the run to end goes on from here.
func (b *Bridge) finishRun(ctx context.Context, s *Session, sts twain.STS) {
	b.writeSentinel(sts)
	s.run.capturing = false
	b.metrics.ObserveRun(sts)
	if s.run.closeRequested {
		b.closeDriver(ctx)
	}
}

func (b *Bridge) writeSentinel(sts twain.STS) {
	status := sts.String()
	if b.opts.ForceDrainedStatus != "" {
		status = b.opts.ForceDrainedStatus
	}
	written, err := b.folder.WriteSentinel(status)
	if err != nil {
		b.logger.Error("Sentinel not written", "status", status, "error", err)
		return
	}
	if written {
		b.logger.Info("Run finished", "status", status)
	}
}
