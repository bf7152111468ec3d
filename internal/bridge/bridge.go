// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge serves TWAIN Local session commands on top of a TWAIN
// driver: it dispatches commands, runs the capture engine and writes image
// blocks.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ffutop/twain-bridge/internal/device"
	"github.com/ffutop/twain-bridge/internal/driver"
	"github.com/ffutop/twain-bridge/internal/imageblocks"
	"github.com/ffutop/twain-bridge/internal/metrics"
	"github.com/ffutop/twain-bridge/internal/pdfraster"
	"github.com/ffutop/twain-bridge/internal/registry"
	"github.com/ffutop/twain-bridge/transport"
	"github.com/ffutop/twain-bridge/twain"
)

// Options configure a bridge.
type Options struct {
	ImagesFolder string
	RegisterFile string
	// PlatformPrefix is the id field of the identity opening the source.
	PlatformPrefix string
	// TransferMechanism forces "memory" or "memfile"; empty follows the
	// driver's TWAIN Direct tier.
	TransferMechanism string
	ShowIndicators    bool
	// ForceDrainedStatus replaces the status recorded at the end of every
	// run. Used to exercise clients against device failures.
	ForceDrainedStatus string
	Signer             *pdfraster.Signer
}

// Bridge owns the driver and at most one session.
type Bridge struct {
	opts    Options
	logger  *slog.Logger
	factory driver.Factory
	metrics *metrics.Metrics
	exec    *device.Executor
	dev     *device.Adapter
	folder  *imageblocks.Folder
	session *Session
}

func New(opts Options, factory driver.Factory, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if opts.PlatformPrefix == "" {
		opts.PlatformPrefix = "1"
	}
	exec := device.NewExecutor(context.Background(), logger)
	return &Bridge{
		opts:    opts,
		logger:  logger,
		factory: factory,
		metrics: m,
		exec:    exec,
		dev:     device.NewAdapter(exec, logger, m),
		folder:  imageblocks.New(opts.ImagesFolder),
	}
}

// Close stops the executor. Call it after Run returned.
func (b *Bridge) Close() {
	b.exec.Close()
}

// Run serves commands until the channel disconnects, an exit command
// arrives or ctx ends. Whatever the reason, a driver still held is rolled
// back to state 1 before Run returns.
func (b *Bridge) Run(ctx context.Context, ch transport.Channel) error {
	defer b.shutdown()
	b.logger.Info("IPC mode started", "images_folder", b.opts.ImagesFolder)
	for {
		raw, err := ch.Read(ctx)
		if errors.Is(err, io.EOF) {
			b.logger.Info("IPC channel disconnected")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
			b.logger.Warn("Dropping malformed command", "size", len(raw), "error", err)
			continue
		}
		if req.Method == "exit" {
			b.logger.Info("Exit requested")
			return nil
		}

		var rep *reply
		if err := b.exec.Do(ctx, func(ctx context.Context) { rep = b.dispatch(ctx, &req) }); err != nil {
			return fmt.Errorf("dispatch %s: %w", req.Method, err)
		}
		if rep == nil {
			continue
		}
		data, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		if err := ch.Write(ctx, data); err != nil {
			b.logger.Info("IPC channel disconnected", "error", err)
			return nil
		}
	}
}

func (b *Bridge) shutdown() {
	err := b.exec.Do(context.Background(), func(ctx context.Context) {
		if b.session == nil && !b.dev.Loaded() {
			return
		}
		b.logger.Info("Releasing driver", "state", b.dev.State())
		b.dev.Rollback(ctx, twain.StateNoDriver)
		b.endSession()
	})
	if err != nil {
		b.logger.Error("Driver not released", "error", err)
	}
}

func (b *Bridge) dispatch(ctx context.Context, req *request) *reply {
	b.logger.Debug("Command", "method", req.Method)
	switch req.Method {
	case "createSession":
		return b.createSession(ctx, req.Scanner)
	case "getSession":
		return b.getSession()
	case "sendTask":
		return b.sendTask(ctx, req.Task)
	case "startCapturing":
		return b.startCapturing(ctx)
	case "stopCapturing":
		return b.stopCapturing(ctx)
	case "closeSession":
		return b.closeSession(ctx)
	}
	b.logger.Warn("Unsupported command", "method", req.Method)
	return nil
}

func failed(status Status) *reply {
	return &reply{Status: status}
}

func (b *Bridge) success() *reply {
	return &reply{Status: StatusSuccess, Session: b.sessionInfo()}
}

func (b *Bridge) createSession(ctx context.Context, scanner string) *reply {
	if b.session != nil || b.dev.Loaded() {
		b.logger.Warn("createSession while a session is open")
		return failed(StatusNewSessionNotAllowed)
	}
	if err := b.folder.Prepare(); err != nil {
		b.logger.Error("Images folder unusable", "path", b.folder.Path, "error", err)
		return failed(StatusNewSessionNotAllowed)
	}
	reg, err := registry.Load(b.opts.RegisterFile)
	if err != nil {
		b.logger.Error("Register unreadable", "error", err)
		return failed(StatusNewSessionNotAllowed)
	}
	drv, err := b.factory()
	if err != nil {
		b.logger.Error("Driver construction failed", "error", err)
		return failed(StatusNewSessionNotAllowed)
	}
	if err := b.dev.Load(drv); err != nil {
		b.logger.Error("Driver load failed", "error", err)
		return failed(StatusNewSessionNotAllowed)
	}
	fail := func(step string, sts twain.STS) *reply {
		b.logger.Error("createSession failed", "step", step, "sts", sts)
		b.dev.Rollback(ctx, twain.StateNoDriver)
		return failed(StatusNewSessionNotAllowed)
	}

	parent := ""
	if sts := b.dev.Send(ctx, "DG_CONTROL", "DAT_PARENT", "MSG_OPENDSM", &parent); sts != twain.STSSuccess {
		return fail("MSG_OPENDSM", sts)
	}
	product := registry.ProductName(scanner)
	identity := registry.Identity(b.opts.PlatformPrefix, product)
	if sts := b.dev.Send(ctx, "DG_CONTROL", "DAT_IDENTITY", "MSG_OPENDS", &identity); sts != twain.STSSuccess {
		return fail("MSG_OPENDS", sts)
	}
	cb := &twain.Callback{Func: b.onDeviceEvent}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATCallback, twain.MSGRegisterCallback, cb); sts != twain.STSSuccess {
		return fail("MSG_REGISTERCALLBACK", sts)
	}

	entry, known := reg.Lookup(product)
	tier := b.detectTier(ctx)
	if known && entry.Tier.Rank() < tier.Rank() {
		tier = entry.Tier
	} else if known && entry.Tier != tier {
		b.logger.Warn("Driver does not support the registered tier", "registered", entry.Tier, "detected", tier)
	}

	b.session = newSession(product, tier)
	b.metrics.SetSessionOpen(true)
	b.logger.Info("Session created", "session", b.session.ID, "scanner", product, "tier", tier, "identity", identity)
	return b.success()
}

// detectTier reads the categories the source supports.
func (b *Bridge) detectTier(ctx context.Context) registry.Tier {
	c := &twain.Capability{Cap: twain.CapSupportedDATs}
	if sts := b.dev.Call(ctx, twain.DGControl, twain.DATCapability, twain.MSGGet, c); sts != twain.STSSuccess {
		return registry.TierNone
	}
	switch {
	case c.Contains(int(twain.DATTwainDirect)):
		return registry.TierTwainDirect
	case c.Contains(int(twain.DATImageMemFileXfer)):
		return registry.TierPdfRaster
	}
	return registry.TierNone
}

// sessionInfo lists finished blocks. Drained is only reported once the
// sentinel exists and nothing, complete or partial, is left in the folder.
func (b *Bridge) sessionInfo() *SessionInfo {
	info := &SessionInfo{}
	inv, err := b.folder.Scan()
	if err != nil {
		b.logger.Warn("Images folder scan failed", "error", err)
		return info
	}
	info.ImageBlocks = inv.Blocks
	if len(inv.Blocks) == 0 && !inv.Partial {
		if _, ok, _ := b.folder.ReadSentinel(); ok {
			info.ImageBlocksDrained = true
		}
	}
	return info
}

func (b *Bridge) getSession() *reply {
	if b.session == nil {
		return failed(StatusInvalidSession)
	}
	return b.success()
}

func (b *Bridge) startCapturing(ctx context.Context) *reply {
	s := b.session
	if s == nil {
		return failed(StatusInvalidSession)
	}
	if s.run.capturing || b.dev.State() > twain.StateDeviceOpen {
		b.logger.Warn("startCapturing while capturing", "state", b.dev.State())
		return failed(StatusInvalidCapturingOptions)
	}
	s.resetRun()
	if err := b.folder.ClearSentinel(); err != nil {
		b.logger.Error("Sentinel not cleared", "error", err)
		return failed(StatusInvalidCapturingOptions)
	}
	if !s.negotiated {
		if err := b.negotiate(ctx, s); err != nil {
			b.logger.Error("Capability negotiation failed", "error", err)
			return failed(StatusInvalidCapturingOptions)
		}
		s.negotiated = true
	}

	ui := &twain.UserInterface{ShowUI: false}
	sts := b.dev.Call(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGEnableDS, ui)
	if sts != twain.STSSuccess {
		status := statusFromEnable(sts)
		b.logger.Warn("MSG_ENABLEDS failed", "sts", sts, "status", status)
		if status != StatusInvalidCapturingOptions {
			b.writeSentinel(sts)
		}
		return failed(status)
	}
	s.run.capturing = true
	b.logger.Info("Capturing", "session", s.ID)
	return b.success()
}

// negotiate sets the capabilities every capture run relies on.
func (b *Bridge) negotiate(ctx context.Context, s *Session) error {
	mech := twain.TWSXMemory
	if s.Tier != registry.TierNone {
		mech = twain.TWSXMemFile
	}
	switch b.opts.TransferMechanism {
	case "memory":
		mech = twain.TWSXMemory
	case "memfile":
		mech = twain.TWSXMemFile
	}
	set := func(id twain.CAP, typ twain.TWTY, v int) twain.STS {
		return b.dev.SetCapability(ctx, twain.OneValue(id, typ, v))
	}

	if sts := set(twain.ICapXferMech, twain.TWTYUint16, int(mech)); sts != twain.STSSuccess {
		return fmt.Errorf("set ICAP_XFERMECH to %s: %w", mech, sts)
	}
	s.wantMech = mech
	indicators := 0
	if b.opts.ShowIndicators {
		indicators = 1
	}
	if sts := set(twain.CapIndicators, twain.TWTYBool, indicators); sts != twain.STSSuccess {
		return fmt.Errorf("set CAP_INDICATORS: %w", sts)
	}
	s.extImageInfo = set(twain.ICapExtImageInfo, twain.TWTYBool, 1) == twain.STSSuccess
	if !s.extImageInfo {
		b.logger.Warn("Extended image info unavailable")
	}
	if mech == twain.TWSXMemFile {
		if sts := set(twain.ICapImageFileFormat, twain.TWTYUint16, twain.TWFFPdfRaster); sts != twain.STSSuccess {
			return fmt.Errorf("set ICAP_IMAGEFILEFORMAT to PDF/raster: %w", sts)
		}
	}
	return nil
}

func (b *Bridge) stopCapturing(ctx context.Context) *reply {
	s := b.session
	if s == nil {
		return failed(StatusInvalidSession)
	}
	switch state := b.dev.State(); {
	case state <= twain.StateDeviceOpen:
	case state == twain.StateEnabled:
		// Nothing was transferred yet.
		b.dev.Call(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGDisableDS, &twain.UserInterface{})
		if s.run.capturing {
			b.finishRun(ctx, s, twain.STSSuccess)
		}
	default:
		s.run.stopRequested = true
		b.schedule(s)
	}
	return b.success()
}

func (b *Bridge) closeSession(ctx context.Context) *reply {
	s := b.session
	if s == nil {
		return failed(StatusInvalidSession)
	}
	rep := b.success()
	_, drained, _ := b.folder.ReadSentinel()

	switch state := b.dev.State(); {
	case drained && !s.run.capturing, state <= twain.StateDeviceOpen:
		b.closeDriver(ctx)
	case state == twain.StateEnabled:
		b.dev.Call(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGDisableDS, &twain.UserInterface{})
		if s.run.capturing {
			b.finishRun(ctx, s, twain.STSSuccess)
		}
		b.closeDriver(ctx)
	default:
		// The capture engine resets the device and then closes it.
		s.run.resetRequested = true
		s.run.closeRequested = true
		b.schedule(s)
	}
	return rep
}

// closeDriver takes the driver all the way down and drops the session.
func (b *Bridge) closeDriver(ctx context.Context) {
	b.dev.Rollback(ctx, twain.StateNoDriver)
	b.endSession()
}

func (b *Bridge) endSession() {
	if b.session == nil {
		return
	}
	b.logger.Info("Session closed", "session", b.session.ID)
	b.session.release()
	b.session = nil
	b.metrics.SetSessionOpen(false)
}

// onDeviceEvent is the driver callback. It may run on any goroutine, so it
// only queues the event for the executor.
func (b *Bridge) onDeviceEvent(msg twain.MSG) {
	err := b.exec.Post(func(ctx context.Context) { b.deviceEvent(ctx, msg) })
	if err != nil {
		b.logger.Warn("Device event dropped", "msg", msg, "error", err)
	}
}

func (b *Bridge) deviceEvent(ctx context.Context, msg twain.MSG) {
	b.dev.DeviceEvent(msg)
	s := b.session
	if s == nil {
		return
	}
	switch msg {
	case twain.MSGXferReady:
		b.schedule(s)
	case twain.MSGCloseDSReq, twain.MSGCloseDSOK:
		b.logger.Info("Device asked to close", "msg", msg)
		if s.run.capturing {
			s.run.resetRequested = true
			b.schedule(s)
		}
	}
}
