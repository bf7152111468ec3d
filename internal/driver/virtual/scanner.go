// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/twain-bridge/internal/driver"
	"github.com/ffutop/twain-bridge/internal/task"
	"github.com/ffutop/twain-bridge/twain"
)

// Scanner is one opened virtual data source together with its manager.
type Scanner struct {
	mu       sync.Mutex
	settings Settings
	logger   *slog.Logger
	caps     *capTable
	files    *pageFiles
	state    twain.State
	callback func(twain.MSG)
	lastCC   uint16

	sheetsLeft  int
	sheetsFed   int
	imagesTaken int
	xferLimit   int
	stopFeeder  bool
	queue       []*xferImage
	current     *xferImage
	names       *task.Lookup

	totalImages int
	totalSheets int
}

// NewFactory returns a driver factory for the settings. Page files are
// checked up front so configuration errors surface at startup.
func NewFactory(settings Settings, logger *slog.Logger) (driver.Factory, error) {
	settings.fill()
	switch settings.Tier {
	case "none", "pdfraster", "twaindirect":
	default:
		return nil, fmt.Errorf("virtual scanner: unknown tier %q", settings.Tier)
	}
	if len(settings.PageFiles) > 0 {
		files, err := openPageFiles(settings.PageFiles)
		if err != nil {
			return nil, err
		}
		files.Close()
	}
	return func() (driver.Driver, error) { return New(settings, logger) }, nil
}

// New opens a scanner in state 2, driver loaded.
func New(settings Settings, logger *slog.Logger) (*Scanner, error) {
	settings.fill()
	files, err := openPageFiles(settings.PageFiles)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		settings:   settings,
		logger:     logger.With("driver", "virtual"),
		files:      files,
		state:      twain.StateDriverLoaded,
		sheetsLeft: settings.Sheets,
	}
	s.caps = newCapTable(&s.settings, func() bool { return s.sheetsLeft > 0 })
	return s, nil
}

// Close releases mapped page files.
func (s *Scanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = twain.StateNoDriver
	return s.files.Close()
}

// LoadSheets puts n more sheets in the feeder.
func (s *Scanner) LoadSheets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheetsLeft += n
}

// RequestClose simulates the user asking to close the source, as a device
// button or a lost connection would.
func (s *Scanner) RequestClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= twain.StateEnabled {
		s.notify(twain.MSGCloseDSReq)
	}
}

// State reports the driver side state.
func (s *Scanner) State() twain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// notify delivers a device event off the calling goroutine, the way a
// hardware source posts to the application. Caller holds mu.
func (s *Scanner) notify(msg twain.MSG) {
	cb := s.callback
	if cb == nil {
		return
	}
	delay := s.settings.EventDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		cb(msg)
	}()
}

// announce moves an enabled source to state 6 once the first sheet is
// ready and posts MSG_XFERREADY. Caller holds mu.
func (s *Scanner) announce() {
	cb := s.callback
	delay := s.settings.EventDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		ready := s.state == twain.StateEnabled
		if ready {
			s.state = twain.StateXferReady
		}
		s.mu.Unlock()
		if ready && cb != nil {
			cb(twain.MSGXferReady)
		}
	}()
}

func (s *Scanner) fail(sts twain.STS) twain.STS {
	s.lastCC = sts.ConditionCode()
	return sts
}

// Entry is the single call point for every triplet.
func (s *Scanner) Entry(ctx context.Context, dg twain.DG, dat twain.DAT, msg twain.MSG, rec twain.Record) twain.STS {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == twain.StateNoDriver {
		return s.fail(twain.STSSeqError)
	}
	if dat != twain.DATStatus {
		s.lastCC = 0
	}

	switch dat {
	case twain.DATParent:
		return s.handleParent(msg)
	case twain.DATIdentity:
		return s.handleIdentity(msg, rec)
	case twain.DATCallback:
		return s.handleCallback(msg, rec)
	case twain.DATStatus:
		return s.handleStatus(msg, rec)
	}
	if s.state < twain.StateDeviceOpen {
		return s.fail(twain.STSSeqError)
	}

	switch dat {
	case twain.DATCapability:
		return s.handleCapability(msg, rec)
	case twain.DATUserInterface:
		return s.handleUserInterface(msg)
	case twain.DATPendingXfers:
		return s.handlePendingXfers(msg, rec)
	case twain.DATSetupMemXfer:
		return s.handleSetupMemXfer(msg, rec)
	case twain.DATImageInfo:
		return s.handleImageInfo(msg, rec)
	case twain.DATExtImageInfo:
		return s.handleExtImageInfo(msg, rec)
	case twain.DATImageMemXfer:
		return s.handleTransfer(msg, rec, twain.TWSXMemory)
	case twain.DATImageMemFileXfer:
		return s.handleTransfer(msg, rec, twain.TWSXMemFile)
	case twain.DATTwainDirect:
		return s.handleTwainDirect(ctx, msg, rec)
	case twain.DATImageLayout:
		return s.handleImageLayout(msg, rec)
	case twain.DATXferGroup:
		if x, ok := rec.(*twain.XferGroup); ok && msg == twain.MSGGet {
			x.Group = uint32(twain.DGImage)
			return twain.STSSuccess
		}
	case twain.DATMetrics:
		if m, ok := rec.(*twain.Metrics); ok && msg == twain.MSGGet && s.state >= twain.StateEnabled {
			m.ImageCount = uint32(s.totalImages)
			m.SheetCount = uint32(s.totalSheets)
			return twain.STSSuccess
		}
		return s.fail(twain.STSSeqError)
	}
	return s.fail(twain.STSBadProtocol)
}

func (s *Scanner) handleParent(msg twain.MSG) twain.STS {
	switch {
	case msg == twain.MSGOpenDSM && s.state == twain.StateDriverLoaded:
		s.state = twain.StateManagerOpen
	case msg == twain.MSGCloseDSM && s.state == twain.StateManagerOpen:
		s.state = twain.StateDriverLoaded
	default:
		return s.fail(twain.STSSeqError)
	}
	return twain.STSSuccess
}

func (s *Scanner) handleIdentity(msg twain.MSG, rec twain.Record) twain.STS {
	id, ok := rec.(*twain.Identity)
	if !ok {
		return s.fail(twain.STSBadValue)
	}
	switch msg {
	case twain.MSGOpenDS:
		if s.state != twain.StateManagerOpen {
			return s.fail(twain.STSSeqError)
		}
		if id.ProductName != "" && id.ProductName != s.settings.ProductName {
			return s.fail(twain.STSNoDS)
		}
		s.fillIdentity(id)
		s.caps.resetAll()
		s.state = twain.StateDeviceOpen
	case twain.MSGCloseDS:
		if s.state != twain.StateDeviceOpen {
			return s.fail(twain.STSSeqError)
		}
		s.callback = nil
		s.state = twain.StateManagerOpen
	case twain.MSGGet, twain.MSGGetFirst:
		if s.state < twain.StateManagerOpen {
			return s.fail(twain.STSSeqError)
		}
		s.fillIdentity(id)
	default:
		return s.fail(twain.STSBadProtocol)
	}
	return twain.STSSuccess
}

func (s *Scanner) fillIdentity(id *twain.Identity) {
	id.ID = 1
	id.VersionMajor, id.VersionMinor = 2, 4
	id.ProtocolMajor, id.ProtocolMinor = 2, 4
	id.SupportedGroups = uint32(twain.DGControl | twain.DGImage)
	id.Manufacturer = s.settings.Manufacturer
	id.ProductFamily = "Virtual"
	id.ProductName = s.settings.ProductName
}

func (s *Scanner) handleCallback(msg twain.MSG, rec twain.Record) twain.STS {
	cb, ok := rec.(*twain.Callback)
	if !ok || msg != twain.MSGRegisterCallback {
		return s.fail(twain.STSBadProtocol)
	}
	if s.state != twain.StateDeviceOpen {
		return s.fail(twain.STSSeqError)
	}
	s.callback = cb.Func
	return twain.STSSuccess
}

func (s *Scanner) handleStatus(msg twain.MSG, rec twain.Record) twain.STS {
	st, ok := rec.(*twain.Status)
	if !ok || msg != twain.MSGGet {
		return twain.STSBadProtocol
	}
	st.ConditionCode = s.lastCC
	st.Data = 0
	return twain.STSSuccess
}

func (s *Scanner) handleCapability(msg twain.MSG, rec twain.Record) twain.STS {
	c, ok := rec.(*twain.Capability)
	if !ok {
		return s.fail(twain.STSBadValue)
	}
	switch msg {
	case twain.MSGSet, twain.MSGReset, twain.MSGSetConstraint:
		if s.state != twain.StateDeviceOpen {
			return s.fail(twain.STSCapSeqError)
		}
	}
	switch msg {
	case twain.MSGSet:
		v, ok := c.Value()
		if !ok {
			return s.fail(twain.STSBadValue)
		}
		if sts := s.caps.set(c.Cap, v); sts != twain.STSSuccess {
			return s.fail(sts)
		}
		return twain.STSSuccess
	case twain.MSGReset:
		if sts := s.caps.reset(c.Cap); sts != twain.STSSuccess {
			return s.fail(sts)
		}
		return s.caps.describe(c, twain.MSGGetCurrent)
	}
	if sts := s.caps.describe(c, msg); sts != twain.STSSuccess {
		return s.fail(sts)
	}
	return twain.STSSuccess
}

// SetCapability applies one task setting. It is used by task processing
// while mu is held.
func (s *Scanner) SetCapability(_ context.Context, c *twain.Capability) twain.STS {
	return s.handleCapability(twain.MSGSet, c)
}

func (s *Scanner) handleUserInterface(msg twain.MSG) twain.STS {
	switch msg {
	case twain.MSGEnableDS:
		if s.state != twain.StateDeviceOpen {
			return s.fail(twain.STSSeqError)
		}
		switch s.settings.EnableStatus {
		case "busy":
			return s.fail(twain.STSBusy)
		case "noMedia":
			return s.fail(twain.STSNoMedia)
		}
		feeder := s.caps.value(twain.CapFeederEnabled) == 1
		if feeder && s.sheetsLeft <= 0 {
			return s.fail(twain.STSNoMedia)
		}
		s.sheetsFed = 0
		s.imagesTaken = 0
		s.stopFeeder = false
		s.queue = nil
		s.current = nil
		s.xferLimit = s.caps.value(twain.CapXferCount)
		if !feeder {
			// The glass holds one page per run.
			s.feed()
		}
		s.state = twain.StateEnabled
		s.announce()
	case twain.MSGDisableDS:
		// Accepted in state 6 too, when the application has not seen
		// MSG_XFERREADY yet.
		if s.state != twain.StateEnabled && s.state != twain.StateXferReady {
			return s.fail(twain.STSSeqError)
		}
		s.queue, s.current = nil, nil
		s.state = twain.StateDeviceOpen
	default:
		return s.fail(twain.STSBadProtocol)
	}
	return twain.STSSuccess
}

// pending counts the images still to come in this run.
func (s *Scanner) pending() int {
	n := len(s.queue)
	if s.current != nil {
		n++
	}
	if !s.stopFeeder && s.caps.value(twain.CapFeederEnabled) == 1 {
		perSheet := 1
		if s.caps.value(twain.CapDuplexEnabled) == 1 {
			perSheet = 2
		}
		n += s.sheetsLeft * perSheet
	}
	if s.xferLimit > 0 {
		if left := s.xferLimit - s.imagesTaken; n > left {
			n = max(left, 0)
		}
	}
	return n
}

// feed pulls the next sheet into the queue.
func (s *Scanner) feed() twain.STS {
	flatbed := s.caps.value(twain.CapFeederEnabled) == 0
	if !flatbed {
		if s.sheetsLeft <= 0 || s.stopFeeder {
			return twain.STSNoMedia
		}
		if s.settings.JamAfter > 0 && s.sheetsFed >= s.settings.JamAfter {
			return twain.STSPaperJam
		}
		s.sheetsLeft--
	}
	s.sheetsFed++
	s.totalSheets++
	sides := []int{twain.TWCSTop}
	if !flatbed && s.caps.value(twain.CapDuplexEnabled) == 1 {
		sides = append(sides, twain.TWCSBottom)
	}
	for _, side := range sides {
		s.queue = append(s.queue, &xferImage{sheet: s.sheetsFed, side: side, raster: s.nextRaster()})
	}
	return twain.STSSuccess
}

func (s *Scanner) nextRaster() *raster {
	if r := s.files.take(); r != nil {
		return r
	}
	res := s.caps.value(twain.ICapXResolution)
	w := s.settings.PageWidth * res / 100
	h := s.settings.PageHeight * res / 100
	return synthetic(max(w, 1), max(h, 1), s.caps.value(twain.ICapPixelType), s.totalImages+len(s.queue)+1)
}

// ensureCurrent makes the next image current, feeding a sheet if needed.
func (s *Scanner) ensureCurrent() twain.STS {
	if s.current != nil {
		return twain.STSSuccess
	}
	if s.pending() == 0 {
		return twain.STSSeqError
	}
	if len(s.queue) == 0 {
		if sts := s.feed(); sts != twain.STSSuccess {
			return sts
		}
	}
	s.current, s.queue = s.queue[0], s.queue[1:]
	s.imagesTaken++
	s.totalImages++
	s.current.number = s.imagesTaken
	return twain.STSSuccess
}

func (s *Scanner) handlePendingXfers(msg twain.MSG, rec twain.Record) twain.STS {
	px, ok := rec.(*twain.PendingXfers)
	if !ok {
		return s.fail(twain.STSBadValue)
	}
	switch msg {
	case twain.MSGGet:
		px.Count = s.pending()
		return twain.STSSuccess
	case twain.MSGEndXfer:
		if s.state != twain.StateTransferring && s.state != twain.StateXferReady {
			return s.fail(twain.STSSeqError)
		}
		if s.current == nil && s.state == twain.StateXferReady {
			// Ending in state 6 discards the image that was about to come.
			if sts := s.ensureCurrent(); sts != twain.STSSuccess && sts != twain.STSSeqError {
				return s.fail(sts)
			}
		}
		s.current = nil
	case twain.MSGReset:
		if s.state != twain.StateXferReady {
			return s.fail(twain.STSSeqError)
		}
		s.queue, s.current = nil, nil
		s.stopFeeder = true
	case twain.MSGStopFeeder:
		if s.state != twain.StateXferReady {
			return s.fail(twain.STSSeqError)
		}
		s.stopFeeder = true
		px.Count = s.pending()
		return twain.STSSuccess
	default:
		return s.fail(twain.STSBadProtocol)
	}
	px.Count = s.pending()
	if px.Count == 0 {
		s.state = twain.StateEnabled
	} else {
		s.state = twain.StateXferReady
	}
	return twain.STSSuccess
}

func (s *Scanner) handleSetupMemXfer(msg twain.MSG, rec twain.Record) twain.STS {
	sm, ok := rec.(*twain.SetupMemXfer)
	if !ok || msg != twain.MSGGet {
		return s.fail(twain.STSBadProtocol)
	}
	sm.MinBufSize = 1024
	sm.MaxBufSize = uint32(max(s.settings.BufferSize, 1024)) * 4
	sm.Preferred = uint32(max(s.settings.BufferSize, 1024))
	return twain.STSSuccess
}

func (s *Scanner) flatbed() bool {
	return s.caps.value(twain.CapFeederEnabled) == 0
}

func (s *Scanner) renderCurrent(mech twain.TWSX) twain.STS {
	err := s.current.render(mech, s.caps.value(twain.ICapCompression), s.caps.value(twain.ICapXResolution),
		s.names, s.flatbed(), s.settings.Tier == "twaindirect")
	if err != nil {
		s.logger.Error("Render failed", "image", s.current.number, "error", err)
		return s.fail(twain.STSBummer)
	}
	return twain.STSSuccess
}

func (s *Scanner) handleImageInfo(msg twain.MSG, rec twain.Record) twain.STS {
	ii, ok := rec.(*twain.ImageInfo)
	if !ok || msg != twain.MSGGet {
		return s.fail(twain.STSBadProtocol)
	}
	if s.state < twain.StateXferReady {
		return s.fail(twain.STSSeqError)
	}
	if sts := s.ensureCurrent(); sts != twain.STSSuccess {
		return s.fail(sts)
	}
	if s.current.data == nil {
		if sts := s.renderCurrent(twain.TWSX(s.caps.value(twain.ICapXferMech))); sts != twain.STSSuccess {
			return sts
		}
	}
	*ii = s.current.info(s.caps.value(twain.ICapXResolution))
	return twain.STSSuccess
}

func (s *Scanner) handleExtImageInfo(msg twain.MSG, rec twain.Record) twain.STS {
	e, ok := rec.(*twain.ExtImageInfo)
	if !ok || msg != twain.MSGGet {
		return s.fail(twain.STSBadProtocol)
	}
	if s.state != twain.StateTransferring || s.current == nil || s.caps.value(twain.ICapExtImageInfo) != 1 {
		return s.fail(twain.STSSeqError)
	}
	for i := range e.Info {
		info := &e.Info[i]
		info.ReturnCode = uint16(twain.STSInfoNotSupported)
		switch info.InfoID {
		case twain.TWEIPageSide:
			if !s.settings.PageSide || s.flatbed() {
				continue
			}
			info.ItemType, info.NumItems = twain.TWTYUint16, 1
			info.Item = uint64(s.current.side)
			info.ReturnCode = uint16(twain.STSSuccess)
		case twain.TWEITwainDirectMetadata:
			if s.current.metadata == nil {
				continue
			}
			// The caller frees the block; pad with NULs as a C driver would.
			mem, err := twain.AllocBytes(append(append([]byte(nil), s.current.metadata...), 0, 0, 0, 0))
			if err != nil {
				return s.fail(twain.STSLowMemory)
			}
			info.ItemType, info.NumItems = twain.TWTYHandle, 1
			info.Memory = mem
			info.ReturnCode = uint16(twain.STSSuccess)
		}
	}
	return twain.STSSuccess
}

func (s *Scanner) handleTransfer(msg twain.MSG, rec twain.Record, mech twain.TWSX) twain.STS {
	x, ok := rec.(*twain.ImageMemXfer)
	if !ok || msg != twain.MSGGet {
		return s.fail(twain.STSBadProtocol)
	}
	if s.state != twain.StateXferReady && s.state != twain.StateTransferring {
		return s.fail(twain.STSSeqError)
	}
	if twain.TWSX(s.caps.value(twain.ICapXferMech)) != mech {
		return s.fail(twain.STSSeqError)
	}
	if x.Memory == nil || x.Memory.Len() == 0 {
		return s.fail(twain.STSBadValue)
	}
	if sts := s.ensureCurrent(); sts != twain.STSSuccess {
		return s.fail(sts)
	}
	img := s.current
	if img.data == nil {
		if sts := s.renderCurrent(mech); sts != twain.STSSuccess {
			return sts
		}
	}

	buf := x.Memory.Bytes()
	n := len(img.data) - img.offset
	rows := 0
	if img.bytesPerRow > 0 {
		rows = min(len(buf)/img.bytesPerRow, img.raster.height-img.rowsSent)
		if rows == 0 {
			return s.fail(twain.STSLowMemory)
		}
		n = rows * img.bytesPerRow
	} else if n > len(buf) {
		n = len(buf)
	}
	copy(buf, img.data[img.offset:img.offset+n])

	x.Compression = uint16(img.compression)
	x.BytesPerRow = uint32(img.bytesPerRow)
	x.Columns = uint32(img.raster.width)
	x.Rows = uint32(rows)
	x.XOffset = 0
	x.YOffset = uint32(img.rowsSent)
	x.BytesWritten = uint32(n)
	img.offset += n
	img.rowsSent += rows
	s.state = twain.StateTransferring
	if img.offset >= len(img.data) {
		return twain.STSXferDone
	}
	return twain.STSSuccess
}

func (s *Scanner) handleTwainDirect(ctx context.Context, msg twain.MSG, rec twain.Record) twain.STS {
	td, ok := rec.(*twain.TwainDirect)
	if !ok || msg != twain.MSGSetTask || s.settings.Tier != "twaindirect" {
		return s.fail(twain.STSBadProtocol)
	}
	if s.state != twain.StateDeviceOpen {
		return s.fail(twain.STSSeqError)
	}
	send := td.Send.Bytes()
	if int(td.SendSize) < len(send) {
		send = send[:td.SendSize]
	}
	var reply []byte
	sts := twain.STSSuccess
	res, err := task.Process(ctx, s, send)
	if err != nil {
		s.logger.Warn("Task rejected", "error", err)
		reply = task.FailureReply(err)
		sts = twain.STSBadValue
	} else {
		s.names = res.Names
		reply = res.Reply
	}
	mem, err := twain.AllocBytes(reply)
	if err != nil {
		return s.fail(twain.STSLowMemory)
	}
	td.Receive = mem
	td.ReceiveSize = uint32(len(reply))
	if sts != twain.STSSuccess {
		return s.fail(sts)
	}
	return twain.STSSuccess
}

func (s *Scanner) handleImageLayout(msg twain.MSG, rec twain.Record) twain.STS {
	l, ok := rec.(*twain.ImageLayout)
	if !ok {
		return s.fail(twain.STSBadValue)
	}
	switch msg {
	case twain.MSGGet, twain.MSGGetCurrent, twain.MSGGetDefault:
		l.Left, l.Top = 0, 0
		l.Right, l.Bottom = s.settings.PageWidth/100, s.settings.PageHeight/100
		l.DocumentNumber, l.PageNumber, l.FrameNumber = 1, uint32(s.totalSheets+1), 1
		return twain.STSSuccess
	case twain.MSGSet, twain.MSGReset:
		if s.state != twain.StateDeviceOpen {
			return s.fail(twain.STSSeqError)
		}
		return twain.STSSuccess
	}
	return s.fail(twain.STSBadProtocol)
}
