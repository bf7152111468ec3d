// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"time"

	"github.com/google/uuid"

	"github.com/ffutop/twain-bridge/internal/registry"
	"github.com/ffutop/twain-bridge/internal/task"
	"github.com/ffutop/twain-bridge/twain"
)

// Session is everything one createSession..closeSession cycle owns. It is
// only touched on the executor thread.
type Session struct {
	ID      string
	Scanner string
	Tier    registry.Tier

	// Set once by startCapturing.
	negotiated   bool
	extImageInfo bool
	wantMech     twain.TWSX

	// Set once by the capture engine on the first MSG_XFERREADY.
	mechReady bool
	mech      twain.TWSX
	buffer    *twain.NativeMemory
	duplex    bool
	flatbed   bool

	names *task.Lookup

	run runState
}

// runState is reset by every startCapturing.
type runState struct {
	capturing  bool
	stepQueued bool

	stopRequested  bool
	stopSent       bool
	resetRequested bool
	resetSent      bool
	closeRequested bool

	imageCount int
	sheetCount int

	image *assembly
}

func newSession(scanner string, tier registry.Tier) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Scanner: scanner,
		Tier:    tier,
	}
}

// resetRun keeps a step already queued; it finds the new run.
func (s *Session) resetRun() {
	s.run = runState{stepQueued: s.run.stepQueued}
}

// nativeMode reports whether the driver emits finished pages and metadata.
func (s *Session) nativeMode() bool {
	return s.Tier == registry.TierTwainDirect && s.mech == twain.TWSXMemFile
}

// release frees the transfer buffer.
func (s *Session) release() {
	if s.buffer != nil {
		s.buffer.Free()
		s.buffer = nil
	}
	s.mechReady = false
}

// assembly collects the chunks of one image.
type assembly struct {
	data        []byte
	bytesPerRow int
	columns     int
	compression int
	started     time.Time
}

func newAssembly() *assembly {
	return &assembly{started: time.Now()}
}

func (a *assembly) add(x *twain.ImageMemXfer) {
	if len(a.data) == 0 {
		if x.BytesPerRow != twain.TWONDontCare32 {
			a.bytesPerRow = int(x.BytesPerRow)
		}
		if x.Columns != twain.TWONDontCare32 {
			a.columns = int(x.Columns)
		}
		a.compression = int(x.Compression)
	}
	a.data = append(a.data, x.Data()...)
}
