// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package virtual

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/twain-bridge/twain"
)

var ctx = context.Background()

func smallSettings() Settings {
	s := DefaultSettings()
	s.Sheets = 2
	s.PageWidth = 64
	s.PageHeight = 48
	s.BufferSize = 1024
	return s
}

func newScanner(t *testing.T, s Settings) (*Scanner, chan twain.MSG) {
	t.Helper()
	sc, err := New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })
	events := make(chan twain.MSG, 8)
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATParent, twain.MSGOpenDSM, twain.NewNull(twain.DATParent)))
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATIdentity, twain.MSGOpenDS, &twain.Identity{}))
	cb := &twain.Callback{Func: func(m twain.MSG) { events <- m }}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATCallback, twain.MSGRegisterCallback, cb))
	return sc, events
}

func setCap(sc *Scanner, id twain.CAP, typ twain.TWTY, v int) twain.STS {
	return sc.Entry(ctx, twain.DGControl, twain.DATCapability, twain.MSGSet, twain.OneValue(id, typ, v))
}

func enable(t *testing.T, sc *Scanner, events chan twain.MSG) {
	t.Helper()
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGEnableDS, &twain.UserInterface{}))
	select {
	case m := <-events:
		require.Equal(t, twain.MSGXferReady, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no MSG_XFERREADY")
	}
	require.Equal(t, twain.StateXferReady, sc.State())
}

// transfer pulls one image through a small buffer.
func transfer(t *testing.T, sc *Scanner, dat twain.DAT) ([]byte, twain.STS) {
	t.Helper()
	buf, err := twain.Alloc(1024)
	require.NoError(t, err)
	defer buf.Free()
	var out []byte
	for i := 0; i < 1000; i++ {
		x := twain.NewImageMemXfer(dat, buf)
		sts := sc.Entry(ctx, twain.DGImage, dat, twain.MSGGet, x)
		if !sts.OK() {
			return out, sts
		}
		out = append(out, x.Data()...)
		if sts == twain.STSXferDone {
			return out, sts
		}
	}
	t.Fatal("transfer did not finish")
	return nil, 0
}

func endXfer(t *testing.T, sc *Scanner) int {
	t.Helper()
	px := &twain.PendingXfers{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGEndXfer, px))
	return px.Count
}

func TestScannerSimplexRun(t *testing.T) {
	sc, events := newScanner(t, smallSettings())
	enable(t, sc, events)

	info := &twain.ImageInfo{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGImage, twain.DATImageInfo, twain.MSGGet, info))
	assert.Equal(t, 64, info.ImageWidth)
	assert.Equal(t, 48, info.ImageLength)
	assert.Equal(t, 8, info.BitsPerPixel)

	data, sts := transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	assert.Len(t, data, 64*48)
	assert.Equal(t, twain.StateTransferring, sc.State())
	assert.Equal(t, 1, endXfer(t, sc))

	_, sts = transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	assert.Equal(t, 0, endXfer(t, sc))
	assert.Equal(t, twain.StateEnabled, sc.State())

	m := &twain.Metrics{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATMetrics, twain.MSGGet, m))
	assert.Equal(t, uint32(2), m.ImageCount)
	assert.Equal(t, uint32(2), m.SheetCount)

	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGDisableDS, &twain.UserInterface{}))
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATIdentity, twain.MSGCloseDS, &twain.Identity{}))
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATParent, twain.MSGCloseDSM, twain.NewNull(twain.DATParent)))
	assert.Equal(t, twain.StateDriverLoaded, sc.State())
}

func TestScannerDuplexPageSide(t *testing.T) {
	s := smallSettings()
	s.Sheets = 1
	sc, events := newScanner(t, s)
	require.Equal(t, twain.STSSuccess, setCap(sc, twain.CapDuplexEnabled, twain.TWTYBool, 1))
	require.Equal(t, twain.STSSuccess, setCap(sc, twain.ICapExtImageInfo, twain.TWTYBool, 1))
	enable(t, sc, events)

	px := &twain.PendingXfers{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGGet, px))
	assert.Equal(t, 2, px.Count)

	for _, want := range []int{twain.TWCSTop, twain.TWCSBottom} {
		_, sts := transfer(t, sc, twain.DATImageMemXfer)
		require.Equal(t, twain.STSXferDone, sts)
		ext := &twain.ExtImageInfo{Info: []twain.ExtInfo{{InfoID: twain.TWEIPageSide}}}
		require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGImage, twain.DATExtImageInfo, twain.MSGGet, ext))
		assert.Equal(t, uint16(twain.STSSuccess), ext.Info[0].ReturnCode)
		assert.Equal(t, uint64(want), ext.Info[0].Item)
		endXfer(t, sc)
	}
	assert.Equal(t, twain.StateEnabled, sc.State())
}

func TestScannerEnableFaults(t *testing.T) {
	for _, tc := range []struct {
		status string
		want   twain.STS
	}{
		{"busy", twain.STSBusy},
		{"noMedia", twain.STSNoMedia},
	} {
		t.Run(tc.status, func(t *testing.T) {
			s := smallSettings()
			s.EnableStatus = tc.status
			sc, _ := newScanner(t, s)
			assert.Equal(t, tc.want, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGEnableDS, &twain.UserInterface{}))
			assert.Equal(t, twain.StateDeviceOpen, sc.State())
		})
	}
}

func TestScannerEmptyFeeder(t *testing.T) {
	s := smallSettings()
	s.Sheets = 0
	sc, _ := newScanner(t, s)
	assert.Equal(t, twain.STSNoMedia, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGEnableDS, &twain.UserInterface{}))

	st := &twain.Status{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATStatus, twain.MSGGet, st))
	assert.Equal(t, twain.STSNoMedia.ConditionCode(), st.ConditionCode)
}

func TestScannerPaperJam(t *testing.T) {
	s := smallSettings()
	s.JamAfter = 1
	sc, events := newScanner(t, s)
	enable(t, sc, events)
	_, sts := transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	require.Equal(t, 1, endXfer(t, sc))
	_, sts = transfer(t, sc, twain.DATImageMemXfer)
	assert.Equal(t, twain.STSPaperJam, sts)
}

func TestScannerCapabilities(t *testing.T) {
	sc, events := newScanner(t, smallSettings())

	c := &twain.Capability{Cap: twain.ICapPixelType}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATCapability, twain.MSGGet, c))
	assert.Equal(t, twain.TWONEnumeration, c.Con)
	assert.Equal(t, []int{twain.TWPTBW, twain.TWPTGray, twain.TWPTRGB}, c.Items)

	assert.Equal(t, twain.STSBadValue, setCap(sc, twain.ICapXResolution, twain.TWTYFix32, 123))
	assert.Equal(t, twain.STSCapBadOperation, setCap(sc, twain.CapFeederLoaded, twain.TWTYBool, 0))
	assert.Equal(t, twain.STSCapUnsupported, setCap(sc, twain.CAP(0x8001), twain.TWTYUint16, 1))

	require.Equal(t, twain.STSSuccess, setCap(sc, twain.ICapPixelType, twain.TWTYUint16, twain.TWPTBW))
	bd := &twain.Capability{Cap: twain.ICapBitDepth}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATCapability, twain.MSGGetCurrent, bd))
	v, _ := bd.Value()
	assert.Equal(t, 1, v)

	dats := &twain.Capability{Cap: twain.CapSupportedDATs}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATCapability, twain.MSGGet, dats))
	assert.False(t, dats.Contains(int(twain.DATTwainDirect)))

	enable(t, sc, events)
	assert.Equal(t, twain.STSCapSeqError, setCap(sc, twain.ICapPixelType, twain.TWTYUint16, twain.TWPTGray))
}

func TestScannerSequenceErrors(t *testing.T) {
	sc, err := New(smallSettings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer sc.Close()
	assert.Equal(t, twain.STSSeqError, sc.Entry(ctx, twain.DGControl, twain.DATIdentity, twain.MSGOpenDS, &twain.Identity{}))
	assert.Equal(t, twain.STSSeqError, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGEnableDS, &twain.UserInterface{}))
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATParent, twain.MSGOpenDSM, twain.NewNull(twain.DATParent)))
	assert.Equal(t, twain.STSNoDS, sc.Entry(ctx, twain.DGControl, twain.DATIdentity, twain.MSGOpenDS, &twain.Identity{ProductName: "Other"}))
	assert.Equal(t, twain.STSSeqError, sc.Entry(ctx, twain.DGControl, twain.DATParent, twain.MSGOpenDSM, twain.NewNull(twain.DATParent)))
}

func TestScannerStopFeeder(t *testing.T) {
	s := smallSettings()
	s.Sheets = 5
	sc, events := newScanner(t, s)
	enable(t, sc, events)
	_, sts := transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	require.Equal(t, 4, endXfer(t, sc))
	px := &twain.PendingXfers{}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGStopFeeder, px))
	assert.Equal(t, 0, px.Count)
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGReset, px))
	assert.Equal(t, twain.StateEnabled, sc.State())
}

func TestScannerXferCount(t *testing.T) {
	s := smallSettings()
	s.Sheets = 5
	sc, events := newScanner(t, s)
	require.Equal(t, twain.STSSuccess, setCap(sc, twain.CapXferCount, twain.TWTYInt16, 1))
	enable(t, sc, events)
	_, sts := transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	assert.Equal(t, 0, endXfer(t, sc))
}

func TestScannerTwainDirectTier(t *testing.T) {
	s := smallSettings()
	s.Tier = "twaindirect"
	sc, events := newScanner(t, s)

	raw := []byte(`{"actions":[{"action":"configure","streams":[{"name":"s1","sources":[{"source":"feeder","name":"src","pixelFormats":[{"pixelFormat":"bw1","name":"pf"}]}]}]}]}`)
	send, err := twain.AllocBytes(raw)
	require.NoError(t, err)
	defer send.Free()
	td := &twain.TwainDirect{Send: send, SendSize: uint32(len(raw))}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATTwainDirect, twain.MSGSetTask, td))
	require.NotNil(t, td.Receive)
	defer td.Receive.Free()
	assert.True(t, json.Valid(td.Receive.Bytes()[:td.ReceiveSize]))

	require.Equal(t, twain.STSSuccess, setCap(sc, twain.ICapXferMech, twain.TWTYUint16, int(twain.TWSXMemFile)))
	require.Equal(t, twain.STSSuccess, setCap(sc, twain.ICapExtImageInfo, twain.TWTYBool, 1))
	enable(t, sc, events)

	data, sts := transfer(t, sc, twain.DATImageMemFileXfer)
	require.Equal(t, twain.STSXferDone, sts)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-1.4")))

	ext := &twain.ExtImageInfo{Info: []twain.ExtInfo{{InfoID: twain.TWEITwainDirectMetadata}}}
	require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGImage, twain.DATExtImageInfo, twain.MSGGet, ext))
	require.NotNil(t, ext.Info[0].Memory)
	defer ext.Info[0].Memory.Free()
	meta := bytes.TrimRight(ext.Info[0].Memory.Bytes(), "\x00")
	var doc struct {
		Metadata struct {
			Address struct {
				ImageNumber     int    `json:"imageNumber"`
				Source          string `json:"source"`
				StreamName      string `json:"streamName"`
				PixelFormatName string `json:"pixelFormatName"`
			} `json:"address"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(meta, &doc))
	assert.Equal(t, 1, doc.Metadata.Address.ImageNumber)
	assert.Equal(t, "feederFront", doc.Metadata.Address.Source)
	assert.Equal(t, "s1", doc.Metadata.Address.StreamName)
	assert.Equal(t, "pf", doc.Metadata.Address.PixelFormatName)
}

func TestScannerRejectedTask(t *testing.T) {
	s := smallSettings()
	s.Tier = "twaindirect"
	sc, _ := newScanner(t, s)
	raw := []byte(`{"actions":`)
	send, err := twain.AllocBytes(raw)
	require.NoError(t, err)
	defer send.Free()
	td := &twain.TwainDirect{Send: send, SendSize: uint32(len(raw))}
	assert.Equal(t, twain.STSBadValue, sc.Entry(ctx, twain.DGControl, twain.DATTwainDirect, twain.MSGSetTask, td))
	require.NotNil(t, td.Receive)
	defer td.Receive.Free()
	assert.Contains(t, string(td.Receive.Bytes()), "invalidJson")
}

func TestScannerPageFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.pgm")
	pixels := bytes.Repeat([]byte{0x80}, 4*3)
	require.NoError(t, os.WriteFile(path, append([]byte("P5\n# test\n4 3\n255\n"), pixels...), 0o644))

	s := smallSettings()
	s.PageFiles = []string{path}
	sc, events := newScanner(t, s)
	enable(t, sc, events)
	data, sts := transfer(t, sc, twain.DATImageMemXfer)
	require.Equal(t, twain.STSXferDone, sts)
	assert.Equal(t, pixels, data)
}

func TestScannerRequestClose(t *testing.T) {
	sc, events := newScanner(t, smallSettings())
	enable(t, sc, events)
	sc.RequestClose()
	select {
	case m := <-events:
		assert.Equal(t, twain.MSGCloseDSReq, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no MSG_CLOSEDSREQ")
	}
}

func TestNewFactoryRejectsTier(t *testing.T) {
	s := smallSettings()
	s.Tier = "bogus"
	_, err := NewFactory(s, slog.Default())
	assert.Error(t, err)
}

func TestScannerFlatbed(t *testing.T) {
	s := smallSettings()
	s.Flatbed = true
	sc, events := newScanner(t, s)
	require.Equal(t, twain.STSSuccess, setCap(sc, twain.CapFeederEnabled, twain.TWTYBool, 0))

	for run := 0; run < 2; run++ {
		enable(t, sc, events)
		_, sts := transfer(t, sc, twain.DATImageMemXfer)
		require.Equal(t, twain.STSXferDone, sts)
		assert.Equal(t, 0, endXfer(t, sc))
		require.Equal(t, twain.STSSuccess, sc.Entry(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGDisableDS, &twain.UserInterface{}))
	}
}
