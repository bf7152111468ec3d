// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/twain-bridge/internal/driver/virtual"
	"github.com/ffutop/twain-bridge/internal/imageblocks"
	"github.com/ffutop/twain-bridge/internal/metrics"
	"github.com/ffutop/twain-bridge/twain"
)

const scannerName = "TWAIN2 Software Scanner"

// pipe is an in-memory channel. Closing in disconnects the bridge.
type pipe struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
}

func newPipe() *pipe {
	return &pipe{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (p *pipe) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Write(_ context.Context, msg []byte) error {
	p.out <- append([]byte(nil), msg...)
	return nil
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.in) })
	return nil
}

type harness struct {
	t      *testing.T
	bridge *Bridge
	ch     *pipe
	folder *imageblocks.Folder
	done   chan error
}

func smallScanner() virtual.Settings {
	s := virtual.DefaultSettings()
	s.Sheets = 2
	s.PageWidth = 64
	s.PageHeight = 48
	s.BufferSize = 1024
	return s
}

func start(t *testing.T, settings virtual.Settings, opts Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory, err := virtual.NewFactory(settings, logger)
	require.NoError(t, err)
	if opts.ImagesFolder == "" {
		opts.ImagesFolder = t.TempDir()
	}
	h := &harness{
		t:      t,
		bridge: New(opts, factory, logger, metrics.New()),
		ch:     newPipe(),
		folder: imageblocks.New(opts.ImagesFolder),
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.bridge.Run(context.Background(), h.ch) }()
	t.Cleanup(func() {
		h.ch.Close()
		<-h.done
		h.bridge.Close()
	})
	return h
}

func (h *harness) send(msg map[string]any) {
	h.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.ch.in <- data
}

func (h *harness) call(method string, fields ...any) reply {
	h.t.Helper()
	msg := map[string]any{"method": method}
	for i := 0; i+1 < len(fields); i += 2 {
		msg[fields[i].(string)] = fields[i+1]
	}
	h.send(msg)
	select {
	case data := <-h.ch.out:
		var r reply
		require.NoError(h.t, json.Unmarshal(data, &r))
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatalf("no reply to %s", method)
	}
	return reply{}
}

// waitSentinel waits for the run to end and returns its status.
func (h *harness) waitSentinel() string {
	h.t.Helper()
	var status string
	require.Eventually(h.t, func() bool {
		var ok bool
		status, ok, _ = h.folder.ReadSentinel()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func (h *harness) metadata(n int) imageblocks.Metadata {
	h.t.Helper()
	data, err := os.ReadFile(h.folder.MetaPath(n))
	require.NoError(h.t, err)
	var m imageblocks.Metadata
	require.NoError(h.t, json.Unmarshal(data, &m))
	return m
}

func (h *harness) driverLoaded() bool {
	var loaded bool
	require.NoError(h.t, h.bridge.exec.Do(context.Background(), func(context.Context) { loaded = h.bridge.dev.Loaded() }))
	return loaded
}

func TestBridgeCaptureRun(t *testing.T) {
	h := start(t, smallScanner(), Options{})

	r := h.call("createSession", "scanner", scannerName+" | USB")
	require.Equal(t, StatusSuccess, r.Status)
	require.NotNil(t, r.Session)
	assert.Empty(t, r.Session.ImageBlocks)

	r = h.call("sendTask", "task", json.RawMessage(`{"actions":[{"action":"configure"}]}`))
	require.Equal(t, StatusSuccess, r.Status)
	assert.JSONEq(t, `{"actions":[{"action":"configure","results":{"success":true}}]}`, string(r.TaskReply))

	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	assert.Equal(t, "success", h.waitSentinel())

	r = h.call("getSession")
	require.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, []int{1, 2}, r.Session.ImageBlocks)
	assert.False(t, r.Session.ImageBlocksDrained)

	page, err := os.ReadFile(h.folder.PagePath(1))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(page, []byte("%PDF-")))
	m := h.metadata(1)
	assert.Equal(t, 1, m.Metadata.Address.ImageNumber)
	assert.Equal(t, 1, m.Metadata.Address.ImagePart)
	assert.Equal(t, "feederFront", m.Metadata.Address.Source)
	assert.Equal(t, "stream0", m.Metadata.Address.StreamName)
	assert.Equal(t, "gray8", m.Metadata.Image.PixelFormat)
	assert.Equal(t, 64, m.Metadata.Image.PixelWidth)
	assert.Equal(t, 48, m.Metadata.Image.PixelHeight)
	assert.Equal(t, 2, h.metadata(2).Metadata.Address.SheetNumber)

	released, err := h.folder.Release(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, released)
	r = h.call("getSession")
	assert.Empty(t, r.Session.ImageBlocks)
	assert.True(t, r.Session.ImageBlocksDrained)

	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	assert.False(t, h.driverLoaded())
	assert.Equal(t, StatusInvalidSession, h.call("closeSession").Status)
	assert.Equal(t, StatusInvalidSession, h.call("getSession").Status)
}

func TestBridgeEnableRefused(t *testing.T) {
	for _, tc := range []struct {
		name   string
		edit   func(*virtual.Settings)
		status Status
	}{
		{"busy", func(s *virtual.Settings) { s.EnableStatus = "busy" }, StatusBusy},
		{"noMedia", func(s *virtual.Settings) { s.EnableStatus = "noMedia" }, StatusNoMedia},
		{"emptyFeeder", func(s *virtual.Settings) { s.Sheets = 0 }, StatusNoMedia},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := smallScanner()
			tc.edit(&s)
			h := start(t, s, Options{})
			require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)

			r := h.call("startCapturing")
			assert.Equal(t, tc.status, r.Status)
			assert.Nil(t, r.Session)
			assert.Equal(t, string(tc.status), h.waitSentinel())

			r = h.call("getSession")
			assert.Empty(t, r.Session.ImageBlocks)
			assert.True(t, r.Session.ImageBlocksDrained)
			require.Equal(t, StatusSuccess, h.call("closeSession").Status)
		})
	}
}

func TestBridgeDuplexSources(t *testing.T) {
	for _, pageSide := range []bool{false, true} {
		s := smallScanner()
		s.Duplex = true
		s.PageSide = pageSide
		h := start(t, s, Options{})
		require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
		require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
		require.Equal(t, "success", h.waitSentinel())

		assert.Equal(t, []int{1, 2, 3, 4}, h.call("getSession").Session.ImageBlocks)
		for i, want := range []struct {
			source string
			sheet  int
		}{{"feederFront", 1}, {"feederRear", 1}, {"feederFront", 2}, {"feederRear", 2}} {
			a := h.metadata(i + 1).Metadata.Address
			assert.Equal(t, want.source, a.Source, "image %d page side %v", i+1, pageSide)
			assert.Equal(t, want.sheet, a.SheetNumber, "image %d page side %v", i+1, pageSide)
		}
		require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	}
}

func TestBridgeCounterRestartsEachRun(t *testing.T) {
	s := smallScanner()
	s.Flatbed = true
	h := start(t, s, Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	r := h.call("sendTask", "task", json.RawMessage(
		`{"actions":[{"action":"configure","streams":[{"sources":[{"source":"flatbed","pixelFormats":[{"pixelFormat":"bw1","name":"mono"}]}]}]}]}`))
	require.Equal(t, StatusSuccess, r.Status, string(r.TaskReply))

	for run := 0; run < 2; run++ {
		require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
		require.Equal(t, "success", h.waitSentinel())
		assert.Equal(t, []int{1}, h.call("getSession").Session.ImageBlocks)
		a := h.metadata(1).Metadata
		assert.Equal(t, 1, a.Address.ImageNumber)
		assert.Equal(t, "flatbed", a.Address.Source)
		assert.Equal(t, "mono", a.Address.PixelFormatName)
		assert.Equal(t, "bw1", a.Image.PixelFormat)
		_, err := h.folder.Release(1, 1)
		require.NoError(t, err)
	}
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
}

func TestBridgePaperJam(t *testing.T) {
	s := smallScanner()
	s.Sheets = 3
	s.JamAfter = 1
	h := start(t, s, Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	assert.Equal(t, "paperJam", h.waitSentinel())
	assert.Equal(t, []int{1}, h.call("getSession").Session.ImageBlocks)

	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	assert.False(t, h.driverLoaded())
}

func TestBridgeBlockWriteFailure(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	// A directory in the way makes the second metadata write fail.
	require.NoError(t, os.Mkdir(h.folder.MetaPath(2), 0o755))
	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	assert.Equal(t, "fileWriteError", h.waitSentinel())
	assert.NoFileExists(t, h.folder.PagePath(2))

	r := h.call("getSession")
	assert.Equal(t, []int{1}, r.Session.ImageBlocks)
	assert.False(t, r.Session.ImageBlocksDrained)

	_, err := h.folder.Release(1, 1)
	require.NoError(t, err)
	r = h.call("getSession")
	assert.Empty(t, r.Session.ImageBlocks)
	assert.True(t, r.Session.ImageBlocksDrained)

	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	assert.False(t, h.driverLoaded())
}

func TestBridgeForcedDrainedStatus(t *testing.T) {
	h := start(t, smallScanner(), Options{ForceDrainedStatus: "paperDoubleFeed"})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	assert.Equal(t, "paperDoubleFeed", h.waitSentinel())
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
}

func TestBridgeStopCapturing(t *testing.T) {
	s := smallScanner()
	s.Sheets = 50
	s.EventDelay = 50 * time.Millisecond
	h := start(t, s, Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	require.Equal(t, StatusSuccess, h.call("stopCapturing").Status)
	assert.Equal(t, "success", h.waitSentinel())
	assert.Less(t, len(h.call("getSession").Session.ImageBlocks), 50)
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	assert.False(t, h.driverLoaded())
}

func TestBridgeCloseWhileCapturing(t *testing.T) {
	s := smallScanner()
	s.Sheets = 50
	h := start(t, s, Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	require.Eventually(t, func() bool { return !h.driverLoaded() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusInvalidSession, h.call("getSession").Status)
}

func TestBridgeTwainDirectTier(t *testing.T) {
	s := smallScanner()
	s.Tier = "twaindirect"
	h := start(t, s, Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)

	r := h.call("sendTask", "task", json.RawMessage(`{"actions":[{"action":"configure","streams":[{"name":"s1","sources":[{"source":"any"}]}]}]}`))
	require.Equal(t, StatusSuccess, r.Status)
	assert.Contains(t, string(r.TaskReply), `"s1"`)

	r = h.call("sendTask", "task", json.RawMessage(`"not a task"`))
	assert.Equal(t, StatusInvalidCapturingOptions, r.Status)
	assert.Contains(t, string(r.TaskReply), "invalidJson")

	require.Equal(t, StatusSuccess, h.call("startCapturing").Status)
	require.Equal(t, "success", h.waitSentinel())
	assert.Equal(t, []int{1, 2}, h.call("getSession").Session.ImageBlocks)

	page, err := os.ReadFile(h.folder.PagePath(2))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(page, []byte("%PDF-")))
	a := h.metadata(2).Metadata.Address
	assert.Equal(t, 2, a.ImageNumber)
	assert.Equal(t, "s1", a.StreamName)
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
}

func TestBridgeRequiresSession(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	for _, method := range []string{"getSession", "sendTask", "startCapturing", "stopCapturing", "closeSession"} {
		assert.Equal(t, StatusInvalidSession, h.call(method).Status, method)
	}
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	assert.Equal(t, StatusNewSessionNotAllowed, h.call("createSession", "scanner", scannerName).Status)
	assert.Equal(t, StatusInvalidCapturingOptions, h.call("sendTask", "task", json.RawMessage(`{}`)).Status)
}

func TestBridgeCloseBeforeCapturing(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	require.Equal(t, StatusSuccess, h.call("closeSession").Status)
	assert.False(t, h.driverLoaded())
	assert.Equal(t, twain.StateNoDriver, h.bridge.dev.State())
	assert.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
}

func TestBridgeUnknownScanner(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	assert.Equal(t, StatusNewSessionNotAllowed, h.call("createSession", "scanner", "Some Other Scanner").Status)
	assert.False(t, h.driverLoaded())
	assert.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
}

func TestBridgeDropsMalformedInput(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	h.ch.in <- []byte("{not json")
	h.send(map[string]any{"scanner": scannerName})
	h.send(map[string]any{"method": "readImageBlock"})
	// Nothing was answered, so the next reply belongs to getSession.
	assert.Equal(t, StatusInvalidSession, h.call("getSession").Status)
}

func TestBridgeExitAndDisconnectRollBack(t *testing.T) {
	h := start(t, smallScanner(), Options{})
	require.Equal(t, StatusSuccess, h.call("createSession", "scanner", scannerName).Status)
	h.send(map[string]any{"method": "exit"})
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, h.driverLoaded())
	assert.Equal(t, twain.StateNoDriver, h.bridge.dev.State())
}
