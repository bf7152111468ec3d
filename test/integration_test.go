package test

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

var bridgeBinaryPath string

// TestMain locates the bridge binary. Build it in the project root first.
func TestMain(m *testing.M) {
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("cannot get working directory: %v", err)
	}
	bridgeBinaryPath = filepath.Join(cwd, "..", "twain-bridge")
	if _, err := os.Stat(bridgeBinaryPath); os.IsNotExist(err) {
		log.Fatalf("twain-bridge binary not found: %s. Build the project first.", bridgeBinaryPath)
	}
	os.Exit(m.Run())
}

type reply struct {
	Status  string `json:"status"`
	Session *struct {
		ImageBlocks        []int `json:"imageBlocks"`
		ImageBlocksDrained bool  `json:"imageBlocksDrained"`
	} `json:"session"`
	TaskReply json.RawMessage `json:"taskReply"`
}

// controller plays the process driving the bridge.
type controller struct {
	t    *testing.T
	conn net.Conn
}

func (c *controller) send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.conn.Write(append(hdr[:], data...)); err != nil {
		c.t.Fatalf("write %v: %v", msg["method"], err)
	}
}

func (c *controller) call(msg map[string]any) reply {
	c.t.Helper()
	c.send(msg)
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		c.t.Fatalf("read reply to %v: %v", msg["method"], err)
	}
	data := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(c.conn, data); err != nil {
		c.t.Fatalf("read reply to %v: %v", msg["method"], err)
	}
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		c.t.Fatalf("decode reply %s: %v", data, err)
	}
	return r
}

// startBridge runs the binary against a listener standing in for the
// controlling process.
func startBridge(t *testing.T, imagesFolder string) *controller {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	configContent := fmt.Sprintf(`
log:
  level: debug
ipc:
  type: tcp
  address: %q
images_folder: %q
driver:
  virtual:
    sheets: 2
    duplex: true
    page_width: 200
    page_height: 300
`, ln.Addr().String(), imagesFolder)
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := exec.Command(bridgeBinaryPath, "--config", configFile)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start twain-bridge: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(10 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		cmd.Process.Kill()
		t.Fatalf("twain-bridge did not connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("twain-bridge exited with %v", err)
			}
		case <-time.After(10 * time.Second):
			cmd.Process.Kill()
			t.Errorf("twain-bridge did not exit after disconnect")
		}
	})
	return &controller{t: t, conn: conn}
}

func TestDuplexSession(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "images")
	c := startBridge(t, folder)

	if r := c.call(map[string]any{"method": "createSession", "scanner": "TWAIN2 Software Scanner"}); r.Status != "success" {
		t.Fatalf("createSession: %s", r.Status)
	}
	task := json.RawMessage(`{"actions":[{"action":"configure","streams":[{"sources":[{"source":"feeder"}]}]}]}`)
	if r := c.call(map[string]any{"method": "sendTask", "task": task}); r.Status != "success" {
		t.Fatalf("sendTask: %s %s", r.Status, r.TaskReply)
	}
	if r := c.call(map[string]any{"method": "startCapturing"}); r.Status != "success" {
		t.Fatalf("startCapturing: %s", r.Status)
	}

	// Release blocks as they arrive until the run is reported drained.
	released := 0
	deadline := time.Now().Add(20 * time.Second)
	for {
		r := c.call(map[string]any{"method": "getSession"})
		if r.Status != "success" {
			t.Fatalf("getSession: %s", r.Status)
		}
		if r.Session.ImageBlocksDrained {
			break
		}
		for _, n := range r.Session.ImageBlocks {
			for _, ext := range []string{".meta", ".pdf"} {
				if err := os.Remove(filepath.Join(folder, fmt.Sprintf("img%06d%s", n, ext))); err != nil {
					t.Fatalf("release block %d: %v", n, err)
				}
			}
			released++
		}
		if time.Now().After(deadline) {
			t.Fatalf("run not drained, %d blocks released", released)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if released != 4 {
		t.Errorf("expected 4 image blocks, got %d", released)
	}

	if r := c.call(map[string]any{"method": "closeSession"}); r.Status != "success" {
		t.Fatalf("closeSession: %s", r.Status)
	}
	if r := c.call(map[string]any{"method": "closeSession"}); r.Status != "invalidSessionId" {
		t.Errorf("second closeSession: %s", r.Status)
	}
}

func TestUnknownScannerExit(t *testing.T) {
	c := startBridge(t, filepath.Join(t.TempDir(), "images"))
	if r := c.call(map[string]any{"method": "getSession"}); r.Status != "invalidSessionId" {
		t.Fatalf("getSession without session: %s", r.Status)
	}
	if r := c.call(map[string]any{"method": "createSession", "scanner": "Unknown Scanner"}); r.Status != "newSessionNotAllowed" {
		t.Fatalf("createSession with unknown scanner: %s", r.Status)
	}
	c.send(map[string]any{"method": "exit"})
}
