// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
ipc:
  type: serial
  parent_pid: 4242
  serial:
    device: /dev/ttyS1
    parity: e
images_folder: /var/lib/twainbridge/images
scanner: "TWAIN2 Software Scanner | USB"
capture:
  transfer_mechanism: memfile
  show_indicators: true
developer:
  force_drained_status: paperJam
encryption:
  profile: Basic
  profiles:
    basic:
      key: salt
      password: secret
driver:
  virtual:
    tier: pdfraster
    sheets: 3
    duplex: true
`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "serial", cfg.IPC.Type)
	assert.Equal(t, 4242, cfg.IPC.ParentPID)
	assert.Equal(t, "/dev/ttyS1", cfg.IPC.Serial.Device)
	assert.Equal(t, "E", cfg.IPC.Serial.Parity)
	assert.Equal(t, 115200, cfg.IPC.Serial.BaudRate)
	assert.Equal(t, 500*time.Millisecond, cfg.IPC.Serial.Timeout)
	assert.Equal(t, "/var/lib/twainbridge/images", cfg.ImagesFolder)
	assert.Equal(t, "memfile", cfg.Capture.TransferMechanism)
	assert.True(t, cfg.Capture.ShowIndicators)
	assert.Equal(t, "1", cfg.Capture.PlatformPrefix)
	assert.Equal(t, "paperJam", cfg.Developer.ForceDrainedStatus)

	assert.Equal(t, "virtual", cfg.Driver.Type)
	assert.Equal(t, "pdfraster", cfg.Driver.Virtual.Tier)
	assert.Equal(t, 3, cfg.Driver.Virtual.Sheets)
	assert.True(t, cfg.Driver.Virtual.Duplex)
	assert.True(t, cfg.Driver.Virtual.PageSide)
	assert.Equal(t, "TWAIN2 Software Scanner", cfg.Driver.Virtual.ProductName)

	signer := cfg.Signer()
	require.NotNil(t, signer)
	assert.Equal(t, "basic", signer.Profile())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, "ipc:\n  address: 127.0.0.1:1000\n")
	t.Setenv("TWAINBRIDGE_IMAGES_FOLDER", "/tmp/from-env")
	t.Setenv("TWAINBRIDGE_IPC_ADDRESS", "127.0.0.1:2000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("ipc-address", "", "")
	flags.String("scanner", "", "")
	require.NoError(t, flags.Parse([]string{"--ipc-address", "127.0.0.1:3000"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.IPC.Address)
	assert.Equal(t, "/tmp/from-env", cfg.ImagesFolder)
	assert.Equal(t, "", cfg.Scanner)
	assert.Nil(t, cfg.Signer())
}

func TestLoadConfigRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"tcpWithoutAddress", "ipc:\n  type: tcp\n"},
		{"serialWithoutDevice", "ipc:\n  type: serial\n"},
		{"unknownChannel", "ipc:\n  type: pipe\n"},
		{"unknownMechanism", "ipc:\n  address: x:1\ncapture:\n  transfer_mechanism: native\n"},
		{"unknownDriver", "ipc:\n  address: x:1\ndriver:\n  type: twaindsm\n"},
		{"unknownProfile", "ipc:\n  address: x:1\nencryption:\n  profile: missing\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body), nil)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
