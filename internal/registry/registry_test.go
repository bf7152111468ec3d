// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "register.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanners:
  - name: Virtual Scanner
    manufacturer: ffutop
    serialNumber: VS-0001
  - name: Direct Scanner
    twainDirect: twaindirect
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r.Scanners, 2)

	s, ok := r.Lookup("Virtual Scanner | VS-0001 on host")
	require.True(t, ok)
	assert.Equal(t, TierNone, s.Tier)
	assert.Equal(t, "ffutop", s.Manufacturer)

	s, ok = r.Lookup("Direct Scanner")
	require.True(t, ok)
	assert.Equal(t, TierTwainDirect, s.Tier)

	_, ok = r.Lookup("Missing")
	assert.False(t, ok)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "register.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scanners":[{"name":"A","twainDirect":"pdfraster"}]}`), 0o644))
	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TierPdfRaster, r.Scanners[0].Tier)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	r, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, r.Scanners)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scanners:\n  - name: A\n    twainDirect: maybe\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	noname := filepath.Join(dir, "noname.yaml")
	require.NoError(t, os.WriteFile(noname, []byte("scanners:\n  - manufacturer: x\n"), 0o644))
	_, err = Load(noname)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "register.yaml")
	in := &Registry{Scanners: []Scanner{{Name: "A", Tier: TierPdfRaster, SerialNumber: "1"}}}
	require.NoError(t, in.Save(path))
	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, "0,0,0,USA,USA, ,0,0,0xFFFFFFFF, , ,Virtual Scanner", Identity("0", "Virtual Scanner"))
	assert.Equal(t, "Virtual Scanner", ProductName("Virtual Scanner | extra"))
}
