// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeMemory(t *testing.T) {
	m, err := AllocBytes([]byte("{\"metadata\":{}}\x00\x00"))
	require.NoError(t, err)

	b, err := m.Lock()
	require.NoError(t, err)
	assert.Equal(t, byte('{'), b[0])
	require.NoError(t, m.Unlock())

	require.NoError(t, m.Free())
	require.NoError(t, m.Free())
	_, err = m.Lock()
	assert.ErrorIs(t, err, ErrFreed)

	_, err = Alloc(0)
	assert.Error(t, err)
}

func TestHandleTable(t *testing.T) {
	table := NewHandleTable()
	m, err := Alloc(16)
	require.NoError(t, err)

	id := table.Handle(m)
	assert.NotZero(t, id)
	assert.Equal(t, id, table.Handle(m))
	assert.Zero(t, table.Handle(nil))

	got, ok := table.Lookup(id)
	require.True(t, ok)
	assert.Same(t, m, got)

	require.NoError(t, table.Forget(id))
	_, ok = table.Lookup(id)
	assert.False(t, ok)
	assert.Error(t, table.Forget(id))
}

func BenchmarkEncodeImageMemXfer(b *testing.B) {
	table := NewHandleTable()
	buf, err := Alloc(65536)
	if err != nil {
		b.Fatalf("alloc: %v", err)
	}
	defer buf.Free()
	x := NewImageMemXfer(DATImageMemXfer, buf)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Encode(x, table); err != nil {
			b.Fatal(err)
		}
	}
}

func TestCallerFrees(t *testing.T) {
	for _, dat := range []DAT{DATImageMemXfer, DATImageMemFileXfer, DATExtImageInfo, DATTwainDirect, DATImageNativeXfer} {
		assert.True(t, CallerFrees(dat), dat.String())
	}
	for _, dat := range []DAT{DATCapability, DATIdentity, DATPendingXfers, DATImageInfo} {
		assert.False(t, CallerFrees(dat), dat.String())
	}
}
