// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"method":"getSession"}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"method":"exit"}`)))
	assert.Equal(t, []byte{0, 0, 0, 23}, buf.Bytes()[:4])

	msg, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"getSession"}`, string(msg))
	msg, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"exit"}`, string(msg))
	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"ZeroLength", []byte{0, 0, 0, 0}, io.EOF},
		{"ShortHeader", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"ShortPayload", []byte{0, 0, 0, 5, 'a', 'b'}, io.ErrUnexpectedEOF},
		{"TooLarge", binary.BigEndian.AppendUint32(nil, MaxFrameSize+1), ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteFrame(&buf, nil))
	assert.Zero(t, buf.Len())
}
