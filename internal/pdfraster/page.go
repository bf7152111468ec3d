// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package pdfraster writes single page PDF/raster documents.
package pdfraster

import (
	"fmt"

	"github.com/ffutop/twain-bridge/twain"
)

// PixelFormat of the raster, named as in scan metadata.
type PixelFormat int

const (
	BW1 PixelFormat = iota
	Gray8
	RGB24
)

func (f PixelFormat) String() string {
	switch f {
	case BW1:
		return "bw1"
	case Gray8:
		return "gray8"
	case RGB24:
		return "rgb24"
	}
	return fmt.Sprintf("pixelFormat%d", int(f))
}

// BitsPerPixel of a tightly packed row.
func (f PixelFormat) BitsPerPixel() int {
	switch f {
	case BW1:
		return 1
	case RGB24:
		return 24
	}
	return 8
}

// PixelFormatFromTWPT maps a TWAIN pixel type.
func PixelFormatFromTWPT(pt int) (PixelFormat, error) {
	switch pt {
	case twain.TWPTBW:
		return BW1, nil
	case twain.TWPTGray:
		return Gray8, nil
	case twain.TWPTRGB:
		return RGB24, nil
	}
	return 0, fmt.Errorf("unsupported pixel type %d", pt)
}

// Compression of the image stream.
type Compression int

const (
	None Compression = iota
	Group4
	JPEG
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Group4:
		return "group4"
	case JPEG:
		return "jpeg"
	}
	return fmt.Sprintf("compression%d", int(c))
}

// CompressionFromTWCP maps a TWAIN compression.
func CompressionFromTWCP(cp int) (Compression, error) {
	switch cp {
	case twain.TWCPNone:
		return None, nil
	case twain.TWCPGroup4:
		return Group4, nil
	case twain.TWCPJPEG:
		return JPEG, nil
	}
	return 0, fmt.Errorf("unsupported compression %d", cp)
}

// Page is one raster plus the metadata carried in the document.
type Page struct {
	Width       int
	Height      int
	Resolution  int
	Format      PixelFormat
	Compression Compression
	// BytesPerRow is the stride of uncompressed Data. Zero means rows are
	// already packed tightly.
	BytesPerRow int
	Data        []byte
	Metadata    []byte
}

// TightRowBytes is the packed size of one row.
func TightRowBytes(width int, f PixelFormat) int {
	return (width*f.BitsPerPixel() + 7) / 8
}

// Repack drops the per row padding of a strided raster.
func Repack(data []byte, stride, tight, rows int) ([]byte, error) {
	if stride == tight || stride == 0 {
		if len(data) < tight*rows {
			return nil, fmt.Errorf("raster too short: %d bytes for %d rows of %d", len(data), rows, tight)
		}
		return data[:tight*rows], nil
	}
	if stride < tight {
		return nil, fmt.Errorf("stride %d smaller than row %d", stride, tight)
	}
	if len(data) < stride*(rows-1)+tight {
		return nil, fmt.Errorf("raster too short: %d bytes for %d rows of stride %d", len(data), rows, stride)
	}
	out := make([]byte, tight*rows)
	for r := 0; r < rows; r++ {
		copy(out[r*tight:(r+1)*tight], data[r*stride:r*stride+tight])
	}
	return out, nil
}
