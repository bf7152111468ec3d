// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package virtual

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/twain-bridge/twain"
)

// raster is an uncompressed image with tightly packed rows. For bw pixels a
// zero bit is black.
type raster struct {
	width     int
	height    int
	pixelType int
	pixels    []byte
}

func (r *raster) bitsPerPixel() int {
	switch r.pixelType {
	case twain.TWPTBW:
		return 1
	case twain.TWPTRGB:
		return 24
	}
	return 8
}

func (r *raster) rowBytes() int {
	return (r.width*r.bitsPerPixel() + 7) / 8
}

// synthetic draws a page: a diagonal gradient with a dark band whose
// position depends on the image number, so consecutive pages differ.
func synthetic(width, height, pixelType, number int) *raster {
	r := &raster{width: width, height: height, pixelType: pixelType}
	r.pixels = make([]byte, r.rowBytes()*height)
	band := (number * height / 7) % max(height, 1)
	bandEnd := band + max(height/20, 1)
	stride := r.rowBytes()
	for y := 0; y < height; y++ {
		inBand := y >= band && y < bandEnd
		row := r.pixels[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			v := byte(255 - (x+y)*128/max(width+height, 1))
			if inBand {
				v = 16
			}
			switch pixelType {
			case twain.TWPTBW:
				if v >= 128 {
					row[x/8] |= 0x80 >> (x % 8)
				}
			case twain.TWPTRGB:
				row[x*3] = v
				row[x*3+1] = byte(x * 255 / max(width, 1))
				row[x*3+2] = byte(y * 255 / max(height, 1))
			default:
				row[x] = v
			}
		}
	}
	return r
}

// pageFile is a PNM image mapped into memory.
type pageFile struct {
	path   string
	file   *os.File
	data   mmap.MMap
	raster raster
}

// pageFiles serves mapped page files round robin.
type pageFiles struct {
	files []*pageFile
	next  int
}

func openPageFiles(paths []string) (*pageFiles, error) {
	pf := &pageFiles{}
	for _, p := range paths {
		f, err := openPageFile(p)
		if err != nil {
			pf.Close()
			return nil, err
		}
		pf.files = append(pf.files, f)
	}
	return pf, nil
}

func openPageFile(path string) (*pageFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page file: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap page file %s: %w", path, err)
	}
	r, err := parsePNM(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("page file %s: %w", path, err)
	}
	return &pageFile{path: path, file: f, data: data, raster: *r}, nil
}

// take returns a private copy of the next page.
func (pf *pageFiles) take() *raster {
	if pf == nil || len(pf.files) == 0 {
		return nil
	}
	f := pf.files[pf.next%len(pf.files)]
	pf.next++
	r := f.raster
	r.pixels = append([]byte(nil), f.raster.pixels...)
	return &r
}

func (pf *pageFiles) Close() error {
	if pf == nil {
		return nil
	}
	var err error
	for _, f := range pf.files {
		if e := f.data.Unmap(); e != nil {
			err = e
		}
		if e := f.file.Close(); e != nil {
			err = e
		}
	}
	pf.files = nil
	return err
}

// parsePNM reads a binary P4, P5 or P6 image. The pixel slice aliases data.
// P4 stores 1 for black, so bw pixels are inverted in place on a copy.
func parsePNM(data []byte) (*raster, error) {
	if len(data) < 2 || data[0] != 'P' {
		return nil, fmt.Errorf("not a PNM file")
	}
	r := &raster{}
	fieldsWanted := 3
	switch data[1] {
	case '4':
		r.pixelType, fieldsWanted = twain.TWPTBW, 2
	case '5':
		r.pixelType = twain.TWPTGray
	case '6':
		r.pixelType = twain.TWPTRGB
	default:
		return nil, fmt.Errorf("unsupported PNM type P%c", data[1])
	}
	pos := 2
	var header []int
	for len(header) < fieldsWanted {
		// Skip whitespace and comments.
		for pos < len(data) && (isSpace(data[pos]) || data[pos] == '#') {
			if data[pos] == '#' {
				nl := bytes.IndexByte(data[pos:], '\n')
				if nl < 0 {
					return nil, fmt.Errorf("truncated header")
				}
				pos += nl
			}
			pos++
		}
		start := pos
		for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
			pos++
		}
		if start == pos {
			return nil, fmt.Errorf("bad header at byte %d", pos)
		}
		n, err := strconv.Atoi(string(data[start:pos]))
		if err != nil {
			return nil, err
		}
		header = append(header, n)
	}
	if pos >= len(data) || !isSpace(data[pos]) {
		return nil, fmt.Errorf("bad header terminator")
	}
	pos++
	r.width, r.height = header[0], header[1]
	if r.width <= 0 || r.height <= 0 {
		return nil, fmt.Errorf("bad geometry %dx%d", r.width, r.height)
	}
	if fieldsWanted == 3 && header[2] != 255 {
		return nil, fmt.Errorf("unsupported maxval %d", header[2])
	}
	size := r.rowBytes() * r.height
	if len(data)-pos < size {
		return nil, fmt.Errorf("pixel data truncated: %d of %d bytes", len(data)-pos, size)
	}
	r.pixels = data[pos : pos+size]
	if r.pixelType == twain.TWPTBW {
		inverted := make([]byte, size)
		for i, b := range r.pixels {
			inverted[i] = ^b
		}
		r.pixels = inverted
	}
	return r, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
