// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package virtual

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/ffutop/twain-bridge/internal/imageblocks"
	"github.com/ffutop/twain-bridge/internal/pdfraster"
	"github.com/ffutop/twain-bridge/internal/task"
	"github.com/ffutop/twain-bridge/twain"
)

// xferImage is one image queued for transfer.
type xferImage struct {
	number int
	sheet  int
	side   int // TWCS
	raster *raster

	// Filled by render once the mechanism is known.
	data        []byte
	bytesPerRow int
	compression int
	metadata    []byte
	offset      int
	rowsSent    int
}

func (img *xferImage) info(resolution int) twain.ImageInfo {
	r := img.raster
	ii := twain.ImageInfo{
		XResolution:  resolution,
		YResolution:  resolution,
		ImageWidth:   r.width,
		ImageLength:  r.height,
		BitsPerPixel: r.bitsPerPixel(),
		PixelType:    r.pixelType,
		Compression:  img.compression,
	}
	switch r.pixelType {
	case twain.TWPTBW:
		ii.SamplesPerPixel, ii.BitsPerSample[0] = 1, 1
	case twain.TWPTRGB:
		ii.SamplesPerPixel = 3
		ii.BitsPerSample[0], ii.BitsPerSample[1], ii.BitsPerSample[2] = 8, 8, 8
	default:
		ii.SamplesPerPixel, ii.BitsPerSample[0] = 1, 8
	}
	return ii
}

// sourceName is the TWAIN Direct source the image came from.
func (img *xferImage) sourceName(flatbed bool) string {
	switch {
	case flatbed:
		return "flatbed"
	case img.side == twain.TWCSBottom:
		return "feederRear"
	}
	return "feederFront"
}

// render prepares the bytes to transfer. Memory transfers carry rows padded
// to four bytes, or a JPEG stream; memfile transfers carry a whole PDF/raster.
func (img *xferImage) render(mech twain.TWSX, compression, resolution int, names *task.Lookup, flatbed, withMetadata bool) error {
	if img.data != nil {
		return nil
	}
	r := img.raster
	if compression == twain.TWCPJPEG && r.pixelType == twain.TWPTBW {
		compression = twain.TWCPNone
	}
	img.compression = compression

	var payload []byte
	switch compression {
	case twain.TWCPJPEG:
		var err error
		if payload, err = encodeJPEG(r); err != nil {
			return err
		}
	default:
		payload = r.pixels
	}

	if mech == twain.TWSXMemFile {
		pf, err := pdfraster.PixelFormatFromTWPT(r.pixelType)
		if err != nil {
			return err
		}
		pc, err := pdfraster.CompressionFromTWCP(compression)
		if err != nil {
			return err
		}
		page := &pdfraster.Page{
			Width: r.width, Height: r.height, Resolution: resolution,
			Format: pf, Compression: pc, Data: payload,
		}
		if withMetadata {
			if img.metadata, err = img.metadataJSON(resolution, pf, pc, names, flatbed); err != nil {
				return err
			}
			page.Metadata = img.metadata
		}
		img.data, err = pdfraster.Encode(page, nil)
		return err
	}

	if compression != twain.TWCPNone {
		img.data = payload
		return nil
	}
	tight := r.rowBytes()
	img.bytesPerRow = (tight + 3) &^ 3
	img.data = make([]byte, img.bytesPerRow*r.height)
	for y := 0; y < r.height; y++ {
		copy(img.data[y*img.bytesPerRow:], r.pixels[y*tight:(y+1)*tight])
	}
	return nil
}

func encodeJPEG(r *raster) ([]byte, error) {
	var src image.Image
	rect := image.Rect(0, 0, r.width, r.height)
	if r.pixelType == twain.TWPTRGB {
		rgba := image.NewRGBA(rect)
		for i := 0; i < r.width*r.height; i++ {
			rgba.Pix[i*4] = r.pixels[i*3]
			rgba.Pix[i*4+1] = r.pixels[i*3+1]
			rgba.Pix[i*4+2] = r.pixels[i*3+2]
			rgba.Pix[i*4+3] = 0xff
		}
		src = rgba
	} else {
		gray := image.NewGray(rect)
		copy(gray.Pix, r.pixels)
		src = gray
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// metadataJSON is the record a TWAIN Direct driver reports for an image.
func (img *xferImage) metadataJSON(resolution int, pf pdfraster.PixelFormat, pc pdfraster.Compression, names *task.Lookup, flatbed bool) ([]byte, error) {
	source := img.sourceName(flatbed)
	n := names.Find(source, pf.String())
	m := imageblocks.Metadata{Metadata: imageblocks.MetadataBody{
		Address: imageblocks.Address{
			ImageNumber:     img.number,
			SheetNumber:     img.sheet,
			Source:          source,
			StreamName:      n.Stream,
			SourceName:      n.Source,
			PixelFormatName: n.PixelFormat,
		},
		Image: imageblocks.ImageAttrs{
			Compression: pc.String(),
			PixelFormat: pf.String(),
			PixelHeight: img.raster.height,
			PixelWidth:  img.raster.width,
			Resolution:  resolution,
		},
		Status: imageblocks.Result{Success: true},
	}}
	return m.Marshal()
}
