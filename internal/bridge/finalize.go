// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"bytes"
	"context"
	"time"
	"unicode/utf8"

	"github.com/ffutop/twain-bridge/internal/imageblocks"
	"github.com/ffutop/twain-bridge/internal/pdfraster"
	"github.com/ffutop/twain-bridge/twain"
)

// finishImage turns the assembled image into the next numbered block.
func (b *Bridge) finishImage(ctx context.Context, s *Session) twain.STS {
	img := s.run.image
	if err := b.folder.Ensure(); err != nil {
		return b.fileError(err)
	}
	s.run.imageCount++
	n := s.run.imageCount

	var page, meta []byte
	if s.nativeMode() {
		var sts twain.STS
		if meta, sts = b.nativeMetadata(ctx); sts != twain.STSSuccess {
			return sts
		}
		page = img.data
	} else {
		var sts twain.STS
		if page, meta, sts = b.buildBlock(ctx, s, n); sts != twain.STSSuccess {
			return sts
		}
	}

	if err := b.folder.WriteBlock(n, page, meta); err != nil {
		return b.fileError(err)
	}
	b.metrics.ObserveImage(len(page), time.Since(img.started))
	b.logger.Info("Image block written", "session", s.ID, "block", n, "bytes", len(page))
	return twain.STSSuccess
}

func (b *Bridge) fileError(err error) twain.STS {
	b.logger.Error("Image block not written", "path", b.folder.Path, "error", err)
	b.writeSentinel(twain.STSFileWriteError)
	return twain.STSFileWriteError
}

// nativeMetadata fetches the metadata record a TWAIN Direct driver attaches
// to the image it just transferred.
func (b *Bridge) nativeMetadata(ctx context.Context) ([]byte, twain.STS) {
	e := &twain.ExtImageInfo{Info: []twain.ExtInfo{{InfoID: twain.TWEITwainDirectMetadata}}}
	if sts := b.dev.Call(ctx, twain.DGImage, twain.DATExtImageInfo, twain.MSGGet, e); sts != twain.STSSuccess {
		return nil, sts
	}
	info := &e.Info[0]
	if info.Memory == nil || twain.STS(info.ReturnCode) != twain.STSSuccess {
		b.logger.Error("Driver returned no image metadata", "rc", info.ReturnCode)
		return nil, twain.STSBadValue
	}
	if twain.CallerFrees(twain.DATExtImageInfo) {
		defer info.Memory.Free()
	}

	raw, err := info.Memory.Lock()
	if err != nil {
		// Pinning is best effort; the contents are still readable.
		b.logger.Debug("Metadata block not locked", "error", err)
		raw = info.Memory.Bytes()
	}
	meta := bytes.TrimRight(bytes.Clone(raw), "\x00")
	_ = info.Memory.Unlock()
	if !utf8.Valid(meta) {
		b.logger.Error("Image metadata is not UTF-8")
		return nil, twain.STSBadValue
	}
	return meta, twain.STSSuccess
}

// buildBlock produces the page and metadata of image n when the driver does
// not.
func (b *Bridge) buildBlock(ctx context.Context, s *Session, n int) (page, meta []byte, sts twain.STS) {
	img := s.run.image
	ii := &twain.ImageInfo{}
	if sts := b.dev.Call(ctx, twain.DGImage, twain.DATImageInfo, twain.MSGGet, ii); sts != twain.STSSuccess {
		return nil, nil, sts
	}
	pf, err := pdfraster.PixelFormatFromTWPT(ii.PixelType)
	if err != nil {
		b.logger.Error("Image not representable", "error", err)
		return nil, nil, twain.STSBadValue
	}
	pc, err := pdfraster.CompressionFromTWCP(ii.Compression)
	if err != nil {
		b.logger.Error("Image not representable", "error", err)
		return nil, nil, twain.STSBadValue
	}

	source, sheet := b.pageSource(ctx, s)
	names := s.names.Find(source, pf.String())
	m := imageblocks.Metadata{Metadata: imageblocks.MetadataBody{
		Address: imageblocks.Address{
			ImageNumber:     n,
			SheetNumber:     sheet,
			Source:          source,
			StreamName:      names.Stream,
			SourceName:      names.Source,
			PixelFormatName: names.PixelFormat,
		},
		Image: imageblocks.ImageAttrs{
			Compression: pc.String(),
			PixelFormat: pf.String(),
			PixelHeight: ii.ImageLength,
			PixelWidth:  ii.ImageWidth,
			Resolution:  ii.XResolution,
		},
		Status: imageblocks.Result{Success: true},
	}}
	if meta, err = m.Marshal(); err != nil {
		b.logger.Error("Metadata not built", "error", err)
		return nil, nil, twain.STSBadValue
	}

	if s.mech == twain.TWSXMemFile {
		// The driver already produced the PDF/raster page.
		return img.data, meta, twain.STSSuccess
	}
	page, err = pdfraster.Encode(&pdfraster.Page{
		Width:       ii.ImageWidth,
		Height:      ii.ImageLength,
		Resolution:  ii.XResolution,
		Format:      pf,
		Compression: pc,
		BytesPerRow: img.bytesPerRow,
		Data:        img.data,
		Metadata:    meta,
	}, b.opts.Signer)
	if err != nil {
		b.logger.Error("Page not encoded", "block", n, "error", err)
		return nil, nil, twain.STSBadValue
	}
	return page, meta, twain.STSSuccess
}

// pageSource names where the image came from and the sheet it belongs to.
// The side is taken from TWEI_PAGESIDE when the driver reports it and is
// otherwise guessed: odd images of a duplex run are fronts.
func (b *Bridge) pageSource(ctx context.Context, s *Session) (string, int) {
	r := &s.run
	if s.flatbed {
		r.sheetCount++
		return "flatbed", r.sheetCount
	}
	front := true
	if side, ok := b.pageSide(ctx, s); ok {
		front = side == twain.TWCSTop
	} else if s.duplex {
		front = r.imageCount&1 == 1
	}
	if front {
		r.sheetCount++
		return "feederFront", r.sheetCount
	}
	return "feederRear", max(r.sheetCount, 1)
}

func (b *Bridge) pageSide(ctx context.Context, s *Session) (int, bool) {
	if !s.extImageInfo {
		return 0, false
	}
	e := &twain.ExtImageInfo{Info: []twain.ExtInfo{{InfoID: twain.TWEIPageSide}}}
	if sts := b.dev.Call(ctx, twain.DGImage, twain.DATExtImageInfo, twain.MSGGet, e); sts != twain.STSSuccess {
		return 0, false
	}
	if twain.STS(e.Info[0].ReturnCode) != twain.STSSuccess {
		return 0, false
	}
	return int(e.Info[0].Item), true
}
