// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package imageblocks

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata is the record stored next to every page, and embedded in it.
type Metadata struct {
	Metadata MetadataBody `json:"metadata"`
}

type MetadataBody struct {
	Address Address    `json:"address"`
	Image   ImageAttrs `json:"image"`
	Status  Result     `json:"status"`
}

// Address locates an image within the task that produced it.
type Address struct {
	ImageNumber     int    `json:"imageNumber"`
	ImagePart       int    `json:"imagePart"`
	MoreParts       bool   `json:"moreParts"`
	SheetNumber     int    `json:"sheetNumber"`
	Source          string `json:"source"`
	StreamName      string `json:"streamName"`
	SourceName      string `json:"sourceName"`
	PixelFormatName string `json:"pixelFormatName"`
}

type ImageAttrs struct {
	Compression  string `json:"compression"`
	PixelFormat  string `json:"pixelFormat"`
	PixelHeight  int    `json:"pixelHeight"`
	PixelOffsetX int    `json:"pixelOffsetX"`
	PixelOffsetY int    `json:"pixelOffsetY"`
	PixelWidth   int    `json:"pixelWidth"`
	Resolution   int    `json:"resolution"`
}

type Result struct {
	Success bool `json:"success"`
}

// Marshal renders the record. Images are never split, so the address is
// always part 1 of 1.
func (m *Metadata) Marshal() ([]byte, error) {
	m.Metadata.Address.ImagePart = 1
	m.Metadata.Address.MoreParts = false
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// WriteBlock stores image n: the page first, then the metadata. A block is
// complete once its metadata file exists. On failure nothing of block n is
// left behind, so the folder never shows a partial block that will not
// complete.
func (f *Folder) WriteBlock(n int, page, meta []byte) error {
	if err := os.WriteFile(f.PagePath(n), page, 0o644); err != nil {
		f.discard(n)
		return fmt.Errorf("write page %d: %w", n, err)
	}
	if err := os.WriteFile(f.MetaPath(n), meta, 0o644); err != nil {
		f.discard(n)
		return fmt.Errorf("write metadata %d: %w", n, err)
	}
	return nil
}

// discard removes the regular files of block n.
func (f *Folder) discard(n int) {
	for _, path := range []string{f.PagePath(n), f.MetaPath(n)} {
		if fi, err := os.Lstat(path); err == nil && fi.Mode().IsRegular() {
			_ = os.Remove(path)
		}
	}
}
