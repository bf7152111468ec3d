// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package imageblocks manages the on-disk image block folder: numbered page
// and metadata pairs plus the end of job sentinel.
package imageblocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	PageExt      = ".pdf"
	MetaExt      = ".meta"
	SentinelName = "imageBlocksDrained.meta"
)

var blockName = regexp.MustCompile(`^img(\d{6})\.(pdf|meta)$`)

// Folder is the output directory of one bridge process.
type Folder struct {
	Path string
}

func New(path string) *Folder { return &Folder{Path: path} }

func (f *Folder) name(n int, ext string) string {
	return filepath.Join(f.Path, fmt.Sprintf("img%06d%s", n, ext))
}

// PagePath is the page artifact path of image n.
func (f *Folder) PagePath(n int) string { return f.name(n, PageExt) }

// MetaPath is the metadata sidecar path of image n.
func (f *Folder) MetaPath(n int) string { return f.name(n, MetaExt) }

func (f *Folder) SentinelPath() string { return filepath.Join(f.Path, SentinelName) }

// Ensure creates the folder if needed.
func (f *Folder) Ensure() error {
	if err := os.MkdirAll(f.Path, 0o755); err != nil {
		return fmt.Errorf("create image folder: %w", err)
	}
	return nil
}

// Prepare creates the folder and removes blocks and the sentinel left by an
// earlier session.
func (f *Folder) Prepare() error {
	if err := f.Ensure(); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.Path)
	if err != nil {
		return fmt.Errorf("read image folder: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || (!blockName.MatchString(e.Name()) && e.Name() != SentinelName) {
			continue
		}
		if err := os.Remove(filepath.Join(f.Path, e.Name())); err != nil {
			return fmt.Errorf("clean image folder: %w", err)
		}
	}
	return nil
}

// Inventory is what a scan of the folder found.
type Inventory struct {
	// Blocks have both the page and the metadata file, in ascending order.
	Blocks []int
	// Partial is set when a page exists without its metadata, meaning an
	// image is still being written.
	Partial bool
}

// Scan lists completed blocks. A missing folder is an empty inventory.
func (f *Folder) Scan() (Inventory, error) {
	var inv Inventory
	entries, err := os.ReadDir(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return inv, nil
	}
	if err != nil {
		return inv, fmt.Errorf("scan image folder: %w", err)
	}
	pages := map[int]bool{}
	metas := map[int]bool{}
	for _, e := range entries {
		m := blockName.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if m[2] == "pdf" {
			pages[n] = true
		} else {
			metas[n] = true
		}
	}
	for n := range pages {
		if metas[n] {
			inv.Blocks = append(inv.Blocks, n)
		} else {
			inv.Partial = true
		}
	}
	sort.Ints(inv.Blocks)
	return inv, nil
}

type sentinel struct {
	Detected string `json:"detected"`
}

// WriteSentinel records the terminal status of the run. Only the first write
// of a run lands; later ones report written=false.
func (f *Folder) WriteSentinel(status string) (written bool, err error) {
	if err := f.Ensure(); err != nil {
		return false, err
	}
	data, err := json.Marshal(sentinel{Detected: status})
	if err != nil {
		return false, err
	}
	file, err := os.OpenFile(f.SentinelPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write sentinel: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return false, fmt.Errorf("write sentinel: %w", err)
	}
	if err := file.Close(); err != nil {
		return false, fmt.Errorf("write sentinel: %w", err)
	}
	return true, nil
}

// ReadSentinel returns the recorded status, if any.
func (f *Folder) ReadSentinel() (string, bool, error) {
	data, err := os.ReadFile(f.SentinelPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read sentinel: %w", err)
	}
	var s sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return "", true, fmt.Errorf("parse sentinel: %w", err)
	}
	return s.Detected, true, nil
}

func (f *Folder) ClearSentinel() error {
	err := os.Remove(f.SentinelPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear sentinel: %w", err)
	}
	return nil
}

// Release deletes blocks first..last inclusive. Numbers with nothing on disk
// are skipped. It returns the blocks that were removed.
func (f *Folder) Release(first, last int) ([]int, error) {
	if first < 1 || last < first {
		return nil, fmt.Errorf("invalid range %d..%d", first, last)
	}
	inv, err := f.Scan()
	if err != nil {
		return nil, err
	}
	var released []int
	for _, n := range inv.Blocks {
		if n < first || n > last {
			continue
		}
		// Metadata first so a half released block never looks complete.
		for _, p := range []string{f.MetaPath(n), f.PagePath(n)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return released, fmt.Errorf("release block %d: %w", n, err)
			}
		}
		released = append(released, n)
	}
	return released, nil
}
