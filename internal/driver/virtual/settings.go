// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package virtual is an in-process scanner driver. It walks the same state
// machine a hardware data source does and serves synthetic pages or raw
// page files, which makes the bridge testable without a device.
package virtual

import "time"

// Settings describe the simulated device.
type Settings struct {
	ProductName  string `mapstructure:"product_name"`
	Manufacturer string `mapstructure:"manufacturer"`
	// Tier is none, pdfraster or twaindirect.
	Tier string `mapstructure:"tier"`

	// Sheets loaded in the feeder when the driver is opened.
	Sheets  int  `mapstructure:"sheets"`
	Duplex  bool `mapstructure:"duplex"`
	Flatbed bool `mapstructure:"flatbed"`
	// Page size in hundredths of an inch.
	PageWidth  int `mapstructure:"page_width"`
	PageHeight int `mapstructure:"page_height"`
	Resolution int `mapstructure:"resolution"`
	// PageFiles are binary PNM images (P4, P5, P6) served in turn instead of
	// synthetic pages.
	PageFiles []string `mapstructure:"page_files"`

	BufferSize int  `mapstructure:"buffer_size"`
	PageSide   bool `mapstructure:"page_side"`

	// Fault injection. EnableStatus is "", "busy" or "noMedia"; JamAfter
	// jams the feeder once that many sheets went through.
	EnableStatus string        `mapstructure:"enable_status"`
	JamAfter     int           `mapstructure:"jam_after"`
	EventDelay   time.Duration `mapstructure:"event_delay"`
}

// DefaultSettings is a letter size simplex feeder with ten sheets.
func DefaultSettings() Settings {
	return Settings{
		ProductName:  "TWAIN2 Software Scanner",
		Manufacturer: "ffutop",
		Tier:         "none",
		Sheets:       10,
		PageWidth:    850,
		PageHeight:   1100,
		Resolution:   100,
		BufferSize:   64 * 1024,
		PageSide:     true,
	}
}

func (s *Settings) fill() {
	d := DefaultSettings()
	if s.ProductName == "" {
		s.ProductName = d.ProductName
	}
	if s.Manufacturer == "" {
		s.Manufacturer = d.Manufacturer
	}
	if s.Tier == "" {
		s.Tier = d.Tier
	}
	if s.PageWidth <= 0 {
		s.PageWidth = d.PageWidth
	}
	if s.PageHeight <= 0 {
		s.PageHeight = d.PageHeight
	}
	if s.Resolution <= 0 {
		s.Resolution = d.Resolution
	}
	if s.BufferSize <= 0 {
		s.BufferSize = d.BufferSize
	}
}
