// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package virtual

import (
	"sort"

	"github.com/ffutop/twain-bridge/twain"
)

// capEntry is one negotiable capability.
type capEntry struct {
	typ     twain.TWTY
	values  []int // allowed values, nil when any value goes
	current int
	def     int
	// readOnly entries are computed by get and cannot be set.
	readOnly bool
	array    bool
	get      func() []int
}

// capTable is the capability model of the scanner.
type capTable struct {
	entries map[twain.CAP]*capEntry
}

func newCapTable(s *Settings, feederLoaded func() bool) *capTable {
	bools := []int{0, 1}
	mechs := []int{int(twain.TWSXNative), int(twain.TWSXMemory)}
	formats := []int{twain.TWFFTiff, twain.TWFFBmp}
	dats := []int{
		int(twain.DATCapability), int(twain.DATIdentity), int(twain.DATPendingXfers),
		int(twain.DATSetupMemXfer), int(twain.DATStatus), int(twain.DATUserInterface),
		int(twain.DATXferGroup), int(twain.DATCallback), int(twain.DATMetrics),
		int(twain.DATImageInfo), int(twain.DATImageLayout), int(twain.DATImageMemXfer),
		int(twain.DATExtImageInfo),
	}
	if s.Tier != "none" {
		mechs = append(mechs, int(twain.TWSXMemFile))
		formats = append(formats, twain.TWFFPdfRaster)
		dats = append(dats, int(twain.DATImageMemFileXfer))
	}
	if s.Tier == "twaindirect" {
		dats = append(dats, int(twain.DATTwainDirect))
	}
	feeder := []int{1}
	if s.Flatbed {
		feeder = bools
	}
	duplex := 0
	if s.Duplex {
		duplex = 1
	}

	t := &capTable{entries: map[twain.CAP]*capEntry{
		twain.CapXferCount:        {typ: twain.TWTYInt16, current: -1, def: -1},
		twain.ICapCompression:     {typ: twain.TWTYUint16, values: []int{twain.TWCPNone, twain.TWCPJPEG}},
		twain.ICapPixelType:       {typ: twain.TWTYUint16, values: []int{twain.TWPTBW, twain.TWPTGray, twain.TWPTRGB}, current: twain.TWPTGray, def: twain.TWPTGray},
		twain.ICapXferMech:        {typ: twain.TWTYUint16, values: mechs, current: int(twain.TWSXMemory), def: int(twain.TWSXMemory)},
		twain.CapFeederEnabled:    {typ: twain.TWTYBool, values: feeder, current: 1, def: 1},
		twain.CapIndicators:       {typ: twain.TWTYBool, values: bools, current: 1, def: 1},
		twain.CapDuplexEnabled:    {typ: twain.TWTYBool, values: bools, current: duplex, def: duplex},
		twain.ICapImageFileFormat: {typ: twain.TWTYUint16, values: formats, current: twain.TWFFBmp, def: twain.TWFFBmp},
		twain.ICapXResolution:     {typ: twain.TWTYFix32, values: []int{75, 100, 150, 200, 300, 600}, current: s.Resolution, def: s.Resolution},
		twain.ICapYResolution:     {typ: twain.TWTYFix32, values: []int{75, 100, 150, 200, 300, 600}, current: s.Resolution, def: s.Resolution},
		twain.ICapExtImageInfo:    {typ: twain.TWTYBool, values: bools},
		twain.CapSupportedDATs:    {typ: twain.TWTYUint32, readOnly: true, array: true, get: func() []int { return dats }},
		twain.CapFeederLoaded: {typ: twain.TWTYBool, readOnly: true, get: func() []int {
			if feederLoaded() {
				return []int{1}
			}
			return []int{0}
		}},
	}}
	t.entries[twain.ICapBitDepth] = &capEntry{typ: twain.TWTYUint16, readOnly: true, get: func() []int {
		return []int{bitDepth(t.value(twain.ICapPixelType))}
	}}
	t.entries[twain.CapSupportedCaps] = &capEntry{typ: twain.TWTYUint16, readOnly: true, array: true, get: func() []int {
		ids := make([]int, 0, len(t.entries))
		for id := range t.entries {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		return ids
	}}
	return t
}

func bitDepth(pixelType int) int {
	if pixelType == twain.TWPTBW {
		return 1
	}
	return 8
}

// value returns the current value, 0 for unknown capabilities.
func (t *capTable) value(id twain.CAP) int {
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	if e.get != nil {
		if v := e.get(); len(v) > 0 {
			return v[0]
		}
		return 0
	}
	return e.current
}

func (t *capTable) set(id twain.CAP, v int) twain.STS {
	e, ok := t.entries[id]
	if !ok {
		return twain.STSCapUnsupported
	}
	if e.readOnly {
		return twain.STSCapBadOperation
	}
	if e.values != nil && !contains(e.values, v) {
		return twain.STSBadValue
	}
	e.current = v
	return twain.STSSuccess
}

func (t *capTable) reset(id twain.CAP) twain.STS {
	e, ok := t.entries[id]
	if !ok {
		return twain.STSCapUnsupported
	}
	if e.readOnly {
		return twain.STSCapBadOperation
	}
	e.current = e.def
	return twain.STSSuccess
}

func (t *capTable) resetAll() {
	for _, e := range t.entries {
		if !e.readOnly {
			e.current = e.def
		}
	}
}

// Query support flags
const (
	qsGet        = 0x0001
	qsSet        = 0x0002
	qsGetDefault = 0x0004
	qsGetCurrent = 0x0008
	qsReset      = 0x0010
)

// describe fills c for a get style message.
func (t *capTable) describe(c *twain.Capability, msg twain.MSG) twain.STS {
	e, ok := t.entries[c.Cap]
	if !ok {
		return twain.STSCapUnsupported
	}
	c.Type = e.typ
	c.Items = nil
	c.CurrentIndex, c.DefaultIndex = 0, 0
	switch msg {
	case twain.MSGQuerySupport:
		flags := qsGet | qsGetCurrent | qsGetDefault
		if !e.readOnly {
			flags |= qsSet | qsReset
		}
		c.Con, c.Type, c.Items = twain.TWONOneValue, twain.TWTYInt32, []int{flags}
	case twain.MSGGetCurrent:
		c.Con, c.Items = twain.TWONOneValue, []int{t.value(c.Cap)}
	case twain.MSGGetDefault:
		v := e.def
		if e.readOnly {
			v = t.value(c.Cap)
		}
		c.Con, c.Items = twain.TWONOneValue, []int{v}
	case twain.MSGGet:
		switch {
		case e.array:
			c.Con, c.Items = twain.TWONArray, e.get()
		case e.values != nil:
			c.Con = twain.TWONEnumeration
			c.Items = append([]int(nil), e.values...)
			c.CurrentIndex = index(e.values, e.current)
			c.DefaultIndex = index(e.values, e.def)
		default:
			c.Con, c.Items = twain.TWONOneValue, []int{t.value(c.Cap)}
		}
	default:
		return twain.STSCapBadOperation
	}
	return twain.STSSuccess
}

func contains(values []int, v int) bool {
	return index(values, v) >= 0
}

func index(values []int, v int) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}
