// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// categoryKind says how a DAT is handled by the text codec.
type categoryKind int

const (
	// CSV form supported
	kindText categoryKind = iota
	// only reachable through typed calls
	kindTypedOnly
	// always rejected
	kindUnsupported
)

var categories = map[DAT]categoryKind{
	DATNull:             kindText,
	DATParent:           kindText,
	DATCapability:       kindText,
	DATIdentity:         kindText,
	DATPendingXfers:     kindText,
	DATSetupMemXfer:     kindText,
	DATSetupFileXfer:    kindText,
	DATStatus:           kindText,
	DATUserInterface:    kindText,
	DATXferGroup:        kindText,
	DATMetrics:          kindText,
	DATTwainDirect:      kindText,
	DATImageInfo:        kindText,
	DATImageLayout:      kindText,
	DATImageMemXfer:     kindText,
	DATImageMemFileXfer: kindText,
	DATImageNativeXfer:  kindText,
	DATImageFileXfer:    kindText,
	DATExtImageInfo:     kindText,
	DATCallback:         kindTypedOnly,
	DATEvent:            kindTypedOnly,
	DATEntryPoint:       kindTypedOnly,
	DATCustomDSData:     kindUnsupported,
	DATDeviceEvent:      kindUnsupported,
	DATFileSystem:       kindUnsupported,
	DATPassThru:         kindUnsupported,
	DATStatusUTF8:       kindUnsupported,
	DATCallback2:        kindUnsupported,
	DATCieColor:         kindUnsupported,
	DATGrayResponse:     kindUnsupported,
	DATRGBResponse:      kindUnsupported,
	DATJpegCompression:  kindUnsupported,
	DATPalette8:         kindUnsupported,
	DATFilter:           kindUnsupported,
	DATAudioFileXfer:    kindUnsupported,
	DATAudioInfo:        kindUnsupported,
	DATAudioNativeXfer:  kindUnsupported,
	DATIccProfile:       kindUnsupported,
}

// Supported reports whether the bridge marshals dat at all.
func Supported(dat DAT) bool {
	k, ok := categories[dat]
	return ok && k != kindUnsupported
}

// TextSupported reports whether dat has a CSV form.
func TextSupported(dat DAT) bool {
	return categories[dat] == kindText && hasCategory(dat)
}

func hasCategory(dat DAT) bool {
	_, ok := categories[dat]
	return ok
}

// fields walks a CSV record. The first error sticks.
type fields struct {
	f   []string
	i   int
	err error
}

func split(text string) *fields {
	if text == "" {
		return &fields{}
	}
	return &fields{f: strings.Split(text, ",")}
}

func (p *fields) more() bool { return p.i < len(p.f) }

func (p *fields) str() string {
	if p.err != nil {
		return ""
	}
	if p.i >= len(p.f) {
		p.err = fmt.Errorf("record too short: want field %d", p.i+1)
		return ""
	}
	s := p.f[p.i]
	p.i++
	return s
}

// count reads an item count. Each item takes at least width fields, so a
// count the rest of the record cannot hold is rejected before allocating.
func (p *fields) count(width int) int {
	n := p.integer()
	if p.err != nil {
		return 0
	}
	if n < 0 || n > (len(p.f)-p.i)/width {
		p.err = fmt.Errorf("field %d: count %d exceeds the record", p.i, n)
		return 0
	}
	return n
}

func (p *fields) integer() int {
	s := strings.TrimSpace(p.str())
	if p.err != nil {
		return 0
	}
	switch strings.ToUpper(s) {
	case "TRUE":
		return 1
	case "FALSE":
		return 0
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		// FIX32 values arrive as decimals; only the whole part is kept.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			p.err = fmt.Errorf("field %d: %q is not a number", p.i, s)
			return 0
		}
		return int(math.Trunc(f))
	}
	return int(v)
}

func (p *fields) unsigned() uint64 {
	s := strings.TrimSpace(p.str())
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		if n, ierr := strconv.ParseInt(s, 0, 64); ierr == nil {
			return uint64(n)
		}
		p.err = fmt.Errorf("field %d: %q is not a number", p.i, s)
		return 0
	}
	return v
}

func (p *fields) u16() uint16   { return uint16(p.unsigned()) }
func (p *fields) u32() uint32   { return uint32(p.unsigned()) }
func (p *fields) boolean() bool { return p.integer() != 0 }

func (p *fields) handle(t *HandleTable) *NativeMemory {
	id := p.unsigned()
	if p.err != nil {
		return nil
	}
	if t == nil {
		if id != 0 {
			p.err = fmt.Errorf("handle %d without a handle table", id)
		}
		return nil
	}
	m, ok := t.Lookup(id)
	if !ok {
		p.err = fmt.Errorf("unknown handle %d", id)
	}
	return m
}

func boolText(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Decode parses the CSV form of a dat record. Unsupported and typed-only
// categories fail with STSBadProtocol, malformed text with STSBadValue.
func Decode(dat DAT, text string, t *HandleTable) (Record, STS, error) {
	if !hasCategory(dat) || categories[dat] != kindText {
		return nil, STSBadProtocol, fmt.Errorf("category %s has no text form", dat)
	}
	p := split(text)
	var rec Record
	switch dat {
	case DATNull, DATParent, DATImageFileXfer:
		rec = NewNull(dat)
	case DATCapability:
		rec = decodeCapability(p)
	case DATIdentity:
		rec = &Identity{
			ID:              p.u32(),
			VersionMajor:    p.u16(),
			VersionMinor:    p.u16(),
			Language:        p.str(),
			Country:         p.str(),
			Info:            p.str(),
			ProtocolMajor:   p.u16(),
			ProtocolMinor:   p.u16(),
			SupportedGroups: p.u32(),
			Manufacturer:    p.str(),
			ProductFamily:   p.str(),
			ProductName:     p.str(),
		}
	case DATUserInterface:
		rec = &UserInterface{ShowUI: p.boolean(), ModalUI: p.boolean()}
	case DATPendingXfers:
		rec = &PendingXfers{Count: p.integer(), EOJ: p.u32()}
	case DATSetupMemXfer:
		rec = &SetupMemXfer{MinBufSize: p.u32(), MaxBufSize: p.u32(), Preferred: p.u32()}
	case DATImageMemXfer, DATImageMemFileXfer:
		x := &ImageMemXfer{dat: dat}
		x.Compression = p.u16()
		x.BytesPerRow = p.u32()
		x.Columns = p.u32()
		x.Rows = p.u32()
		x.XOffset = p.u32()
		x.YOffset = p.u32()
		x.BytesWritten = p.u32()
		x.Flags = p.u32()
		x.Length = p.u32()
		x.Memory = p.handle(t)
		rec = x
	case DATImageNativeXfer:
		rec = &ImageNativeXfer{Memory: p.handle(t)}
	case DATImageInfo:
		ii := &ImageInfo{
			XResolution:     p.integer(),
			YResolution:     p.integer(),
			ImageWidth:      p.integer(),
			ImageLength:     p.integer(),
			SamplesPerPixel: p.integer(),
		}
		for i := range ii.BitsPerSample {
			ii.BitsPerSample[i] = p.integer()
		}
		ii.BitsPerPixel = p.integer()
		ii.Planar = p.boolean()
		ii.PixelType = p.integer()
		ii.Compression = p.integer()
		rec = ii
	case DATExtImageInfo:
		rec = decodeExtImageInfo(p, t)
	case DATTwainDirect:
		_ = p.u32() // size of the structure, fixed here
		td := &TwainDirect{CommunicationManager: p.u16()}
		td.Send = p.handle(t)
		td.SendSize = p.u32()
		td.Receive = p.handle(t)
		td.ReceiveSize = p.u32()
		rec = td
	case DATStatus:
		rec = &Status{ConditionCode: p.u16(), Data: p.u16()}
	case DATSetupFileXfer:
		rec = &SetupFileXfer{FileName: p.str(), Format: p.integer()}
	case DATImageLayout:
		rec = &ImageLayout{
			Left:           p.integer(),
			Top:            p.integer(),
			Right:          p.integer(),
			Bottom:         p.integer(),
			DocumentNumber: p.u32(),
			PageNumber:     p.u32(),
			FrameNumber:    p.u32(),
		}
	case DATXferGroup:
		rec = &XferGroup{Group: p.u32()}
	case DATMetrics:
		_ = p.u32()
		rec = &Metrics{ImageCount: p.u32(), SheetCount: p.u32()}
	default:
		return nil, STSBadProtocol, fmt.Errorf("category %s has no decoder", dat)
	}
	if p.err != nil {
		return nil, STSBadValue, fmt.Errorf("decode %s: %w", dat, p.err)
	}
	return rec, STSSuccess, nil
}

func decodeCapability(p *fields) *Capability {
	c := &Capability{}
	name := strings.TrimSpace(p.str())
	id, err := ParseCAP(name)
	if err != nil && p.err == nil {
		p.err = err
	}
	c.Cap = id
	if !p.more() {
		return c
	}
	con, err := ParseTWON(p.str())
	if err != nil && p.err == nil {
		p.err = err
	}
	c.Con = con
	typ, err := ParseTWTY(p.str())
	if err != nil && p.err == nil {
		p.err = err
	}
	c.Type = typ
	switch c.Con {
	case TWONOneValue:
		c.Items = []int{p.integer()}
	case TWONArray:
		n := p.count(1)
		c.Items = make([]int, 0, n)
		for i := 0; i < n && p.err == nil; i++ {
			c.Items = append(c.Items, p.integer())
		}
	case TWONEnumeration:
		n := p.count(1)
		c.CurrentIndex = p.integer()
		c.DefaultIndex = p.integer()
		c.Items = make([]int, 0, n)
		for i := 0; i < n && p.err == nil; i++ {
			c.Items = append(c.Items, p.integer())
		}
	case TWONRange:
		c.Min = p.integer()
		c.Max = p.integer()
		c.Step = p.integer()
		c.Default = p.integer()
		c.Current = p.integer()
	default:
		if p.err == nil {
			p.err = fmt.Errorf("unknown container %d", c.Con)
		}
	}
	return c
}

func decodeExtImageInfo(p *fields, t *HandleTable) *ExtImageInfo {
	n := p.count(5)
	e := &ExtImageInfo{Info: make([]ExtInfo, 0, n)}
	for i := 0; i < n && p.err == nil; i++ {
		info := ExtInfo{InfoID: p.u16()}
		typ, err := ParseTWTY(p.str())
		if err != nil && p.err == nil {
			p.err = err
		}
		info.ItemType = typ
		info.NumItems = p.u16()
		info.ReturnCode = p.u16()
		if info.ItemType == TWTYHandle {
			info.Memory = p.handle(t)
		} else {
			info.Item = p.unsigned()
		}
		e.Info = append(e.Info, info)
	}
	return e
}

// Encode renders rec in its CSV form.
func Encode(rec Record, t *HandleTable) (string, STS, error) {
	if rec == nil {
		return "", STSBadProtocol, fmt.Errorf("nil record")
	}
	dat := rec.Category()
	if !hasCategory(dat) || categories[dat] != kindText {
		return "", STSBadProtocol, fmt.Errorf("category %s has no text form", dat)
	}
	h := func(m *NativeMemory) uint64 {
		if t == nil {
			return 0
		}
		return t.Handle(m)
	}
	switch r := rec.(type) {
	case *Null:
		return "", STSSuccess, nil
	case *Capability:
		return encodeCapability(r), STSSuccess, nil
	case *Identity:
		return fmt.Sprintf("%d,%d,%d,%s,%s,%s,%d,%d,0x%08X,%s,%s,%s",
			r.ID, r.VersionMajor, r.VersionMinor, r.Language, r.Country, r.Info,
			r.ProtocolMajor, r.ProtocolMinor, r.SupportedGroups,
			r.Manufacturer, r.ProductFamily, r.ProductName), STSSuccess, nil
	case *UserInterface:
		return boolText(r.ShowUI) + "," + boolText(r.ModalUI), STSSuccess, nil
	case *PendingXfers:
		return fmt.Sprintf("%d,%d", r.Count, r.EOJ), STSSuccess, nil
	case *SetupMemXfer:
		return fmt.Sprintf("%d,%d,%d", r.MinBufSize, r.MaxBufSize, r.Preferred), STSSuccess, nil
	case *ImageMemXfer:
		return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
			r.Compression, r.BytesPerRow, r.Columns, r.Rows, r.XOffset, r.YOffset,
			r.BytesWritten, r.Flags, r.Length, h(r.Memory)), STSSuccess, nil
	case *ImageNativeXfer:
		return strconv.FormatUint(h(r.Memory), 10), STSSuccess, nil
	case *ImageInfo:
		var b strings.Builder
		fmt.Fprintf(&b, "%d,%d,%d,%d,%d", r.XResolution, r.YResolution, r.ImageWidth, r.ImageLength, r.SamplesPerPixel)
		for _, bps := range r.BitsPerSample {
			fmt.Fprintf(&b, ",%d", bps)
		}
		fmt.Fprintf(&b, ",%d,%s,%d,%d", r.BitsPerPixel, boolText(r.Planar), r.PixelType, r.Compression)
		return b.String(), STSSuccess, nil
	case *ExtImageInfo:
		var b strings.Builder
		b.WriteString(strconv.Itoa(len(r.Info)))
		for _, info := range r.Info {
			item := info.Item
			if info.ItemType == TWTYHandle {
				item = h(info.Memory)
			}
			fmt.Fprintf(&b, ",%d,%s,%d,%d,%d", info.InfoID, info.ItemType, info.NumItems, info.ReturnCode, item)
		}
		return b.String(), STSSuccess, nil
	case *TwainDirect:
		return fmt.Sprintf("%d,%d,%d,%d,%d,%d", twainDirectSize, r.CommunicationManager,
			h(r.Send), r.SendSize, h(r.Receive), r.ReceiveSize), STSSuccess, nil
	case *Status:
		return fmt.Sprintf("%d,%d", r.ConditionCode, r.Data), STSSuccess, nil
	case *SetupFileXfer:
		return fmt.Sprintf("%s,%d", r.FileName, r.Format), STSSuccess, nil
	case *ImageLayout:
		return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d", r.Left, r.Top, r.Right, r.Bottom,
			r.DocumentNumber, r.PageNumber, r.FrameNumber), STSSuccess, nil
	case *XferGroup:
		return strconv.FormatUint(uint64(r.Group), 10), STSSuccess, nil
	case *Metrics:
		return fmt.Sprintf("%d,%d,%d", metricsSize, r.ImageCount, r.SheetCount), STSSuccess, nil
	}
	return "", STSBadProtocol, fmt.Errorf("category %s has no encoder", dat)
}

// Sizes reported in the leading field of sized records.
const (
	twainDirectSize = 24
	metricsSize     = 12
)

func encodeCapability(c *Capability) string {
	var b strings.Builder
	b.WriteString(c.Cap.String())
	if c.Con == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, ",%s,%s", c.Con, c.Type)
	switch c.Con {
	case TWONOneValue:
		v, _ := c.Value()
		fmt.Fprintf(&b, ",%d", v)
	case TWONArray:
		fmt.Fprintf(&b, ",%d", len(c.Items))
		for _, v := range c.Items {
			fmt.Fprintf(&b, ",%d", v)
		}
	case TWONEnumeration:
		fmt.Fprintf(&b, ",%d,%d,%d", len(c.Items), c.CurrentIndex, c.DefaultIndex)
		for _, v := range c.Items {
			fmt.Fprintf(&b, ",%d", v)
		}
	case TWONRange:
		fmt.Fprintf(&b, ",%d,%d,%d,%d,%d", c.Min, c.Max, c.Step, c.Default, c.Current)
	}
	return b.String()
}
