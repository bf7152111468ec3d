// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

// Record is the argument of a triplet. The set of implementations is closed;
// each one belongs to exactly one DAT category.
type Record interface {
	Category() DAT
}

// Null carries no data. Used by DAT_NULL and DAT_PARENT.
type Null struct{ dat DAT }

func NewNull(dat DAT) *Null   { return &Null{dat: dat} }
func (n *Null) Category() DAT { return n.dat }

// Capability is a TW_CAPABILITY with its container unpacked.
// ONEVALUE and ARRAY use Items. ENUMERATION uses Items with the current and
// default indexes. RANGE uses Min, Max, Step, Default and Current.
type Capability struct {
	Cap          CAP
	Con          TWON
	Type         TWTY
	Items        []int
	CurrentIndex int
	DefaultIndex int
	Min          int
	Max          int
	Step         int
	Default      int
	Current      int
}

func (*Capability) Category() DAT { return DATCapability }

// Value returns the current value regardless of container.
func (c *Capability) Value() (int, bool) {
	switch c.Con {
	case TWONOneValue:
		if len(c.Items) == 1 {
			return c.Items[0], true
		}
	case TWONEnumeration:
		if c.CurrentIndex >= 0 && c.CurrentIndex < len(c.Items) {
			return c.Items[c.CurrentIndex], true
		}
	case TWONRange:
		return c.Current, true
	case TWONArray:
		if len(c.Items) > 0 {
			return c.Items[0], true
		}
	}
	return 0, false
}

// Contains reports whether v is one of the values an ARRAY or ENUMERATION holds.
func (c *Capability) Contains(v int) bool {
	for _, item := range c.Items {
		if item == v {
			return true
		}
	}
	return false
}

// OneValue builds a ONEVALUE capability.
func OneValue(cap CAP, typ TWTY, v int) *Capability {
	return &Capability{Cap: cap, Con: TWONOneValue, Type: typ, Items: []int{v}}
}

type Identity struct {
	ID              uint32
	VersionMajor    uint16
	VersionMinor    uint16
	Language        string
	Country         string
	Info            string
	ProtocolMajor   uint16
	ProtocolMinor   uint16
	SupportedGroups uint32
	Manufacturer    string
	ProductFamily   string
	ProductName     string
}

func (*Identity) Category() DAT { return DATIdentity }

type UserInterface struct {
	ShowUI  bool
	ModalUI bool
}

func (*UserInterface) Category() DAT { return DATUserInterface }

type PendingXfers struct {
	Count int
	EOJ   uint32
}

func (*PendingXfers) Category() DAT { return DATPendingXfers }

type SetupMemXfer struct {
	MinBufSize uint32
	MaxBufSize uint32
	Preferred  uint32
}

func (*SetupMemXfer) Category() DAT { return DATSetupMemXfer }

// ImageMemXfer is used by both DAT_IMAGEMEMXFER and DAT_IMAGEMEMFILEXFER.
// Memory is owned by the caller, which allocates and frees it.
type ImageMemXfer struct {
	dat          DAT
	Compression  uint16
	BytesPerRow  uint32
	Columns      uint32
	Rows         uint32
	XOffset      uint32
	YOffset      uint32
	BytesWritten uint32
	Flags        uint32
	Length       uint32
	Memory       *NativeMemory
}

// NewImageMemXfer returns a transfer record for DAT_IMAGEMEMXFER or
// DAT_IMAGEMEMFILEXFER pointing at buf.
func NewImageMemXfer(dat DAT, buf *NativeMemory) *ImageMemXfer {
	x := &ImageMemXfer{dat: dat, Flags: TWMFAppOwns | TWMFPointer, Memory: buf}
	x.Compression = 0xffff
	x.BytesPerRow = TWONDontCare32
	x.Columns = TWONDontCare32
	x.Rows = TWONDontCare32
	x.XOffset = TWONDontCare32
	x.YOffset = TWONDontCare32
	x.BytesWritten = TWONDontCare32
	if buf != nil {
		x.Length = uint32(buf.Len())
	}
	return x
}

func (x *ImageMemXfer) Category() DAT {
	if x.dat == 0 {
		return DATImageMemXfer
	}
	return x.dat
}

// Data returns the bytes the driver wrote in the last call.
func (x *ImageMemXfer) Data() []byte {
	if x.Memory == nil || x.BytesWritten == TWONDontCare32 {
		return nil
	}
	n := int(x.BytesWritten)
	if n > x.Memory.Len() {
		n = x.Memory.Len()
	}
	return x.Memory.Bytes()[:n]
}

// ImageNativeXfer returns a driver allocated image the caller frees.
type ImageNativeXfer struct {
	Memory *NativeMemory
}

func (*ImageNativeXfer) Category() DAT { return DATImageNativeXfer }

type ImageInfo struct {
	XResolution     int
	YResolution     int
	ImageWidth      int
	ImageLength     int
	SamplesPerPixel int
	BitsPerSample   [8]int
	BitsPerPixel    int
	Planar          bool
	PixelType       int
	Compression     int
}

func (*ImageInfo) Category() DAT { return DATImageInfo }

// ExtInfo is one TW_INFO entry. Handle items carry Memory allocated by the
// driver; the caller frees it after reading.
type ExtInfo struct {
	InfoID     uint16
	ItemType   TWTY
	NumItems   uint16
	ReturnCode uint16
	Item       uint64
	Memory     *NativeMemory
}

type ExtImageInfo struct {
	Info []ExtInfo
}

func (*ExtImageInfo) Category() DAT { return DATExtImageInfo }

// Find returns the entry with the given id.
func (e *ExtImageInfo) Find(id uint16) (*ExtInfo, bool) {
	for i := range e.Info {
		if e.Info[i].InfoID == id {
			return &e.Info[i], true
		}
	}
	return nil, false
}

// TwainDirect exchanges a task. Send is owned by the caller, Receive is
// allocated by the driver and freed by the caller.
type TwainDirect struct {
	CommunicationManager uint16
	Send                 *NativeMemory
	SendSize             uint32
	Receive              *NativeMemory
	ReceiveSize          uint32
}

func (*TwainDirect) Category() DAT { return DATTwainDirect }

type Status struct {
	ConditionCode uint16
	Data          uint16
}

func (*Status) Category() DAT { return DATStatus }

type SetupFileXfer struct {
	FileName string
	Format   int
}

func (*SetupFileXfer) Category() DAT { return DATSetupFileXfer }

type ImageLayout struct {
	Left, Top, Right, Bottom int
	DocumentNumber           uint32
	PageNumber               uint32
	FrameNumber              uint32
}

func (*ImageLayout) Category() DAT { return DATImageLayout }

type XferGroup struct {
	Group uint32
}

func (*XferGroup) Category() DAT { return DATXferGroup }

type Metrics struct {
	ImageCount uint32
	SheetCount uint32
}

func (*Metrics) Category() DAT { return DATMetrics }

// Callback registers a device event function. It has no text form.
type Callback struct {
	Func   func(MSG)
	RefCon uint32
}

func (*Callback) Category() DAT { return DATCallback }

// Event carries a message from the driver. It has no text form.
type Event struct {
	Message MSG
}

func (*Event) Category() DAT { return DATEvent }

// EntryPoint has no text form.
type EntryPoint struct {
	Size uint32
}

func (*EntryPoint) Category() DAT { return DATEntryPoint }

// CallerFrees reports whether the caller owns cleanup of memory referenced by
// the record after the call returns.
func CallerFrees(dat DAT) bool {
	switch dat {
	case DATImageMemXfer, DATImageMemFileXfer, DATExtImageInfo, DATTwainDirect, DATImageNativeXfer:
		return true
	}
	return false
}
