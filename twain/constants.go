// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

// DG is a data group, the first element of a triplet.
type DG uint32

// DAT is a data argument type, the category of the record a triplet carries.
type DAT uint16

// MSG is the action of a triplet.
type MSG uint16

// Data groups
const (
	DGControl DG = 0x0001
	DGImage   DG = 0x0002
	DGAudio   DG = 0x0004
)

// Data argument types
const (
	DATNull             DAT = 0x0000
	DATCapability       DAT = 0x0001
	DATEvent            DAT = 0x0002
	DATIdentity         DAT = 0x0003
	DATParent           DAT = 0x0004
	DATPendingXfers     DAT = 0x0005
	DATSetupMemXfer     DAT = 0x0006
	DATSetupFileXfer    DAT = 0x0007
	DATStatus           DAT = 0x0008
	DATUserInterface    DAT = 0x0009
	DATXferGroup        DAT = 0x000a
	DATCustomDSData     DAT = 0x000c
	DATDeviceEvent      DAT = 0x000d
	DATFileSystem       DAT = 0x000e
	DATPassThru         DAT = 0x000f
	DATCallback         DAT = 0x0010
	DATStatusUTF8       DAT = 0x0011
	DATCallback2        DAT = 0x0012
	DATMetrics          DAT = 0x0013
	DATTwainDirect      DAT = 0x0014
	DATImageInfo        DAT = 0x0101
	DATImageLayout      DAT = 0x0102
	DATImageMemXfer     DAT = 0x0103
	DATImageNativeXfer  DAT = 0x0104
	DATImageFileXfer    DAT = 0x0105
	DATCieColor         DAT = 0x0106
	DATGrayResponse     DAT = 0x0107
	DATRGBResponse      DAT = 0x0108
	DATJpegCompression  DAT = 0x0109
	DATPalette8         DAT = 0x010a
	DATExtImageInfo     DAT = 0x010b
	DATFilter           DAT = 0x010c
	DATAudioFileXfer    DAT = 0x0201
	DATAudioInfo        DAT = 0x0202
	DATAudioNativeXfer  DAT = 0x0203
	DATIccProfile       DAT = 0x0401
	DATImageMemFileXfer DAT = 0x0402
	DATEntryPoint       DAT = 0x0403
)

// Messages
const (
	MSGNull             MSG = 0x0000
	MSGGet              MSG = 0x0001
	MSGGetCurrent       MSG = 0x0002
	MSGGetDefault       MSG = 0x0003
	MSGGetFirst         MSG = 0x0004
	MSGGetNext          MSG = 0x0005
	MSGSet              MSG = 0x0006
	MSGReset            MSG = 0x0007
	MSGQuerySupport     MSG = 0x0008
	MSGGetHelp          MSG = 0x0009
	MSGGetLabel         MSG = 0x000a
	MSGGetLabelEnum     MSG = 0x000b
	MSGSetConstraint    MSG = 0x000c
	MSGXferReady        MSG = 0x0101
	MSGCloseDSReq       MSG = 0x0102
	MSGCloseDSOK        MSG = 0x0103
	MSGDeviceEvent      MSG = 0x0104
	MSGOpenDSM          MSG = 0x0301
	MSGCloseDSM         MSG = 0x0302
	MSGOpenDS           MSG = 0x0401
	MSGCloseDS          MSG = 0x0402
	MSGUserSelect       MSG = 0x0403
	MSGDisableDS        MSG = 0x0501
	MSGEnableDS         MSG = 0x0502
	MSGEnableDSUIOnly   MSG = 0x0503
	MSGProcessEvent     MSG = 0x0601
	MSGEndXfer          MSG = 0x0701
	MSGStopFeeder       MSG = 0x0702
	MSGRegisterCallback MSG = 0x0902
	MSGResetAll         MSG = 0x0a01
	MSGSetTask          MSG = 0x0b01
)

// CAP identifies a capability.
type CAP uint16

// Capabilities used by the bridge
const (
	CapXferCount        CAP = 0x0001
	ICapCompression     CAP = 0x0100
	ICapPixelType       CAP = 0x0101
	ICapXferMech        CAP = 0x0103
	CapFeederEnabled    CAP = 0x1002
	CapFeederLoaded     CAP = 0x1003
	CapSupportedCaps    CAP = 0x1005
	CapIndicators       CAP = 0x100b
	CapDuplexEnabled    CAP = 0x1013
	CapSupportedDATs    CAP = 0x1033
	ICapImageFileFormat CAP = 0x110c
	ICapXResolution     CAP = 0x1118
	ICapYResolution     CAP = 0x1119
	ICapBitDepth        CAP = 0x112b
	ICapExtImageInfo    CAP = 0x112f
)

// TWON is a capability container type.
type TWON uint16

const (
	TWONArray       TWON = 3
	TWONEnumeration TWON = 4
	TWONOneValue    TWON = 5
	TWONRange       TWON = 6
)

// TWTY is an item type.
type TWTY uint16

const (
	TWTYInt8   TWTY = 0x0000
	TWTYInt16  TWTY = 0x0001
	TWTYInt32  TWTY = 0x0002
	TWTYUint8  TWTY = 0x0003
	TWTYUint16 TWTY = 0x0004
	TWTYUint32 TWTY = 0x0005
	TWTYBool   TWTY = 0x0006
	TWTYFix32  TWTY = 0x0007
	TWTYFrame  TWTY = 0x0008
	TWTYStr32  TWTY = 0x0009
	TWTYStr64  TWTY = 0x000a
	TWTYStr128 TWTY = 0x000b
	TWTYStr255 TWTY = 0x000c
	TWTYHandle TWTY = 0x000f
)

// TWSX is a transfer mechanism.
type TWSX uint16

const (
	TWSXNative  TWSX = 0
	TWSXFile    TWSX = 1
	TWSXMemory  TWSX = 2
	TWSXMemFile TWSX = 4
)

func (x TWSX) String() string {
	switch x {
	case TWSXNative:
		return "native"
	case TWSXFile:
		return "file"
	case TWSXMemory:
		return "memory"
	case TWSXMemFile:
		return "memfile"
	}
	return "unknown"
}

// ParseTWSX maps a configuration name to a transfer mechanism.
func ParseTWSX(name string) (TWSX, bool) {
	switch name {
	case "native":
		return TWSXNative, true
	case "file":
		return TWSXFile, true
	case "memory":
		return TWSXMemory, true
	case "memfile":
		return TWSXMemFile, true
	}
	return 0, false
}

// Pixel types
const (
	TWPTBW   = 0
	TWPTGray = 1
	TWPTRGB  = 2
)

// Compression
const (
	TWCPNone   = 0
	TWCPGroup4 = 5
	TWCPJPEG   = 6
)

// File formats
const (
	TWFFTiff      = 0
	TWFFBmp       = 2
	TWFFPdfRaster = 17
)

// Extended image info ids
const (
	TWEIPageSide            = 0x1256
	TWEITwainDirectMetadata = 0x1258
)

// Camera sides reported by TWEI_PAGESIDE
const (
	TWCSBoth   = 0
	TWCSTop    = 1
	TWCSBottom = 2
)

// Memory flags
const (
	TWMFAppOwns    = 0x0001
	TWMFDSMOwns    = 0x0002
	TWMFDSOwns     = 0x0004
	TWMFPointer    = 0x0008
	TWMFHandle     = 0x0010
	TWONDontCare32 = 0xffffffff
)
