// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import (
	"fmt"
	"strconv"
	"strings"
)

var dgNames = map[string]DG{
	"DG_CONTROL": DGControl,
	"DG_IMAGE":   DGImage,
	"DG_AUDIO":   DGAudio,
}

var datNames = map[string]DAT{
	"DAT_NULL":             DATNull,
	"DAT_CAPABILITY":       DATCapability,
	"DAT_EVENT":            DATEvent,
	"DAT_IDENTITY":         DATIdentity,
	"DAT_PARENT":           DATParent,
	"DAT_PENDINGXFERS":     DATPendingXfers,
	"DAT_SETUPMEMXFER":     DATSetupMemXfer,
	"DAT_SETUPFILEXFER":    DATSetupFileXfer,
	"DAT_STATUS":           DATStatus,
	"DAT_USERINTERFACE":    DATUserInterface,
	"DAT_XFERGROUP":        DATXferGroup,
	"DAT_CUSTOMDSDATA":     DATCustomDSData,
	"DAT_DEVICEEVENT":      DATDeviceEvent,
	"DAT_FILESYSTEM":       DATFileSystem,
	"DAT_PASSTHRU":         DATPassThru,
	"DAT_CALLBACK":         DATCallback,
	"DAT_STATUSUTF8":       DATStatusUTF8,
	"DAT_CALLBACK2":        DATCallback2,
	"DAT_METRICS":          DATMetrics,
	"DAT_TWAINDIRECT":      DATTwainDirect,
	"DAT_IMAGEINFO":        DATImageInfo,
	"DAT_IMAGELAYOUT":      DATImageLayout,
	"DAT_IMAGEMEMXFER":     DATImageMemXfer,
	"DAT_IMAGENATIVEXFER":  DATImageNativeXfer,
	"DAT_IMAGEFILEXFER":    DATImageFileXfer,
	"DAT_CIECOLOR":         DATCieColor,
	"DAT_GRAYRESPONSE":     DATGrayResponse,
	"DAT_RGBRESPONSE":      DATRGBResponse,
	"DAT_JPEGCOMPRESSION":  DATJpegCompression,
	"DAT_PALETTE8":         DATPalette8,
	"DAT_EXTIMAGEINFO":     DATExtImageInfo,
	"DAT_FILTER":           DATFilter,
	"DAT_AUDIOFILEXFER":    DATAudioFileXfer,
	"DAT_AUDIOINFO":        DATAudioInfo,
	"DAT_AUDIONATIVEXFER":  DATAudioNativeXfer,
	"DAT_ICCPROFILE":       DATIccProfile,
	"DAT_IMAGEMEMFILEXFER": DATImageMemFileXfer,
	"DAT_ENTRYPOINT":       DATEntryPoint,
}

var msgNames = map[string]MSG{
	"MSG_NULL":             MSGNull,
	"MSG_GET":              MSGGet,
	"MSG_GETCURRENT":       MSGGetCurrent,
	"MSG_GETDEFAULT":       MSGGetDefault,
	"MSG_GETFIRST":         MSGGetFirst,
	"MSG_GETNEXT":          MSGGetNext,
	"MSG_SET":              MSGSet,
	"MSG_RESET":            MSGReset,
	"MSG_QUERYSUPPORT":     MSGQuerySupport,
	"MSG_GETHELP":          MSGGetHelp,
	"MSG_GETLABEL":         MSGGetLabel,
	"MSG_GETLABELENUM":     MSGGetLabelEnum,
	"MSG_SETCONSTRAINT":    MSGSetConstraint,
	"MSG_XFERREADY":        MSGXferReady,
	"MSG_CLOSEDSREQ":       MSGCloseDSReq,
	"MSG_CLOSEDSOK":        MSGCloseDSOK,
	"MSG_DEVICEEVENT":      MSGDeviceEvent,
	"MSG_OPENDSM":          MSGOpenDSM,
	"MSG_CLOSEDSM":         MSGCloseDSM,
	"MSG_OPENDS":           MSGOpenDS,
	"MSG_CLOSEDS":          MSGCloseDS,
	"MSG_USERSELECT":       MSGUserSelect,
	"MSG_DISABLEDS":        MSGDisableDS,
	"MSG_ENABLEDS":         MSGEnableDS,
	"MSG_ENABLEDSUIONLY":   MSGEnableDSUIOnly,
	"MSG_PROCESSEVENT":     MSGProcessEvent,
	"MSG_ENDXFER":          MSGEndXfer,
	"MSG_STOPFEEDER":       MSGStopFeeder,
	"MSG_REGISTERCALLBACK": MSGRegisterCallback,
	"MSG_RESETALL":         MSGResetAll,
	"MSG_SETTASK":          MSGSetTask,
}

var capNames = map[string]CAP{
	"CAP_XFERCOUNT":        CapXferCount,
	"ICAP_COMPRESSION":     ICapCompression,
	"ICAP_PIXELTYPE":       ICapPixelType,
	"ICAP_XFERMECH":        ICapXferMech,
	"CAP_FEEDERENABLED":    CapFeederEnabled,
	"CAP_FEEDERLOADED":     CapFeederLoaded,
	"CAP_SUPPORTEDCAPS":    CapSupportedCaps,
	"CAP_INDICATORS":       CapIndicators,
	"CAP_DUPLEXENABLED":    CapDuplexEnabled,
	"CAP_SUPPORTEDDATS":    CapSupportedDATs,
	"ICAP_IMAGEFILEFORMAT": ICapImageFileFormat,
	"ICAP_XRESOLUTION":     ICapXResolution,
	"ICAP_YRESOLUTION":     ICapYResolution,
	"ICAP_BITDEPTH":        ICapBitDepth,
	"ICAP_EXTIMAGEINFO":    ICapExtImageInfo,
}

var twonNames = map[string]TWON{
	"TWON_ARRAY":       TWONArray,
	"TWON_ENUMERATION": TWONEnumeration,
	"TWON_ONEVALUE":    TWONOneValue,
	"TWON_RANGE":       TWONRange,
}

var twtyNames = map[string]TWTY{
	"TWTY_INT8":   TWTYInt8,
	"TWTY_INT16":  TWTYInt16,
	"TWTY_INT32":  TWTYInt32,
	"TWTY_UINT8":  TWTYUint8,
	"TWTY_UINT16": TWTYUint16,
	"TWTY_UINT32": TWTYUint32,
	"TWTY_BOOL":   TWTYBool,
	"TWTY_FIX32":  TWTYFix32,
	"TWTY_FRAME":  TWTYFrame,
	"TWTY_STR32":  TWTYStr32,
	"TWTY_STR64":  TWTYStr64,
	"TWTY_STR128": TWTYStr128,
	"TWTY_STR255": TWTYStr255,
	"TWTY_HANDLE": TWTYHandle,
}

// parseSymbol resolves a symbolic name with the given prefix, or a numeric
// escape (hex with 0x, or decimal). Anything else is rejected.
func parseSymbol[T ~uint16 | ~uint32](name, prefix string, names map[string]T, bits int) (T, error) {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, prefix) {
		if v, ok := names[name]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown %s name %q", strings.TrimSuffix(prefix, "_"), name)
	}
	v, err := strconv.ParseUint(name, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("malformed %s identifier %q", strings.TrimSuffix(prefix, "_"), name)
	}
	return T(v), nil
}

// ParseDG resolves "DG_xxx" or a numeric escape.
func ParseDG(name string) (DG, error) { return parseSymbol(name, "DG_", dgNames, 32) }

// ParseDAT resolves "DAT_xxx" or a numeric escape.
func ParseDAT(name string) (DAT, error) { return parseSymbol(name, "DAT_", datNames, 16) }

// ParseMSG resolves "MSG_xxx" or a numeric escape.
func ParseMSG(name string) (MSG, error) { return parseSymbol(name, "MSG_", msgNames, 16) }

// ParseCAP resolves "CAP_xxx", "ICAP_xxx" or a numeric escape.
func ParseCAP(name string) (CAP, error) {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "ICAP_") {
		return parseSymbol(name, "ICAP_", capNames, 16)
	}
	return parseSymbol(name, "CAP_", capNames, 16)
}

// ParseTWON resolves "TWON_xxx" or a numeric escape.
func ParseTWON(name string) (TWON, error) { return parseSymbol(name, "TWON_", twonNames, 16) }

// ParseTWTY resolves "TWTY_xxx" or a numeric escape.
func ParseTWTY(name string) (TWTY, error) { return parseSymbol(name, "TWTY_", twtyNames, 16) }

func reverse[T comparable](m map[string]T) map[T]string {
	r := make(map[T]string, len(m))
	for k, v := range m {
		r[v] = k
	}
	return r
}

var (
	dgByValue   = reverse(dgNames)
	datByValue  = reverse(datNames)
	msgByValue  = reverse(msgNames)
	capByValue  = reverse(capNames)
	twonByValue = reverse(twonNames)
	twtyByValue = reverse(twtyNames)
)

func (d DG) String() string {
	if s, ok := dgByValue[d]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint32(d))
}

func (d DAT) String() string {
	if s, ok := datByValue[d]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(d))
}

func (m MSG) String() string {
	if s, ok := msgByValue[m]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(m))
}

func (c CAP) String() string {
	if s, ok := capByValue[c]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

func (t TWON) String() string {
	if s, ok := twonByValue[t]; ok {
		return s
	}
	return fmt.Sprintf("%d", uint16(t))
}

func (t TWTY) String() string {
	if s, ok := twtyByValue[t]; ok {
		return s
	}
	return fmt.Sprintf("%d", uint16(t))
}

// Triplet names one driver call.
type Triplet struct {
	DG  DG
	DAT DAT
	MSG MSG
}

// ParseTriplet validates all three identifiers.
func ParseTriplet(dg, dat, msg string) (Triplet, error) {
	var t Triplet
	var err error
	if t.DG, err = ParseDG(dg); err != nil {
		return t, err
	}
	if t.DAT, err = ParseDAT(dat); err != nil {
		return t, err
	}
	if t.MSG, err = ParseMSG(msg); err != nil {
		return t, err
	}
	return t, nil
}

func (t Triplet) String() string {
	return t.DG.String() + "/" + t.DAT.String() + "/" + t.MSG.String()
}
