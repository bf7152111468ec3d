// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import "fmt"

// STS folds a TWAIN return code and condition code into one value.
// Return codes occupy the low range, condition codes are offset by stsCC.
type STS uint32

const stsCC = 0x10000

// Return codes
const (
	STSSuccess          STS = 0
	STSFailure          STS = 1
	STSCheckStatus      STS = 2
	STSCancel           STS = 3
	STSDSEvent          STS = 4
	STSNotDSEvent       STS = 5
	STSXferDone         STS = 6
	STSEndOfList        STS = 7
	STSInfoNotSupported STS = 8
	STSDataNotAvailable STS = 9
	STSBusy             STS = 10
	STSScannerLocked    STS = 11
)

// Condition codes
const (
	STSBummer            STS = stsCC + 1
	STSLowMemory         STS = stsCC + 2
	STSNoDS              STS = stsCC + 3
	STSMaxConnections    STS = stsCC + 4
	STSOperationError    STS = stsCC + 5
	STSBadCap            STS = stsCC + 6
	STSBadProtocol       STS = stsCC + 9
	STSBadValue          STS = stsCC + 10
	STSSeqError          STS = stsCC + 11
	STSBadDest           STS = stsCC + 12
	STSCapUnsupported    STS = stsCC + 13
	STSCapBadOperation   STS = stsCC + 14
	STSCapSeqError       STS = stsCC + 15
	STSDenied            STS = stsCC + 16
	STSFileExists        STS = stsCC + 17
	STSFileNotFound      STS = stsCC + 18
	STSNotEmpty          STS = stsCC + 19
	STSPaperJam          STS = stsCC + 20
	STSPaperDoubleFeed   STS = stsCC + 21
	STSFileWriteError    STS = stsCC + 22
	STSCheckDeviceOnline STS = stsCC + 23
	STSInterlock         STS = stsCC + 24
	STSDamagedCorner     STS = stsCC + 25
	STSFocusError        STS = stsCC + 26
	STSDocTooLight       STS = stsCC + 27
	STSDocTooDark        STS = stsCC + 28
	STSNoMedia           STS = stsCC + 29
)

var stsNames = map[STS]string{
	STSSuccess:           "success",
	STSFailure:           "failure",
	STSCheckStatus:       "checkStatus",
	STSCancel:            "cancel",
	STSDSEvent:           "dsEvent",
	STSNotDSEvent:        "notDsEvent",
	STSXferDone:          "xferDone",
	STSEndOfList:         "endOfList",
	STSInfoNotSupported:  "infoNotSupported",
	STSDataNotAvailable:  "dataNotAvailable",
	STSBusy:              "busy",
	STSScannerLocked:     "scannerLocked",
	STSBummer:            "bummer",
	STSLowMemory:         "lowMemory",
	STSNoDS:              "noDs",
	STSMaxConnections:    "maxConnections",
	STSOperationError:    "operationError",
	STSBadCap:            "badCap",
	STSBadProtocol:       "badProtocol",
	STSBadValue:          "badValue",
	STSSeqError:          "seqError",
	STSBadDest:           "badDest",
	STSCapUnsupported:    "capUnsupported",
	STSCapBadOperation:   "capBadOperation",
	STSCapSeqError:       "capSeqError",
	STSDenied:            "denied",
	STSFileExists:        "fileExists",
	STSFileNotFound:      "fileNotFound",
	STSNotEmpty:          "notEmpty",
	STSPaperJam:          "paperJam",
	STSPaperDoubleFeed:   "paperDoubleFeed",
	STSFileWriteError:    "fileWriteError",
	STSCheckDeviceOnline: "checkDeviceOnline",
	STSInterlock:         "interlock",
	STSDamagedCorner:     "damagedCorner",
	STSFocusError:        "focusError",
	STSDocTooLight:       "docTooLight",
	STSDocTooDark:        "docTooDark",
	STSNoMedia:           "noMedia",
}

func (s STS) String() string {
	if name, ok := stsNames[s]; ok {
		return name
	}
	if s >= stsCC {
		return fmt.Sprintf("cc%d", uint32(s-stsCC))
	}
	return fmt.Sprintf("rc%d", uint32(s))
}

// Error lets a failing status travel as an error.
func (s STS) Error() string {
	return "twain: " + s.String()
}

// OK reports whether the status means the call did what was asked.
func (s STS) OK() bool {
	return s == STSSuccess || s == STSXferDone
}

// FromCodes builds a status from a raw return code and condition code pair.
// A failure return code is replaced by its condition code when one is set.
func FromCodes(rc, cc uint16) STS {
	if (rc == uint16(STSFailure) || rc == uint16(STSCheckStatus)) && cc != 0 {
		return STS(stsCC + uint32(cc))
	}
	return STS(rc)
}

// ConditionCode returns the condition code part of the status, or 0.
func (s STS) ConditionCode() uint16 {
	if s >= stsCC {
		return uint16(s - stsCC)
	}
	return 0
}
