// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import "fmt"

// State is the mandated lifecycle stage of a driver session.
type State int

const (
	StateNoDriver     State = 1 // no driver loaded
	StateDriverLoaded State = 2 // driver manager loaded, not open
	StateManagerOpen  State = 3 // driver manager open
	StateDeviceOpen   State = 4 // device open, negotiating
	StateEnabled      State = 5 // device enabled, no UI
	StateXferReady    State = 6 // device ready to transfer
	StateTransferring State = 7 // transfer in progress
)

func (s State) String() string {
	switch s {
	case StateNoDriver:
		return "S1"
	case StateDriverLoaded:
		return "S2"
	case StateManagerOpen:
		return "S3"
	case StateDeviceOpen:
		return "S4"
	case StateEnabled:
		return "S5"
	case StateXferReady:
		return "S6"
	case StateTransferring:
		return "S7"
	}
	return fmt.Sprintf("S?%d", int(s))
}
