// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"encoding/json"

	"github.com/ffutop/twain-bridge/twain"
)

// Status is the protocol status returned to the controlling process.
type Status string

const (
	StatusSuccess                 Status = "success"
	StatusInvalidSession          Status = "invalidSessionId"
	StatusNewSessionNotAllowed    Status = "newSessionNotAllowed"
	StatusInvalidCapturingOptions Status = "invalidCapturingOptions"
	StatusBusy                    Status = "busy"
	StatusNoMedia                 Status = "noMedia"
)

// statusFromEnable maps a refused MSG_ENABLEDS to the protocol status.
func statusFromEnable(sts twain.STS) Status {
	switch sts {
	case twain.STSBusy:
		return StatusBusy
	case twain.STSNoMedia:
		return StatusNoMedia
	}
	return StatusInvalidCapturingOptions
}

type request struct {
	Method  string          `json:"method"`
	Scanner string          `json:"scanner,omitempty"`
	Task    json.RawMessage `json:"task,omitempty"`
}

// SessionInfo is the session status envelope.
type SessionInfo struct {
	ImageBlocks []int `json:"imageBlocks,omitempty"`
	// ImageBlocksDrained is set once the run ended and every block was
	// released.
	ImageBlocksDrained bool `json:"imageBlocksDrained,omitempty"`
}

type reply struct {
	Status    Status          `json:"status"`
	Session   *SessionInfo    `json:"session,omitempty"`
	TaskReply json.RawMessage `json:"taskReply,omitempty"`
}
