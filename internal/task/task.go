// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package task applies a TWAIN Direct task to a device through capabilities.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ffutop/twain-bridge/twain"
)

// Device receives the capability settings a task resolves to.
type Device interface {
	SetCapability(ctx context.Context, c *twain.Capability) twain.STS
}

type Task struct {
	Actions []Action `json:"actions"`
}

type Action struct {
	Action    string   `json:"action"`
	Exception string   `json:"exception,omitempty"`
	Streams   []Stream `json:"streams,omitempty"`
}

type Stream struct {
	Name      string   `json:"name,omitempty"`
	Exception string   `json:"exception,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
}

type Source struct {
	Source       string        `json:"source"`
	Name         string        `json:"name,omitempty"`
	Exception    string        `json:"exception,omitempty"`
	PixelFormats []PixelFormat `json:"pixelFormats,omitempty"`
}

type PixelFormat struct {
	PixelFormat string      `json:"pixelFormat"`
	Name        string      `json:"name,omitempty"`
	Exception   string      `json:"exception,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

type Attribute struct {
	Attribute string  `json:"attribute"`
	Exception string  `json:"exception,omitempty"`
	Values    []Value `json:"values"`
}

type Value struct {
	Value     json.RawMessage `json:"value"`
	Exception string          `json:"exception,omitempty"`
}

// Error is a task failure as reported in the reply.
type Error struct {
	Code    string `json:"code"`
	JSONKey string `json:"jsonKey,omitempty"`
}

func (e *Error) Error() string {
	if e.JSONKey != "" {
		return fmt.Sprintf("task %s at %s", e.Code, e.JSONKey)
	}
	return "task " + e.Code
}

const (
	CodeInvalidJSON  = "invalidJson"
	CodeInvalidTask  = "invalidTask"
	CodeInvalidValue = "invalidValue"
	CodeBusy         = "busy"
)

type results struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	JSONKey string `json:"jsonKey,omitempty"`
}

type replyAction struct {
	Action  string   `json:"action"`
	Results results  `json:"results"`
	Streams []Stream `json:"streams,omitempty"`
}

type reply struct {
	Actions []replyAction `json:"actions"`
}

// FailureReply is the taskReply for a task that could not be applied.
func FailureReply(err error) json.RawMessage {
	r := results{Code: CodeInvalidTask}
	if te, ok := err.(*Error); ok {
		r.Code = te.Code
		r.JSONKey = te.JSONKey
	}
	data, _ := json.Marshal(reply{Actions: []replyAction{{Action: "configure", Results: r}}})
	return data
}

// Parse decodes a task. Anything that is not a JSON object with an actions
// array is rejected.
func Parse(raw []byte) (*Task, error) {
	var t Task
	if len(raw) == 0 {
		return nil, &Error{Code: CodeInvalidJSON}
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &Error{Code: CodeInvalidJSON}
	}
	if t.Actions == nil {
		return nil, &Error{Code: CodeInvalidTask, JSONKey: "actions"}
	}
	return &t, nil
}
