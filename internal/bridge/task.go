// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"context"
	"encoding/json"

	"github.com/ffutop/twain-bridge/internal/registry"
	"github.com/ffutop/twain-bridge/internal/task"
	"github.com/ffutop/twain-bridge/twain"
)

func (b *Bridge) sendTask(ctx context.Context, raw json.RawMessage) *reply {
	s := b.session
	if s == nil {
		return failed(StatusInvalidSession)
	}
	if b.dev.State() > twain.StateDeviceOpen {
		rep := failed(StatusInvalidCapturingOptions)
		rep.TaskReply = task.FailureReply(&task.Error{Code: task.CodeBusy})
		return rep
	}

	var (
		taskReply json.RawMessage
		err       error
	)
	if s.Tier == registry.TierTwainDirect {
		taskReply, err = b.forwardTask(ctx, raw)
	} else {
		var res *task.Result
		if res, err = task.Process(ctx, b.dev, raw); err == nil {
			s.names = res.Names
			taskReply = res.Reply
		}
	}

	rep := b.success()
	if err != nil {
		b.logger.Warn("Task rejected", "session", s.ID, "error", err)
		rep = failed(StatusInvalidCapturingOptions)
		if taskReply == nil {
			taskReply = task.FailureReply(err)
		}
	}
	rep.TaskReply = taskReply
	return rep
}

// forwardTask hands the task to a driver that runs TWAIN Direct itself and
// returns its reply verbatim.
func (b *Bridge) forwardTask(ctx context.Context, raw []byte) (json.RawMessage, error) {
	send, err := twain.AllocBytes(raw)
	if err != nil {
		return nil, err
	}
	defer send.Free()

	td := &twain.TwainDirect{Send: send, SendSize: uint32(len(raw))}
	sts := b.dev.Call(ctx, twain.DGControl, twain.DATTwainDirect, twain.MSGSetTask, td)

	var taskReply json.RawMessage
	if td.Receive != nil {
		data := td.Receive.Bytes()
		if n := int(td.ReceiveSize); n < len(data) {
			data = data[:n]
		}
		if json.Valid(data) {
			taskReply = append(json.RawMessage(nil), data...)
		}
		if twain.CallerFrees(twain.DATTwainDirect) {
			if err := td.Receive.Free(); err != nil {
				b.logger.Warn("Task reply not freed", "error", err)
			}
		}
	}
	if sts != twain.STSSuccess {
		return taskReply, sts
	}
	if taskReply == nil {
		return nil, &task.Error{Code: task.CodeInvalidTask}
	}
	return taskReply, nil
}
