// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"

	"github.com/ffutop/twain-bridge/twain"
)

// Rollback walks the state down to target one edge at a time, issuing the
// triplet that belongs to each edge. A failing step is logged and the walk
// goes on: the state always ends at or below target. Rolling back to a
// state at or above the current one does nothing.
func (a *Adapter) Rollback(ctx context.Context, target twain.State) {
	if target < twain.StateNoDriver {
		target = twain.StateNoDriver
	}
	err := a.exec.Do(ctx, func(ctx context.Context) {
		for a.state > target {
			from := a.state
			a.step(ctx, from)
			a.state = from - 1
			a.logger.Debug("Rolled back", "from", from, "to", a.state)
		}
	})
	if err != nil {
		a.logger.Error("Rollback not executed", "target", target, "state", a.state, "error", err)
	}
}

func (a *Adapter) step(ctx context.Context, from twain.State) {
	var sts twain.STS
	switch from {
	case twain.StateTransferring:
		sts = a.Call(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGEndXfer, &twain.PendingXfers{})
	case twain.StateXferReady:
		sts = a.Call(ctx, twain.DGControl, twain.DATPendingXfers, twain.MSGReset, &twain.PendingXfers{})
	case twain.StateEnabled:
		sts = a.Call(ctx, twain.DGControl, twain.DATUserInterface, twain.MSGDisableDS, &twain.UserInterface{})
	case twain.StateDeviceOpen:
		sts = a.Call(ctx, twain.DGControl, twain.DATIdentity, twain.MSGCloseDS, &twain.Identity{})
	case twain.StateManagerOpen:
		sts = a.Call(ctx, twain.DGControl, twain.DATParent, twain.MSGCloseDSM, twain.NewNull(twain.DATParent))
	case twain.StateDriverLoaded:
		a.release()
		return
	default:
		return
	}
	if sts != twain.STSSuccess {
		a.logger.Warn("Rollback step failed", "from", from, "sts", sts)
	}
}
