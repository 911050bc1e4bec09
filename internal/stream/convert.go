// ABOUTME: Conversions between CBOR wire envelopes and transport-neutral session types
// ABOUTME: Keeps wire types out of the registry

package stream

import (
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/wire"
)

func inventoryFromWire(inv wire.Inventory) session.Inventory {
	return session.Inventory{
		MachineName:   inv.MachineName,
		OS:            inv.OS,
		OSVersion:     inv.OSVersion,
		Architecture:  inv.Architecture,
		IPAddress:     inv.IPAddress,
		Username:      inv.Username,
		TotalMemoryMB: inv.TotalMemoryMB,
		IsAdmin:       inv.IsAdmin,
		AgentVersion:  inv.AgentVersion,
		Extra:         inv.Extra,
	}
}

func heartbeatFromWire(hb *wire.Heartbeat) session.Heartbeat {
	out := session.Heartbeat{Activity: hb.Activity}
	if hb.Inventory != nil {
		inv := inventoryFromWire(*hb.Inventory)
		out.Inventory = &inv
	}
	return out
}

func resultFromWire(r *wire.CommandResult) session.CommandResult {
	return session.CommandResult{
		CommandID:    r.CommandID,
		Success:      r.Success,
		ExitCode:     r.ExitCode,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		ErrorMessage: r.ErrorMessage,
	}
}

func commandToWire(c session.Command) *wire.Command {
	return &wire.Command{
		ID:             c.ID,
		Type:           c.Type,
		Text:           c.Text,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}
