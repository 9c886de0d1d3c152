// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tailmsg holds the message shapes exchanged between a tail
// client and the tail server, shared by internal/tail/server and
// internal/tail/client so neither imports the other.
package tailmsg

import "headtailsim/internal/txmodel"

// ClientId addresses one tail client, both as a routing key into the
// server's registry and as the MockTx origin field for txs it submits.
type ClientId int

// ConnState is a tail client's connectivity as seen by the server's
// registry.
type ConnState int

const (
	Offline ConnState = iota
	Online
	Blocked
)

func (c ConnState) String() string {
	switch c {
	case Online:
		return "online"
	case Blocked:
		return "blocked"
	default:
		return "offline"
	}
}

// Msg is the marker interface every client<->server wire message
// satisfies.
type Msg interface{ isTailMsg() }

// NewTx is a client->server submission naming the tx and the client ids
// that should be notified of it.
type NewTx struct {
	Tx         txmodel.Tx
	Recipients []ClientId
}

// Pull asks the server to flush the sender's mailbox.
type Pull struct{}

// Connect/Disconnect toggle the sender's registry entry between Online
// and Offline.
type Connect struct{}
type Disconnect struct{}

// SnapshotStart/SnapshotEnd bracket a settlement stall: the sender is
// Blocked for the duration, then returns Offline and its parked queue is
// retried.
type SnapshotStart struct{}
type SnapshotEnd struct{}

// NotifyTx is a server->client fan-out of a NewTx to one recipient.
type NotifyTx struct{ Tx txmodel.Tx }

// AckTx is the server's acknowledgement to a NewTx's sender.
type AckTx struct{ Ref txmodel.TxRef }

func (NewTx) isTailMsg()         {}
func (Pull) isTailMsg()          {}
func (Connect) isTailMsg()       {}
func (Disconnect) isTailMsg()    {}
func (SnapshotStart) isTailMsg() {}
func (SnapshotEnd) isTailMsg()   {}
func (NotifyTx) isTailMsg()      {}
func (AckTx) isTailMsg()         {}

// Event is one entry of a client's deterministic input tape: at Slot,
// From sends Msg (a Pull or a NewTx — the only two shapes stepClient
// ever produces).
type Event struct {
	Slot int
	From ClientId
	Msg  Msg
}

// WireSize derives a message's on-wire byte size from the fixed
// constants spec.md §6 names: a NewTx/NotifyTx pays the mockTx size
// header plus the tx's own Size() (NewTx additionally pays one
// RecipientSize per recipient); AckTx is exactly one TxRef; every
// connection/snapshot control message is 0 bytes.
func WireSize(msg Msg) int {
	switch m := msg.(type) {
	case NewTx:
		return txmodel.SizeHeaderBytes + m.Tx.Size() + len(m.Recipients)*txmodel.RecipientSize
	case NotifyTx:
		return txmodel.SizeHeaderBytes + m.Tx.Size()
	case AckTx:
		return txmodel.TxRefSize
	default:
		return txmodel.ControlMsgSize
	}
}
