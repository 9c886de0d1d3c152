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

// Package head implements the head protocol's per-node state machine: a
// deterministic event-driven transition function (HState, HeadProtocol)
// -> Decision, and the Node wrapper that drives it off its own inbox.
package head

import (
	"time"

	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
)

// NodeId is a small integer, totally ordered, used both as a routing
// address and as the party index into HState.Vks.
type NodeId int

// SnapN is a monotone signed snapshot number; -1 means "no snapshot yet".
type SnapN int64

// UTxOSet is the set of spendable transaction outputs, keyed by the ref
// of the transaction that created them (every MockTx produces exactly
// one output, itself — see internal/txmodel).
type UTxOSet map[txmodel.TxRef]struct{}

func (s UTxOSet) Add(refs ...txmodel.TxRef) {
	for _, r := range refs {
		s[r] = struct{}{}
	}
}

func (s UTxOSet) Remove(refs ...txmodel.TxRef) {
	for _, r := range refs {
		delete(s, r)
	}
}

func (s UTxOSet) ContainsAll(refs []txmodel.TxRef) bool {
	for _, r := range refs {
		if _, ok := s[r]; !ok {
			return false
		}
	}
	return true
}

func (s UTxOSet) Clone() UTxOSet {
	out := make(UTxOSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s UTxOSet) Refs() []txmodel.TxRef {
	out := make([]txmodel.TxRef, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Equal reports whether s and o contain exactly the same refs.
func (s UTxOSet) Equal(o UTxOSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

// TxO is a node's local record of one transaction: who issued it, the
// refs it causally depends on, the per-party signatures collected so
// far, and the aggregate once confirmed.
type TxO struct {
	Issuer NodeId
	Tx     txmodel.Tx
	Deps   []txmodel.TxRef
	Sigs   map[NodeId]txmodel.Sig
	Agg    *txmodel.ASig
}

// Snap is a sealed snapshot: its number, the UTxO set at the moment it
// was sealed, the tx refs it newly confirms, the per-party signatures
// collected so far, and the aggregate once confirmed.
type Snap struct {
	N        SnapN
	Utxo     UTxOSet
	Included []txmodel.TxRef
	Sigs     map[NodeId]txmodel.Sig
	Agg      *txmodel.ASig
}

// HState is one party's view of the head protocol.
type HState struct {
	Sk         txmodel.SKey
	Vks        []txmodel.VKey
	AVKey      txmodel.AVKey
	PartyIndex NodeId

	SnapNSig  SnapN
	SnapNConf SnapN

	UtxoSig  UTxOSet
	UtxoConf UTxOSet

	SnapSig  Snap
	SnapConf Snap

	TxsSig  map[txmodel.TxRef]*TxO
	TxsConf map[txmodel.TxRef]*TxO
}

// NewHState builds the initial state for one party: no snapshots signed
// or confirmed yet, empty UTxO sets, empty tx maps.
func NewHState(partyIndex NodeId, sk txmodel.SKey, vks []txmodel.VKey) *HState {
	return &HState{
		Sk:         sk,
		Vks:        vks,
		AVKey:      txmodel.ComputeAVKey(vks),
		PartyIndex: partyIndex,
		SnapNSig:   -1,
		SnapNConf:  -1,
		UtxoSig:    UTxOSet{},
		UtxoConf:   UTxOSet{},
		SnapSig:    Snap{N: -1, Utxo: UTxOSet{}},
		SnapConf:   Snap{N: -1, Utxo: UTxOSet{}},
		TxsSig:     map[txmodel.TxRef]*TxO{},
		TxsConf:    map[txmodel.TxRef]*TxO{},
	}
}

// LeaderFunc is hcLeaderFun: a pure function from snapshot number to the
// party responsible for sealing it, n mod numParties.
func LeaderFunc(n SnapN, numParties int) NodeId {
	if numParties <= 0 {
		return 0
	}
	m := int64(n) % int64(numParties)
	if m < 0 {
		m += int64(numParties)
	}
	return NodeId(m)
}

// HeadProtocol is the marker interface for every message the head
// protocol exchanges.
type HeadProtocol interface{ isHeadProtocol() }

type NewTxEvt struct{ Tx txmodel.Tx }

func (NewTxEvt) isHeadProtocol() {}

type SigReqTxEvt struct {
	Tx     txmodel.Tx
	Issuer NodeId
}

func (SigReqTxEvt) isHeadProtocol() {}

type SigAckTxEvt struct {
	Ref    txmodel.TxRef
	Signer NodeId
	Sig    txmodel.Sig
}

func (SigAckTxEvt) isHeadProtocol() {}

type SigConfTxEvt struct {
	Ref txmodel.TxRef
	Agg txmodel.ASig
}

func (SigConfTxEvt) isHeadProtocol() {}

type NewSnEvt struct{}

func (NewSnEvt) isHeadProtocol() {}

type SigReqSnEvt struct {
	N   SnapN
	Txs []txmodel.TxRef
}

func (SigReqSnEvt) isHeadProtocol() {}

type SigAckSnEvt struct {
	N      SnapN
	Signer NodeId
	Sig    txmodel.Sig
}

func (SigAckSnEvt) isHeadProtocol() {}

type SigConfSnEvt struct {
	N   SnapN
	Agg txmodel.ASig
}

func (SigConfSnEvt) isHeadProtocol() {}

// DecisionKind is the head node transition function's tri-state result.
type DecisionKind int

const (
	DecInvalid DecisionKind = iota
	DecWait
	DecApply
)

// Outgoing is what a Decision::Apply dispatches after committing state.
type Outgoing interface{ isOutgoing() }

type SendNothing struct{}

func (SendNothing) isOutgoing() {}

type SendTo struct {
	To  NodeId
	Msg HeadProtocol
}

func (SendTo) isOutgoing() {}

type Multicast struct{ Msg HeadProtocol }

func (Multicast) isOutgoing() {}

// Decision is the transition function's result. For DecApply, the state
// mutation has already been applied directly to the HState passed in
// (the node's state is a single exclusive cell written only by its own
// handler task, per spec.md §5) rather than captured in a closure; Cost
// still reflects exactly the same virtual-time charge a closure-based
// "new_state: DelayedComp<HState>" would have carried.
type Decision struct {
	Kind     DecisionKind
	Cost     time.Duration
	Reason   string
	Trace    trace.Event
	Outgoing Outgoing
}

// CostMinStep is the floor charged on every Wait (and, for safety,
// every Invalid) decision, guaranteeing virtual time strictly advances
// on repeated retries even along a code path whose own guard check
// costs nothing to evaluate. It equals one MockTx validation.
const CostMinStep = txmodel.CostValidateMockTx

func atLeast(cost time.Duration) time.Duration {
	if cost < CostMinStep {
		return CostMinStep
	}
	return cost
}

// WireSize computes the byte size charged to a multiplexer when a
// HeadProtocol message crosses it. spec.md §6 fixes TxRefSize,
// SizeHeaderBytes, and ControlMsgSize exactly; sizes for the message
// shapes it doesn't name are derived from those constants plus the
// natural encoding of each payload (a signature/aggregate digest is 16
// bytes, a snapshot number is 8).
func WireSize(msg HeadProtocol) int {
	const sigSize = 16
	const snapNSize = 8

	switch m := msg.(type) {
	case NewTxEvt:
		return txmodel.SizeHeaderBytes + m.Tx.Size()
	case SigReqTxEvt:
		return txmodel.SizeHeaderBytes + m.Tx.Size()
	case SigAckTxEvt:
		return txmodel.TxRefSize + sigSize
	case SigConfTxEvt:
		return txmodel.TxRefSize + sigSize
	case NewSnEvt:
		return txmodel.ControlMsgSize
	case SigReqSnEvt:
		return snapNSize + len(m.Txs)*txmodel.TxRefSize
	case SigAckSnEvt:
		return snapNSize + sigSize
	case SigConfSnEvt:
		return snapNSize + sigSize
	default:
		return txmodel.ControlMsgSize
	}
}
