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

package head

import (
	"strconv"

	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
)

// transition is the node's single state-transition function: (HState,
// HeadProtocol) -> Decision. For DecApply it mutates st directly — st is
// the caller's exclusive cell, written only from the node's own handler
// task, so there is no need to thread a copy-on-write HState through a
// closure for the cost to still land correctly in virtual time.
func transition(st *HState, ev HeadProtocol) Decision {
	switch e := ev.(type) {
	case NewTxEvt:
		return handleNewTx(st, e)
	case SigReqTxEvt:
		return handleSigReqTx(st, e)
	case SigAckTxEvt:
		return handleSigAckTx(st, e)
	case SigConfTxEvt:
		return handleSigConfTx(st, e)
	case NewSnEvt:
		return handleNewSn(st, e)
	case SigReqSnEvt:
		return handleSigReqSn(st, e)
	case SigAckSnEvt:
		return handleSigAckSn(st, e)
	case SigConfSnEvt:
		return handleSigConfSn(st, e)
	default:
		return Decision{Kind: DecInvalid, Cost: CostMinStep, Reason: "unknown head protocol event"}
	}
}

func applied(partyIndex NodeId, kind, ref string) trace.Event {
	return trace.AppliedTransition{NodeId: int(partyIndex), Kind: kind, Ref: ref}
}

// handleNewTx: a client asks this node to originate a new tx. Guard:
// validate(tx) holds and every input ref is already spendable locally.
// Effect: record the tx under txs_sig, move its outputs into utxo_sig.
// Outgoing: multicast SigReqTx so every party can start collecting its
// own signature.
func handleNewTx(st *HState, e NewTxEvt) Decision {
	vdc := e.Tx.Validate()
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "tx failed validation"}
	}
	if !st.UtxoSig.ContainsAll(e.Tx.Inputs()) {
		return Decision{Kind: DecWait, Cost: atLeast(vdc.Cost)}
	}
	ref := e.Tx.Ref()
	if _, exists := st.TxsSig[ref]; exists {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "tx already known"}
	}

	st.TxsSig[ref] = &TxO{
		Issuer: st.PartyIndex,
		Tx:     e.Tx,
		Deps:   append([]txmodel.TxRef{}, e.Tx.Inputs()...),
		Sigs:   map[NodeId]txmodel.Sig{},
	}
	st.UtxoSig.Add(e.Tx.Outputs()...)
	st.UtxoSig.Remove(e.Tx.Inputs()...)

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost),
		Trace:    applied(st.PartyIndex, "New", ref.String()),
		Outgoing: Multicast{Msg: SigReqTxEvt{Tx: e.Tx, Issuer: st.PartyIndex}},
	}
}

// handleSigReqTx: every party (including the issuer) receives this and
// contributes its own signature. Guard: same as New. Effect: ensure a
// local TxO exists, sign it. Outgoing: reply directly to the issuer.
func handleSigReqTx(st *HState, e SigReqTxEvt) Decision {
	vdc := e.Tx.Validate()
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "tx failed validation"}
	}
	if !st.UtxoSig.ContainsAll(e.Tx.Inputs()) {
		return Decision{Kind: DecWait, Cost: atLeast(vdc.Cost)}
	}

	ref := e.Tx.Ref()
	entry, exists := st.TxsSig[ref]
	if !exists {
		entry = &TxO{
			Issuer: e.Issuer,
			Tx:     e.Tx,
			Deps:   append([]txmodel.TxRef{}, e.Tx.Inputs()...),
			Sigs:   map[NodeId]txmodel.Sig{},
		}
		st.TxsSig[ref] = entry
		st.UtxoSig.Add(e.Tx.Outputs()...)
		st.UtxoSig.Remove(e.Tx.Inputs()...)
	}

	myVk := st.Vks[st.PartyIndex]
	sdc := txmodel.SignTx(myVk, ref)
	entry.Sigs[st.PartyIndex] = sdc.Value

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost + sdc.Cost),
		Trace:    applied(st.PartyIndex, "SigReqTx", ref.String()),
		Outgoing: SendTo{To: e.Issuer, Msg: SigAckTxEvt{Ref: ref, Signer: st.PartyIndex, Sig: sdc.Value}},
	}
}

// handleSigAckTx: only the issuer ever receives these. Guard: a local
// entry exists for Ref and the signature verifies under the signer's
// VKey. Effect: fold the signature in; once every party has signed,
// aggregate and multicast the confirmation.
func handleSigAckTx(st *HState, e SigAckTxEvt) Decision {
	entry, exists := st.TxsSig[e.Ref]
	if !exists {
		return Decision{Kind: DecWait, Cost: atLeast(0)}
	}
	if int(e.Signer) < 0 || int(e.Signer) >= len(st.Vks) {
		return Decision{Kind: DecInvalid, Cost: atLeast(0), Reason: "signer out of range"}
	}
	signerVk := st.Vks[e.Signer]
	vdc := txmodel.VerifyTx(e.Sig, signerVk, e.Ref)
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "bad tx signature"}
	}

	entry.Sigs[e.Signer] = e.Sig
	if len(entry.Sigs) < len(st.Vks) {
		return Decision{
			Kind:     DecApply,
			Cost:     atLeast(vdc.Cost),
			Trace:    applied(st.PartyIndex, "SigAckTx", e.Ref.String()),
			Outgoing: SendNothing{},
		}
	}

	adc := txmodel.AggregateTx(st.AVKey, e.Ref)
	agg := adc.Value
	entry.Agg = &agg

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost + adc.Cost),
		Trace:    applied(st.PartyIndex, "SigAckTx-aggregated", e.Ref.String()),
		Outgoing: Multicast{Msg: SigConfTxEvt{Ref: e.Ref, Agg: agg}},
	}
}

// handleSigConfTx: every party receives the confirmed aggregate. Guard:
// a local entry exists and the aggregate verifies under AVKey. Effect:
// move the tx from txs_sig/utxo_sig bookkeeping into the confirmed side.
func handleSigConfTx(st *HState, e SigConfTxEvt) Decision {
	entry, exists := st.TxsSig[e.Ref]
	if !exists {
		return Decision{Kind: DecWait, Cost: atLeast(0)}
	}
	vdc := txmodel.VerifyAggTx(e.Agg, st.AVKey, e.Ref)
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "bad aggregate tx signature"}
	}

	agg := e.Agg
	entry.Agg = &agg
	st.TxsConf[e.Ref] = entry
	st.UtxoConf.Add(entry.Tx.Outputs()...)
	st.UtxoConf.Remove(entry.Tx.Inputs()...)

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost),
		Trace:    applied(st.PartyIndex, "SigConfTx", e.Ref.String()),
		Outgoing: SendNothing{},
	}
}

// handleNewSn: only the designated leader for the next round may act on
// this. Guard: this node is hcLeaderFun(snap_n_sig+1), and every tx it
// has signed is already confirmed (no outstanding signing round). Effect:
// seal a candidate snapshot over every confirmed tx not yet included in
// the last confirmed snapshot, sign it locally. Outgoing: multicast the
// signing request.
func handleNewSn(st *HState, e NewSnEvt) Decision {
	n := st.SnapNSig + 1
	leader := LeaderFunc(n, len(st.Vks))
	if leader != st.PartyIndex {
		return Decision{Kind: DecInvalid, Cost: atLeast(0), Reason: "not the leader for this snapshot round"}
	}
	if hasUnconfirmedSig(st) {
		return Decision{Kind: DecWait, Cost: atLeast(CostMinStep)}
	}

	included := newlyConfirmed(st)
	utxo := st.UtxoConf.Refs()
	digest := txmodel.HashSnap(int64(n), utxo, included)
	myVk := st.Vks[st.PartyIndex]
	sdc := txmodel.SignSnap(myVk, digest)

	st.SnapNSig = n
	st.SnapSig = Snap{
		N:        n,
		Utxo:     st.UtxoConf.Clone(),
		Included: included,
		Sigs:     map[NodeId]txmodel.Sig{st.PartyIndex: sdc.Value},
	}

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(sdc.Cost),
		Trace:    applied(st.PartyIndex, "NewSn", fmtSnapN(n)),
		Outgoing: Multicast{Msg: SigReqSnEvt{N: n, Txs: included}},
	}
}

// hasUnconfirmedSig reports whether any tx this node has signed is still
// awaiting its confirmation aggregate. A snapshot confirmation sweeps
// its included refs out of TxsConf (see handleSigConfSn) but leaves the
// same *TxO entry in TxsSig, so entry.Agg != nil — not map membership —
// is what distinguishes a confirmed tx from one still mid-round.
func hasUnconfirmedSig(st *HState) bool {
	for _, entry := range st.TxsSig {
		if entry.Agg == nil {
			return true
		}
	}
	return false
}

// newlyConfirmed returns the confirmed tx refs that the last confirmed
// snapshot has not already sealed, in no particular order (HashSnap
// sorts before hashing, so caller-side ordering never matters).
func newlyConfirmed(st *HState) []txmodel.TxRef {
	seen := make(map[txmodel.TxRef]struct{}, len(st.SnapConf.Included))
	for _, ref := range st.SnapConf.Included {
		seen[ref] = struct{}{}
	}
	out := make([]txmodel.TxRef, 0, len(st.TxsConf))
	for ref := range st.TxsConf {
		if _, already := seen[ref]; !already {
			out = append(out, ref)
		}
	}
	return out
}

// handleSigReqSn: every party receives the leader's proposed round.
// Guard: it is exactly the next round this node expects, and it already
// has every included tx confirmed locally. Effect: seal the same
// candidate snapshot locally and sign it. Outgoing: reply to the leader.
func handleSigReqSn(st *HState, e SigReqSnEvt) Decision {
	wantN := st.SnapNSig + 1
	if e.N < wantN {
		return Decision{Kind: DecInvalid, Cost: atLeast(CostMinStep), Reason: "stale snapshot round"}
	}
	if e.N > wantN {
		return Decision{Kind: DecWait, Cost: atLeast(CostMinStep)}
	}
	for _, ref := range e.Txs {
		if _, ok := st.TxsConf[ref]; !ok {
			return Decision{Kind: DecWait, Cost: atLeast(CostMinStep)}
		}
	}

	utxo := st.UtxoConf.Refs()
	digest := txmodel.HashSnap(int64(e.N), utxo, e.Txs)
	myVk := st.Vks[st.PartyIndex]
	sdc := txmodel.SignSnap(myVk, digest)

	st.SnapNSig = e.N
	st.SnapSig = Snap{
		N:        e.N,
		Utxo:     st.UtxoConf.Clone(),
		Included: append([]txmodel.TxRef{}, e.Txs...),
		Sigs:     map[NodeId]txmodel.Sig{st.PartyIndex: sdc.Value},
	}

	leader := LeaderFunc(e.N, len(st.Vks))
	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(sdc.Cost),
		Trace:    applied(st.PartyIndex, "SigReqSn", fmtSnapN(e.N)),
		Outgoing: SendTo{To: leader, Msg: SigAckSnEvt{N: e.N, Signer: st.PartyIndex, Sig: sdc.Value}},
	}
}

// handleSigAckSn: only the round's leader receives these. Guard: it
// matches the locally-sealed candidate and verifies under the signer's
// VKey. Effect: fold the signature in; once complete, aggregate and
// multicast the confirmation.
func handleSigAckSn(st *HState, e SigAckSnEvt) Decision {
	if st.SnapSig.N != e.N {
		return Decision{Kind: DecWait, Cost: atLeast(CostMinStep)}
	}
	if int(e.Signer) < 0 || int(e.Signer) >= len(st.Vks) {
		return Decision{Kind: DecInvalid, Cost: atLeast(0), Reason: "signer out of range"}
	}

	digest := txmodel.HashSnap(int64(e.N), st.SnapSig.Utxo.Refs(), st.SnapSig.Included)
	signerVk := st.Vks[e.Signer]
	vdc := txmodel.VerifySnap(e.Sig, signerVk, digest)
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "bad snapshot signature"}
	}

	st.SnapSig.Sigs[e.Signer] = e.Sig
	if len(st.SnapSig.Sigs) < len(st.Vks) {
		return Decision{
			Kind:     DecApply,
			Cost:     atLeast(vdc.Cost),
			Trace:    applied(st.PartyIndex, "SigAckSn", fmtSnapN(e.N)),
			Outgoing: SendNothing{},
		}
	}

	adc := txmodel.AggregateSnap(st.AVKey, digest)
	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost + adc.Cost),
		Trace:    applied(st.PartyIndex, "SigAckSn-aggregated", fmtSnapN(e.N)),
		Outgoing: Multicast{Msg: SigConfSnEvt{N: e.N, Agg: adc.Value}},
	}
}

// handleSigConfSn: every party receives the confirmed snapshot aggregate.
// Guard: it is exactly the next round this node expects to confirm, it
// matches the locally-sealed candidate, and the aggregate verifies.
// Effect: promote the candidate to snap_conf, drop the txs it now covers
// from the pending-confirmed bookkeeping.
func handleSigConfSn(st *HState, e SigConfSnEvt) Decision {
	wantN := st.SnapNConf + 1
	if e.N < wantN {
		return Decision{Kind: DecInvalid, Cost: atLeast(CostMinStep), Reason: "stale snapshot confirmation"}
	}
	if e.N > wantN || st.SnapSig.N != e.N {
		return Decision{Kind: DecWait, Cost: atLeast(CostMinStep)}
	}

	digest := txmodel.HashSnap(int64(e.N), st.SnapSig.Utxo.Refs(), st.SnapSig.Included)
	vdc := txmodel.VerifyAggSnap(e.Agg, st.AVKey, digest)
	if !vdc.Value {
		return Decision{Kind: DecInvalid, Cost: atLeast(vdc.Cost), Reason: "bad aggregate snapshot signature"}
	}

	agg := e.Agg
	st.SnapConf = st.SnapSig
	st.SnapConf.Agg = &agg
	st.SnapNConf = e.N
	for _, ref := range st.SnapConf.Included {
		delete(st.TxsConf, ref)
	}

	return Decision{
		Kind:     DecApply,
		Cost:     atLeast(vdc.Cost),
		Trace:    applied(st.PartyIndex, "SigConfSn", fmtSnapN(e.N)),
		Outgoing: SendNothing{},
	}
}

func fmtSnapN(n SnapN) string { return strconv.FormatInt(int64(n), 10) }
