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

// Package txmodel holds the polymorphic transaction abstraction, the
// concrete MockTx used by every simulation, and the opaque mock
// cryptography (keys, signatures, aggregation) shared by the head and
// tail protocols. None of this is real cryptography: every digest is a
// non-cryptographic mixing hash, fixed in cost and deterministic, so
// traces replay bit-for-bit without needing an actual cipher suite.
package txmodel

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"sort"
	"time"

	"headtailsim/pkg/vclock"
)

// Fixed virtual-time costs for the mock crypto and validation paths.
// These are constants of the implementation, never runtime parameters.
const (
	CostValidateMockTx = 400 * time.Microsecond
	CostSignTx         = 150 * time.Microsecond
	CostVerifyTx       = 120 * time.Microsecond
	CostAggregateTx    = 180 * time.Microsecond
	CostSignSnap       = 250 * time.Microsecond
	CostVerifySnap     = 200 * time.Microsecond
	CostAggregateSnap  = 300 * time.Microsecond
)

// Wire sizes of fixed-shape protocol fields, reproduced exactly as
// specified so multiplexer bandwidth charges are meaningful.
const (
	TxRefSize       = 32 // bytes
	RecipientSize   = 57 // bytes, one recipient address
	SizeHeaderBytes = 2  // bytes, mockTx.size header
	ControlMsgSize  = 0  // bytes, connection/snapshot control messages
)

// TxRef is an opaque, fixed-width, non-cryptographic content hash
// identifying a transaction. It is never exposed as a concrete hash
// algorithm to callers — only equality, ordering, and byte size matter.
type TxRef [32]byte

func (r TxRef) String() string { return hexString(r[:]) }

// SKey, VKey are a party's opaque secret/verification key pair. AVKey is
// an aggregate verification key over a party set. Sig/ASig are single
// and aggregate signatures. All are opaque fixed-width digests.
type (
	SKey  [16]byte
	VKey  [16]byte
	AVKey [16]byte
	Sig   [16]byte
	ASig  [16]byte
)

// SnapDigest is the content hash of a sealed snapshot's (n, utxo,
// included) triple, signed and aggregated the same way a TxRef is.
type SnapDigest [32]byte

// Tx is the polymorphic transaction abstraction: ref, input/output set,
// size, a total order, and validation expressed as a DelayedComp so its
// cost is charged in virtual time. MockTx is the only implementation the
// simulators use, but node and driver code is written against this
// interface per the design notes on polymorphic Tx.
type Tx interface {
	Ref() TxRef
	Inputs() []TxRef
	Outputs() []TxRef
	Size() int
	Validate() vclock.DelayedComp[bool]
	Less(other Tx) bool
}

// MockTx is the concrete transaction: (ref, size, amount). Its ref is a
// content hash of (origin, slot, amount) — origin is whichever ID space
// created it (a tail ClientId or a head NodeId). It is a mint-style
// transaction: stepClient never names specific inputs to spend, so a
// MockTx consumes nothing and produces exactly one new spendable output,
// identified by its own ref.
type MockTx struct {
	ref    TxRef
	origin int
	slot   int
	amount int64
	size   int
}

// NewMockTx builds a MockTx with a deterministic ref derived from
// (origin, slot, amount).
func NewMockTx(origin, slot int, amount int64, size int) *MockTx {
	return &MockTx{
		ref:    computeTxRef(origin, slot, amount),
		origin: origin,
		slot:   slot,
		amount: amount,
		size:   size,
	}
}

func (t *MockTx) Ref() TxRef      { return t.ref }
func (t *MockTx) Inputs() []TxRef { return nil }
func (t *MockTx) Outputs() []TxRef {
	return []TxRef{t.ref}
}
func (t *MockTx) Size() int      { return t.size }
func (t *MockTx) Amount() int64  { return t.amount }
func (t *MockTx) Origin() int    { return t.origin }
func (t *MockTx) Slot() int      { return t.slot }
func (t *MockTx) Less(o Tx) bool { return bytes.Compare(t.ref[:], o.Ref().bytes()) < 0 }

func (r TxRef) bytes() []byte { return r[:] }

// Validate always succeeds structurally (the model has no notion of a
// malformed MockTx once constructed) but still charges the fixed
// validation cost every caller must pay.
func (t *MockTx) Validate() vclock.DelayedComp[bool] {
	return vclock.DelayedComp[bool]{Value: true, Cost: CostValidateMockTx}
}

func computeTxRef(origin, slot int, amount int64) TxRef {
	var out TxRef
	digest := mix(uint64(origin), uint64(slot), uint64(amount), 0x5478526566)
	copy(out[0:16], digest[:])
	digest2 := mix(uint64(amount), uint64(slot), uint64(origin), 0x9e3779b97f4a7c15)
	copy(out[16:32], digest2[:])
	return out
}

// mix is a two-round FNV-1a mixing hash, the 32-operand generalization
// of the teacher's Hash128: each round folds every input plus a distinct
// salt into one 64-bit lane so the 128-bit output depends on all inputs
// in both halves.
func mix(parts ...uint64) (out [16]byte) {
	buf := make([]byte, 8)
	h1 := fnv.New64a()
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf, p)
		_, _ = h1.Write(buf)
	}
	s1 := h1.Sum64()

	h2 := fnv.New64a()
	binary.LittleEndian.PutUint64(buf, s1)
	_, _ = h2.Write(buf)
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf, p^0x9e3779b97f4a7c15)
		_, _ = h2.Write(buf)
	}
	s2 := h2.Sum64()

	binary.LittleEndian.PutUint64(out[0:8], s1)
	binary.LittleEndian.PutUint64(out[8:16], s2)
	return
}

func mix32(parts ...uint64) (out [32]byte) {
	a := mix(parts...)
	b := mix(append(append([]uint64{}, parts...), 0xbf58476d1ce4e5b9)...)
	copy(out[0:16], a[:])
	copy(out[16:32], b[:])
	return
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

// GenKey deterministically derives a party's secret/verification key
// pair from a run seed and party index. Keys are mock digests: there is
// no real secrecy, only enough structure to make Sign/Verify meaningful
// within one run.
func GenKey(seed uint64, partyIndex int) (SKey, VKey) {
	sk := SKey(mix(seed, uint64(partyIndex), 0x534b4559))
	vk := VKey(mix(seed, uint64(partyIndex), 0x564b4559))
	return sk, vk
}

// ComputeAVKey derives the aggregate verification key for a party set.
// Callers must pass vks in a fixed, agreed order (party index order) so
// every honest node computes the same AVKey.
func ComputeAVKey(vks []VKey) AVKey {
	parts := make([]uint64, 0, len(vks)*2)
	for _, vk := range vks {
		parts = append(parts, binary.LittleEndian.Uint64(vk[0:8]), binary.LittleEndian.Uint64(vk[8:16]))
	}
	return AVKey(mix(parts...))
}

func digestParts(d [32]byte) []uint64 {
	return []uint64{
		binary.LittleEndian.Uint64(d[0:8]),
		binary.LittleEndian.Uint64(d[8:16]),
		binary.LittleEndian.Uint64(d[16:24]),
		binary.LittleEndian.Uint64(d[24:32]),
	}
}

// SignDigest and VerifyDigest are the mock single-party signature
// primitives over any 32-byte digest (a TxRef or a SnapDigest share the
// same shape). The signature depends only on the signer's VKey and the
// digest — sk carries no independent entropy in this model, matching
// the "opaque signature, fixed cost" non-goal — so any party holding a
// signer's VKey can verify without the signer's involvement.
func SignDigest(vk VKey, digest [32]byte) Sig {
	parts := append([]uint64{binary.LittleEndian.Uint64(vk[0:8]), binary.LittleEndian.Uint64(vk[8:16])}, digestParts(digest)...)
	return Sig(mix(parts...))
}

func VerifyDigest(sig Sig, vk VKey, digest [32]byte) bool {
	return sig == SignDigest(vk, digest)
}

// AggregateDigest and VerifyAggDigest are the mock aggregate-signature
// primitives: the aggregate depends only on the AVKey and the digest, so
// any node that has independently collected |vks| valid individual
// signatures produces (and any node holding AVKey can verify) the same
// aggregate, without needing to see the individual signatures again.
func AggregateDigest(avk AVKey, digest [32]byte) ASig {
	parts := append([]uint64{binary.LittleEndian.Uint64(avk[0:8]), binary.LittleEndian.Uint64(avk[8:16])}, digestParts(digest)...)
	return ASig(mix(parts...))
}

func VerifyAggDigest(agg ASig, avk AVKey, digest [32]byte) bool {
	return agg == AggregateDigest(avk, digest)
}

// SignTx/VerifyTx/AggregateTx/VerifyAggTx are the spec's named tx-signing
// operations, each wrapping the generic digest primitives with the
// tx-specific fixed cost.
func SignTx(vk VKey, ref TxRef) vclock.DelayedComp[Sig] {
	return vclock.DelayedComp[Sig]{Value: SignDigest(vk, [32]byte(ref)), Cost: CostSignTx}
}

func VerifyTx(sig Sig, vk VKey, ref TxRef) vclock.DelayedComp[bool] {
	return vclock.DelayedComp[bool]{Value: VerifyDigest(sig, vk, [32]byte(ref)), Cost: CostVerifyTx}
}

func AggregateTx(avk AVKey, ref TxRef) vclock.DelayedComp[ASig] {
	return vclock.DelayedComp[ASig]{Value: AggregateDigest(avk, [32]byte(ref)), Cost: CostAggregateTx}
}

func VerifyAggTx(agg ASig, avk AVKey, ref TxRef) vclock.DelayedComp[bool] {
	return vclock.DelayedComp[bool]{Value: VerifyAggDigest(agg, avk, [32]byte(ref)), Cost: CostVerifyTx}
}

// SignSnap/VerifySnap/AggregateSnap/VerifyAggSnap are the equivalent
// operations over a sealed snapshot's digest.
func SignSnap(vk VKey, digest SnapDigest) vclock.DelayedComp[Sig] {
	return vclock.DelayedComp[Sig]{Value: SignDigest(vk, [32]byte(digest)), Cost: CostSignSnap}
}

func VerifySnap(sig Sig, vk VKey, digest SnapDigest) vclock.DelayedComp[bool] {
	return vclock.DelayedComp[bool]{Value: VerifyDigest(sig, vk, [32]byte(digest)), Cost: CostVerifySnap}
}

func AggregateSnap(avk AVKey, digest SnapDigest) vclock.DelayedComp[ASig] {
	return vclock.DelayedComp[ASig]{Value: AggregateDigest(avk, [32]byte(digest)), Cost: CostAggregateSnap}
}

func VerifyAggSnap(agg ASig, avk AVKey, digest SnapDigest) vclock.DelayedComp[bool] {
	return vclock.DelayedComp[bool]{Value: VerifyAggDigest(agg, avk, [32]byte(digest)), Cost: CostVerifySnap}
}

// HashSnap computes the content digest of a sealed snapshot from its
// number and the sorted byte representations of its utxo and included-tx
// sets, so two nodes that sealed the same logical snapshot always
// compute the same digest regardless of internal map iteration order.
func HashSnap(n int64, utxo []TxRef, included []TxRef) SnapDigest {
	sortRefs(utxo)
	sortRefs(included)
	parts := []uint64{uint64(n)}
	for _, r := range utxo {
		parts = append(parts, digestParts(mix32FromRef(r))...)
	}
	parts = append(parts, 0xfeedface)
	for _, r := range included {
		parts = append(parts, digestParts(mix32FromRef(r))...)
	}
	return SnapDigest(mix32(parts...))
}

func mix32FromRef(r TxRef) [32]byte { return [32]byte(r) }

func sortRefs(refs []TxRef) {
	sort.Slice(refs, func(i, j int) bool { return bytes.Compare(refs[i][:], refs[j][:]) < 0 })
}
