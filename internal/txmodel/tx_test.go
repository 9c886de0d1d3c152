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

package txmodel

import "testing"

func TestMockTx_RefDeterministicOnInputs(t *testing.T) {
	a := NewMockTx(1, 10, 500, 256)
	b := NewMockTx(1, 10, 500, 256)
	if a.Ref() != b.Ref() {
		t.Fatalf("same (origin,slot,amount) must yield the same ref")
	}
	c := NewMockTx(1, 10, 501, 256)
	if a.Ref() == c.Ref() {
		t.Fatalf("different amount must yield a different ref")
	}
}

func TestMockTx_MintSemantics(t *testing.T) {
	tx := NewMockTx(2, 0, 10, 64)
	if len(tx.Inputs()) != 0 {
		t.Fatalf("MockTx must consume no inputs")
	}
	outs := tx.Outputs()
	if len(outs) != 1 || outs[0] != tx.Ref() {
		t.Fatalf("MockTx must produce exactly one output, itself")
	}
}

func TestMockTx_ValidateChargesCost(t *testing.T) {
	tx := NewMockTx(1, 0, 1, 32)
	dc := tx.Validate()
	if !dc.Value {
		t.Fatalf("MockTx.Validate() must always hold")
	}
	if dc.Cost != CostValidateMockTx {
		t.Fatalf("Validate cost = %v, want %v", dc.Cost, CostValidateMockTx)
	}
}

func TestMockTx_Less_TotalOrder(t *testing.T) {
	txs := []Tx{
		NewMockTx(1, 0, 1, 1),
		NewMockTx(2, 0, 1, 1),
		NewMockTx(3, 0, 1, 1),
	}
	// Less must be irreflexive and consistent both ways.
	for i := range txs {
		if txs[i].Less(txs[i]) {
			t.Fatalf("Less must be irreflexive")
		}
		for j := range txs {
			if i == j {
				continue
			}
			if txs[i].Less(txs[j]) == txs[j].Less(txs[i]) {
				t.Fatalf("Less must be antisymmetric for distinct refs")
			}
		}
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	_, vk := GenKey(42, 0)
	ref := NewMockTx(1, 0, 5, 8).Ref()

	sig := SignDigest(vk, [32]byte(ref))
	if !VerifyDigest(sig, vk, [32]byte(ref)) {
		t.Fatalf("VerifyDigest must accept a signature produced by SignDigest for the same inputs")
	}

	_, otherVk := GenKey(42, 1)
	if VerifyDigest(sig, otherVk, [32]byte(ref)) {
		t.Fatalf("VerifyDigest must reject a signature checked under the wrong VKey")
	}
}

func TestAggregate_RoundTrip(t *testing.T) {
	_, vk0 := GenKey(7, 0)
	_, vk1 := GenKey(7, 1)
	avk := ComputeAVKey([]VKey{vk0, vk1})

	ref := NewMockTx(9, 3, 70, 16).Ref()
	agg := AggregateDigest(avk, [32]byte(ref))
	if !VerifyAggDigest(agg, avk, [32]byte(ref)) {
		t.Fatalf("VerifyAggDigest must accept an aggregate produced for the same AVKey/digest")
	}

	otherAvk := ComputeAVKey([]VKey{vk1, vk0})
	if VerifyAggDigest(agg, otherAvk, [32]byte(ref)) {
		t.Fatalf("aggregate verification key order must matter (two nodes must agree on party order)")
	}
}

func TestHashSnap_OrderIndependent(t *testing.T) {
	r1 := NewMockTx(1, 0, 1, 1).Ref()
	r2 := NewMockTx(2, 0, 1, 1).Ref()

	d1 := HashSnap(0, []TxRef{r1, r2}, []TxRef{r1})
	d2 := HashSnap(0, []TxRef{r2, r1}, []TxRef{r1})
	if d1 != d2 {
		t.Fatalf("HashSnap must not depend on caller's slice ordering")
	}

	d3 := HashSnap(1, []TxRef{r1, r2}, []TxRef{r1})
	if d1 == d3 {
		t.Fatalf("different snapshot numbers must yield different digests")
	}
}

func TestSignSnap_RoundTrip(t *testing.T) {
	_, vk := GenKey(1, 0)
	digest := HashSnap(0, nil, nil)
	dc := SignSnap(vk, digest)
	if dc.Cost != CostSignSnap {
		t.Fatalf("SignSnap cost = %v, want %v", dc.Cost, CostSignSnap)
	}
	verify := VerifySnap(dc.Value, vk, digest)
	if !verify.Value {
		t.Fatalf("VerifySnap must accept a SignSnap signature for the same inputs")
	}
}
