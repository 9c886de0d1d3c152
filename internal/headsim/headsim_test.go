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

package headsim

import (
	"testing"
	"time"

	"headtailsim/internal/head"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
)

func testConfig() Config {
	return Config{
		NumParties:  3,
		Seed:        1234,
		LinkLatency: 5 * time.Millisecond,
		WriteBps:    1_000_000,
		ReadBps:     1_000_000,
		BufferBytes: 1_000_000,
	}
}

// TestScenarioS1 is spec.md §8's S1: node 0 submits tx_a; after
// quiescence every node has tx_a confirmed with an aggregate signature
// and utxo_conf reflecting its outputs.
func TestScenarioS1(t *testing.T) {
	d := New(testConfig())
	tx := txmodel.NewMockTx(0, 1, 100, 64)
	d.SubmitTx(0, tx)
	d.Run()

	for id, n := range d.Nodes {
		st := n.State()
		txo, ok := st.TxsConf[tx.Ref()]
		if !ok {
			t.Fatalf("node %d: tx_a not in txs_conf", id)
		}
		if txo.Agg == nil {
			t.Fatalf("node %d: tx_a has no aggregate signature", id)
		}
		if !st.UtxoConf.ContainsAll(tx.Outputs()) {
			t.Fatalf("node %d: utxo_conf missing tx_a's outputs", id)
		}
	}
}

// TestScenarioS2 is spec.md §8's S2: after S1, inject NewSn at
// leader(0)=0. Expected: every node ends with snap_n_conf=0 and
// snap_conf.included={ref(tx_a)}.
func TestScenarioS2(t *testing.T) {
	d := New(testConfig())
	tx := txmodel.NewMockTx(0, 1, 100, 64)
	d.SubmitTx(0, tx)
	d.Run()

	leader := d.TriggerNewSn(0)
	if leader != 0 {
		t.Fatalf("leader(0) = %d, want 0", leader)
	}
	d.Run()

	for id, n := range d.Nodes {
		st := n.State()
		if st.SnapNConf != 0 {
			t.Fatalf("node %d: snap_n_conf = %d, want 0", id, st.SnapNConf)
		}
		if len(st.SnapConf.Included) != 1 || st.SnapConf.Included[0] != tx.Ref() {
			t.Fatalf("node %d: snap_conf.included = %v, want [%v]", id, st.SnapConf.Included, tx.Ref())
		}
	}
}

// TestDeterminism_SameSeedSameTrace is spec.md §8's S6 restricted to the
// head protocol: two runs built from the same Config and fed the same
// sequence of injected events produce identical ordered trace streams.
func TestDeterminism_SameSeedSameTrace(t *testing.T) {
	run := func() []trace.Record {
		d := New(testConfig())
		tx := txmodel.NewMockTx(0, 1, 100, 64)
		d.SubmitTx(0, tx)
		d.Run()
		d.TriggerNewSn(0)
		d.Run()
		return d.Rec.Records()
	}

	a := run()
	b := run()

	if len(a) != len(b) {
		t.Fatalf("record counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Thread != b[i].Thread || a[i].At != b[i].At {
			t.Fatalf("record %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestScenarioS1_NeverHitsInvalid(t *testing.T) {
	d := New(testConfig())
	tx := txmodel.NewMockTx(0, 1, 100, 64)
	d.SubmitTx(0, tx)
	d.Run()

	for _, r := range d.Rec.Records() {
		if inv, ok := r.Event.(trace.InvalidTransition); ok {
			t.Fatalf("unexpected Invalid transition: %+v", inv)
		}
	}
}

func TestNonLeaderNewSn_IsRejectedWithoutStallingTheRun(t *testing.T) {
	d := New(testConfig())
	d.Nodes[head.NodeId(1)].Deliver(head.NewSnEvt{})
	d.Run()

	found := false
	for _, r := range d.Rec.Records() {
		if inv, ok := r.Event.(trace.InvalidTransition); ok && inv.NodeId == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected node 1 to record an InvalidTransition for a non-leader NewSn")
	}
}
