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
	"testing"

	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
	"headtailsim/pkg/vclock"
)

// directSender delivers synchronously with no modelled network cost —
// a test double standing in for internal/headsim's real multiplexer-
// backed Sender, exercising only Node/inbox wiring.
type directSender struct {
	from  NodeId
	nodes map[NodeId]*Node
}

func (s *directSender) SendTo(t *vclock.Task, to NodeId, msg HeadProtocol) {
	s.nodes[to].Deliver(msg)
}

func (s *directSender) Multicast(t *vclock.Task, msg HeadProtocol) {
	for id, n := range s.nodes {
		if id == s.from {
			continue
		}
		n.Deliver(msg)
	}
	s.nodes[s.from].Deliver(msg)
}

func TestNode_EndToEndTxConfirmation(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	states := newStates(99)

	nodes := map[NodeId]*Node{}
	for _, st := range states {
		nodes[st.PartyIndex] = NewNode(st.PartyIndex, sched, rec, st)
	}
	senders := map[NodeId]*directSender{}
	for id := range nodes {
		senders[id] = &directSender{from: id, nodes: nodes}
	}
	for id, n := range nodes {
		n, sender := n, senders[id]
		sched.Spawn(n.Label(), func(task *vclock.Task) {
			n.Run(task, sender)
		})
	}

	tx := txmodel.NewMockTx(0, 1, 100, 64)
	nodes[0].Deliver(NewTxEvt{Tx: tx})

	sched.Run()

	for id, n := range nodes {
		st := n.State()
		if _, ok := st.TxsConf[tx.Ref()]; !ok {
			t.Fatalf("node %d never confirmed the tx", id)
		}
		if !st.UtxoConf.ContainsAll(tx.Outputs()) {
			t.Fatalf("node %d utxo_conf missing the tx's outputs", id)
		}
	}

	sawInvalid := false
	for _, r := range rec.Records() {
		if _, ok := r.Event.(trace.InvalidTransition); ok {
			sawInvalid = true
		}
	}
	if sawInvalid {
		t.Fatalf("a well-formed 3-party tx flow should never hit Decision::Invalid")
	}
}

func TestNode_SnapshotRoundEndToEnd(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	states := newStates(123)

	nodes := map[NodeId]*Node{}
	for _, st := range states {
		nodes[st.PartyIndex] = NewNode(st.PartyIndex, sched, rec, st)
	}
	senders := map[NodeId]*directSender{}
	for id := range nodes {
		senders[id] = &directSender{from: id, nodes: nodes}
	}
	for id, n := range nodes {
		n, sender := n, senders[id]
		sched.Spawn(n.Label(), func(task *vclock.Task) {
			n.Run(task, sender)
		})
	}

	tx := txmodel.NewMockTx(0, 1, 100, 64)
	nodes[0].Deliver(NewTxEvt{Tx: tx})
	sched.Run()

	leader := LeaderFunc(0, len(states))
	nodes[leader].Deliver(NewSnEvt{})
	sched.Run()

	for id, n := range nodes {
		st := n.State()
		if st.SnapNConf != 0 {
			t.Fatalf("node %d SnapNConf = %d, want 0", id, st.SnapNConf)
		}
		if _, pending := st.TxsConf[tx.Ref()]; pending {
			t.Fatalf("node %d still lists the sealed tx as pending confirmation", id)
		}
		found := false
		for _, ref := range st.SnapConf.Included {
			if ref == tx.Ref() {
				found = true
			}
		}
		if !found {
			t.Fatalf("node %d confirmed snapshot does not include the tx", id)
		}
	}
}
