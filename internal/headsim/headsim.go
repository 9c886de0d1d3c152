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

// Package headsim is the driver that wires a set of internal/head nodes
// into a fully-meshed network of internal/netsim links and runs them to
// quiescence.
package headsim

import (
	"fmt"
	"time"

	"headtailsim/internal/head"
	"headtailsim/internal/netsim"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
	"headtailsim/pkg/vclock"
)

// Driver owns every node, every pairwise link, and the scheduler that
// drives them. Built once per simulation run.
type Driver struct {
	Sched *vclock.Scheduler
	Rec   *trace.Recorder
	Nodes map[head.NodeId]*head.Node

	// links[i][j] is node i's own endpoint for talking to node j.
	links map[head.NodeId]map[head.NodeId]*netsim.Multiplexer
}

// Config bundles the parameters needed to build a head-protocol run.
type Config struct {
	NumParties  int
	Seed        uint64
	LinkLatency time.Duration
	WriteBps    float64
	ReadBps     float64
	BufferBytes int64
}

// New builds a Driver with NumParties nodes, a complete mesh of
// bandwidth- and latency-modelled links between every pair, and spawns
// every node's and every link's cooperative task. The scheduler has not
// been run yet; callers seed initial events (SubmitTx, TriggerNewSn)
// before calling Run.
func New(cfg Config) *Driver {
	sched := vclock.New()
	rec := trace.NewRecorder()

	vks := make([]txmodel.VKey, cfg.NumParties)
	sks := make([]txmodel.SKey, cfg.NumParties)
	for i := 0; i < cfg.NumParties; i++ {
		sks[i], vks[i] = txmodel.GenKey(cfg.Seed, i)
	}

	nodes := map[head.NodeId]*head.Node{}
	for i := 0; i < cfg.NumParties; i++ {
		id := head.NodeId(i)
		st := head.NewHState(id, sks[i], vks)
		nodes[id] = head.NewNode(id, sched, rec, st)
	}

	links := map[head.NodeId]map[head.NodeId]*netsim.Multiplexer{}
	for i := 0; i < cfg.NumParties; i++ {
		links[head.NodeId(i)] = map[head.NodeId]*netsim.Multiplexer{}
	}
	for i := 0; i < cfg.NumParties; i++ {
		for j := i + 1; j < cfg.NumParties; j++ {
			ni, nj := head.NodeId(i), head.NodeId(j)
			mxI := netsim.New(fmt.Sprintf("head:%d->%d", i, j), sched, rec, cfg.BufferBytes, cfg.WriteBps, cfg.ReadBps)
			mxJ := netsim.New(fmt.Sprintf("head:%d->%d", j, i), sched, rec, cfg.BufferBytes, cfg.WriteBps, cfg.ReadBps)
			netsim.Connect(mxI, mxJ, cfg.LinkLatency, cfg.LinkLatency)
			links[ni][nj] = mxI
			links[nj][ni] = mxJ
		}
	}

	d := &Driver{Sched: sched, Rec: rec, Nodes: nodes, links: links}

	// One relay task per directed (recipient, sender) pair: pull
	// whatever the link delivers and hand it to the recipient's own
	// inbox. This is the only place a raw `any` crosses back into a
	// typed HeadProtocol value.
	for i := 0; i < cfg.NumParties; i++ {
		id := head.NodeId(i)
		for j := 0; j < cfg.NumParties; j++ {
			if j == i {
				continue
			}
			peer := head.NodeId(j)
			mx := links[id][peer]
			node := nodes[id]
			sched.Spawn(fmt.Sprintf("relay:%d<-%d", i, j), func(t *vclock.Task) {
				for {
					msg, _ := mx.Recv(t)
					node.Deliver(msg.(head.HeadProtocol))
				}
			})
		}
	}

	for i := 0; i < cfg.NumParties; i++ {
		id := head.NodeId(i)
		n := nodes[id]
		peers := make([]head.NodeId, 0, cfg.NumParties-1)
		for j := 0; j < cfg.NumParties; j++ {
			if j != i {
				peers = append(peers, head.NodeId(j))
			}
		}
		sender := &meshSender{self: n, links: links[id], peers: peers}
		sched.Spawn(n.Label(), func(t *vclock.Task) {
			n.Run(t, sender)
		})
	}

	return d
}

// meshSender routes one node's outgoing HeadProtocol traffic over its
// real links, except delivery to itself (part of every Multicast, since
// the transition table has the issuing party process its own SigReqTx/
// SigConfTx exactly like every other party), which is applied directly
// with no bandwidth or latency charge — a node doesn't traverse its own
// network interface to reach itself.
type meshSender struct {
	self  *head.Node
	links map[head.NodeId]*netsim.Multiplexer
	peers []head.NodeId
}

func (s *meshSender) SendTo(t *vclock.Task, to head.NodeId, msg head.HeadProtocol) {
	if to == s.self.ID() {
		s.self.Deliver(msg)
		return
	}
	s.links[to].Send(t, msg, head.WireSize(msg))
}

func (s *meshSender) Multicast(t *vclock.Task, msg head.HeadProtocol) {
	size := head.WireSize(msg)
	for _, p := range s.peers {
		s.links[p].Send(t, msg, size)
	}
	s.self.Deliver(msg)
}

// SubmitTx injects NewTx at the given originating node.
func (d *Driver) SubmitTx(origin head.NodeId, tx txmodel.Tx) {
	d.Nodes[origin].Deliver(head.NewTxEvt{Tx: tx})
}

// TriggerNewSn computes the leader for the next snapshot round (as seen
// from askNodeID's local state — every honest node agrees once it is
// caught up) and injects NewSn there, returning which node it picked.
func (d *Driver) TriggerNewSn(askNodeID head.NodeId) head.NodeId {
	st := d.Nodes[askNodeID].State()
	leader := head.LeaderFunc(st.SnapNSig+1, len(d.Nodes))
	d.Nodes[leader].Deliver(head.NewSnEvt{})
	return leader
}

// Run drives the scheduler to quiescence.
func (d *Driver) Run() { d.Sched.Run() }

// nodeSnapshot is one node's reported state for internal/introspect.
type nodeSnapshot struct {
	NodeID         head.NodeId `json:"nodeId"`
	SnapNSigned    head.SnapN  `json:"snapNSigned"`
	SnapNConfirmed head.SnapN  `json:"snapNConfirmed"`
	TxsSigned      int         `json:"txsSigned"`
	TxsConfirmed   int         `json:"txsConfirmed"`
}

// State implements internal/introspect.StateProvider: a per-node
// summary of snapshot and tx-confirmation progress so far.
func (d *Driver) State() any {
	out := make([]nodeSnapshot, 0, len(d.Nodes))
	for id, n := range d.Nodes {
		st := n.State()
		out = append(out, nodeSnapshot{
			NodeID:         id,
			SnapNSigned:    st.SnapNSig,
			SnapNConfirmed: st.SnapNConf,
			TxsSigned:      len(st.TxsSig),
			TxsConfirmed:   len(st.TxsConf),
		})
	}
	return out
}
