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
	"container/list"
	"fmt"
	"sync"

	"headtailsim/internal/trace"
	"headtailsim/pkg/vclock"
)

// Sender dispatches a node's outgoing messages. It is implemented by the
// driver (internal/headsim), which owns the registry of per-pair
// multiplexers — a Node never holds a reference to another Node or to a
// multiplexer directly, only to this narrow interface.
type Sender interface {
	SendTo(t *vclock.Task, to NodeId, msg HeadProtocol)
	Multicast(t *vclock.Task, msg HeadProtocol)
}

// Node wraps one party's HState with its own FIFO inbox and the loop
// that drives transition against it. The state is a single exclusive
// cell: only this Node's own task, while holding the scheduler's token,
// ever reads or writes it.
type Node struct {
	id    NodeId
	sched *vclock.Scheduler
	rec   *trace.Recorder

	stateMu sync.Mutex
	state   *HState

	inboxMu sync.Mutex
	inbox   *list.List
	waiter  *vclock.Task
}

// NewNode builds a Node around an already-initialized HState.
func NewNode(id NodeId, sched *vclock.Scheduler, rec *trace.Recorder, state *HState) *Node {
	return &Node{
		id:    id,
		sched: sched,
		rec:   rec,
		state: state,
		inbox: list.New(),
	}
}

func (n *Node) ID() NodeId { return n.id }

func (n *Node) Label() string { return fmt.Sprintf("head-node:%d", n.id) }

// State returns the node's live HState. Only safe to read once the
// simulation has reached quiescence (no task still holds the token).
func (n *Node) State() *HState {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

// Deliver appends ev to the node's inbox and wakes its task if it was
// parked waiting on an empty inbox. Called both by relay tasks handing
// off inbound network traffic and by a driver seeding an initial event
// (e.g. a client's NewTx, or NewSn at the round's leader).
func (n *Node) Deliver(ev HeadProtocol) {
	n.inboxMu.Lock()
	n.inbox.PushBack(ev)
	w := n.waiter
	n.waiter = nil
	n.inboxMu.Unlock()

	if w != nil {
		n.sched.WakeNow(w)
	}
}

// requeue appends ev to the tail of the inbox exactly like Deliver —
// Decision::Wait means "try again after everything else ahead of it",
// which in a FIFO inbox is simply re-enqueueing behind whatever else is
// already waiting.
func (n *Node) requeue(ev HeadProtocol) { n.Deliver(ev) }

func (n *Node) popFront(t *vclock.Task) HeadProtocol {
	for {
		n.inboxMu.Lock()
		if front := n.inbox.Front(); front != nil {
			n.inbox.Remove(front)
			n.inboxMu.Unlock()
			return front.Value.(HeadProtocol)
		}
		n.waiter = t
		n.inboxMu.Unlock()
		t.Park()
	}
}

// Run is the node's main loop: pop the next inbox event, run it through
// transition, charge its cost, and act on the decision. It never
// returns — once the inbox permanently drains the task parks forever,
// which is fine: Scheduler.Run only needs the wake-up heap to empty, not
// every task to exit.
func (n *Node) Run(t *vclock.Task, sender Sender) {
	for {
		ev := n.popFront(t)

		n.stateMu.Lock()
		dec := transition(n.state, ev)
		n.stateMu.Unlock()

		t.Delay(dec.Cost)

		switch dec.Kind {
		case DecInvalid:
			n.rec.Record(n.Label(), t.Now(), trace.InvalidTransition{NodeId: int(n.id), Reason: dec.Reason})
		case DecWait:
			n.requeue(ev)
		case DecApply:
			if dec.Trace != nil {
				n.rec.Record(n.Label(), t.Now(), dec.Trace)
			}
			switch o := dec.Outgoing.(type) {
			case SendNothing:
			case SendTo:
				sender.SendTo(t, o.To, o.Msg)
			case Multicast:
				sender.Multicast(t, o.Msg)
			}
		}
	}
}
