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

// Package client is the tail protocol's client side: two concurrent
// tasks per client sharing a balance cell (an inbound-message handler
// and an event-loop that walks a pre-generated tape), exactly as
// spec.md §4.5 describes.
package client

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"headtailsim/internal/config"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
	"headtailsim/pkg/vclock"
)

// Sender dispatches a client's outgoing messages to the server. Mirrors
// internal/head.Sender: the client never holds a reference to the
// server directly, only to this interface, which the driver
// (internal/tailsim) implements over the client's own multiplexer link.
type Sender interface {
	SendTo(t *vclock.Task, msg tailmsg.Msg)
}

// Client wraps one tail client's balance, connectivity, and input tape
// with its own inbox, fed by a relay task pulling off its multiplexer
// link exactly like internal/head.Node.
type Client struct {
	id    tailmsg.ClientId
	sched *vclock.Scheduler
	rec   *trace.Recorder

	tape            []tailmsg.Event
	window          *config.PaymentWindow
	settlementDelay int
	slotLength      time.Duration

	// balance.current is written by both tasks (event loop subtracts,
	// inbound handler adds) so it is atomic; initial is touched only by
	// the event loop, which is its sole writer and reader.
	current atomic.Int64
	initial int64

	// conn is local connectivity as the event loop sees it (never
	// Blocked — that state only exists in the server's registry).
	conn tailmsg.ConnState

	inboxMu sync.Mutex
	inbox   *list.List
	waiter  *vclock.Task
}

// New builds a Client around a pre-generated tape and initial balance.
func New(id tailmsg.ClientId, sched *vclock.Scheduler, rec *trace.Recorder, initialBalance int64, tape []tailmsg.Event, window *config.PaymentWindow, settlementDelay int, slotLength time.Duration) *Client {
	return &Client{
		id:              id,
		sched:           sched,
		rec:             rec,
		tape:            tape,
		window:          window,
		settlementDelay: settlementDelay,
		slotLength:      slotLength,
		initial:         initialBalance,
		conn:            tailmsg.Offline,
		inbox:           list.New(),
	}
}

func (c *Client) ID() tailmsg.ClientId { return c.id }

func (c *Client) Label() string { return fmt.Sprintf("tail-client:%d", c.id) }

// Balance returns the client's current balance. Only meaningful once
// the simulation has reached quiescence.
func (c *Client) Balance() int64 { return c.current.Load() }

// Deliver appends an inbound server message to this client's inbox and
// wakes its inbound-handler task if it was parked.
func (c *Client) Deliver(msg tailmsg.Msg) {
	c.inboxMu.Lock()
	c.inbox.PushBack(msg)
	w := c.waiter
	c.waiter = nil
	c.inboxMu.Unlock()

	if w != nil {
		c.sched.WakeNow(w)
	}
}

func (c *Client) popFront(t *vclock.Task) tailmsg.Msg {
	for {
		c.inboxMu.Lock()
		if front := c.inbox.Front(); front != nil {
			c.inbox.Remove(front)
			c.inboxMu.Unlock()
			return front.Value.(tailmsg.Msg)
		}
		c.waiter = t
		c.inboxMu.Unlock()
		t.Park()
	}
}

// InboundRun is the inbound-handler task: AckTx is a no-op, NotifyTx
// credits the balance, anything else is fatal per spec.md §4.5/§7.
func (c *Client) InboundRun(t *vclock.Task) {
	for {
		msg := c.popFront(t)
		switch m := msg.(type) {
		case tailmsg.AckTx:
		case tailmsg.NotifyTx:
			if mt, ok := m.Tx.(*txmodel.MockTx); ok {
				c.current.Add(mt.Amount())
			}
		default:
			detail := fmt.Sprintf("%T", msg)
			c.rec.Record(c.Label(), t.Now(), trace.UnexpectedMsg{Who: c.Label(), Detail: detail})
			panic("tail client " + detail)
		}
	}
}

// EventLoopRun is the event-loop task: walks the tape per spec.md
// §4.5's exact state machine and returns once the tape is exhausted.
func (c *Client) EventLoopRun(t *vclock.Task, sender Sender) {
	slot := 0
	i := 0
	for i < len(c.tape) {
		ev := c.tape[i]

		if ev.Slot > slot {
			if c.conn == tailmsg.Online {
				sender.SendTo(t, tailmsg.Disconnect{})
				c.conn = tailmsg.Offline
			}
			t.Delay(c.slotLength)
			slot++
			continue
		}

		if newTx, ok := ev.Msg.(tailmsg.NewTx); ok {
			amount := txAmount(newTx.Tx)
			projected := c.current.Load() - amount - c.initial
			if c.window.Contains(projected) {
				sender.SendTo(t, newTx)
				c.current.Add(-amount)
				c.conn = tailmsg.Offline
				i++
				continue
			}

			sender.SendTo(t, tailmsg.SnapshotStart{})
			t.Delay(time.Duration(c.settlementDelay) * c.slotLength)
			// Settlement clears the drift: the window re-centers on
			// the post-settlement balance rather than rewinding
			// current back to the pre-run starting point.
			c.initial = c.current.Load()
			sender.SendTo(t, tailmsg.SnapshotEnd{})
			slot += c.settlementDelay
			continue
		}

		if c.conn == tailmsg.Offline {
			c.rec.Record(c.Label(), t.Now(), trace.WakeUp{Slot: slot})
			sender.SendTo(t, tailmsg.Connect{})
		}
		sender.SendTo(t, ev.Msg)
		c.conn = tailmsg.Online
		i++
	}
}

func txAmount(tx txmodel.Tx) int64 {
	if mt, ok := tx.(*txmodel.MockTx); ok {
		return mt.Amount()
	}
	return 0
}
