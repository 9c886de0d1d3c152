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

// Package server is the tail protocol's central broker: one registry
// entry per client (conn state, mailbox, parked-delivery queue), driven
// by `concurrency` worker loops that compete for a shared inbound queue
// exactly the way spec.md §4.4 describes.
package server

import (
	"container/list"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	"headtailsim/internal/config"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
	"headtailsim/pkg/vclock"
)

// Outbound dispatches the server's replies and notifications. Mirrors
// internal/head.Sender: the server addresses clients only by ClientId,
// never by a direct reference, so the driver (internal/tailsim) owns
// the registry of real per-client multiplexers.
type Outbound interface {
	SendTo(t *vclock.Task, to tailmsg.ClientId, msg tailmsg.Msg)
}

// envelope is one inbound (sender, message) pair as it moves from a
// per-client relay task into the broker's shared queue, and again when
// SnapshotEnd re-enqueues a client's parked NewTx messages.
type envelope struct {
	From tailmsg.ClientId
	Msg  tailmsg.Msg
}

// broker is the shared inbound queue `concurrency` worker loops compete
// for. It is the same FIFO-with-multiple-waiters idiom netsim.Multiplexer
// uses for its own inbox, adapted for a same-process hand-off: no
// bandwidth or buffer-capacity charge applies here since the real
// network crossing already happened on the client's own multiplexer
// link before the relay task called Deliver.
type broker struct {
	sched *vclock.Scheduler

	mu      sync.Mutex
	queue   *list.List
	waiters []*vclock.Task
}

func newBroker(sched *vclock.Scheduler) *broker {
	return &broker{sched: sched, queue: list.New()}
}

func (b *broker) push(env envelope) {
	b.mu.Lock()
	b.queue.PushBack(env)
	var w *vclock.Task
	if len(b.waiters) > 0 {
		w = b.waiters[0]
		b.waiters = b.waiters[1:]
	}
	b.mu.Unlock()
	if w != nil {
		b.sched.WakeNow(w)
	}
}

func (b *broker) pop(t *vclock.Task) envelope {
	for {
		b.mu.Lock()
		if front := b.queue.Front(); front != nil {
			b.queue.Remove(front)
			b.mu.Unlock()
			return front.Value.(envelope)
		}
		b.waiters = append(b.waiters, t)
		b.mu.Unlock()
		t.Park()
	}
}

// connEntry is one client's registry triple, per spec.md §3.
type connEntry struct {
	conn    tailmsg.ConnState
	mailbox *list.List // of tailmsg.NotifyTx, oldest first
	queue   *list.List // of envelope (parked NewTx), oldest first
}

func newConnEntry() *connEntry {
	return &connEntry{conn: tailmsg.Offline, mailbox: list.New(), queue: list.New()}
}

// Server is the tail protocol's central broker. Its registry is sharded
// across `concurrency` lock stripes, chosen by rendezvous hashing on
// ClientId: spec.md's "single exclusive lock, serialised per client"
// invariant only requires that one client's handlers never interleave,
// which a deterministic stripe-per-client scheme gives without forcing
// every handler through one global lock.
type Server struct {
	sched  *vclock.Scheduler
	rec    *trace.Recorder
	broker *broker

	rv      *rendezvous.Rendezvous
	stripes []sync.Mutex
	shards  []map[tailmsg.ClientId]*connEntry
}

// NewServer builds a Server with a registry entry pre-registered for
// every id in clients, sharded across concurrency stripes.
func NewServer(sched *vclock.Scheduler, rec *trace.Recorder, clients []tailmsg.ClientId, concurrency int) *Server {
	if concurrency < 1 {
		concurrency = 1
	}
	labels := make([]string, concurrency)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	s := &Server{
		sched:   sched,
		rec:     rec,
		broker:  newBroker(sched),
		rv:      rendezvous.New(labels, xxhash.Sum64String),
		stripes: make([]sync.Mutex, concurrency),
		shards:  make([]map[tailmsg.ClientId]*connEntry, concurrency),
	}
	for i := range s.shards {
		s.shards[i] = map[tailmsg.ClientId]*connEntry{}
	}
	for _, c := range clients {
		idx := s.shardIndex(c)
		s.shards[idx][c] = newConnEntry()
	}
	return s
}

func (s *Server) shardIndex(id tailmsg.ClientId) int {
	label := s.rv.Lookup(strconv.Itoa(int(id)))
	idx, _ := strconv.Atoi(label)
	return idx
}

// mustEntry returns id's registry entry under shard idx, lazily
// registering one if NewServer was never told about this client.
func (s *Server) mustEntry(idx int, id tailmsg.ClientId) *connEntry {
	e, ok := s.shards[idx][id]
	if !ok {
		e = newConnEntry()
		s.shards[idx][id] = e
	}
	return e
}

// Deliver hands an inbound (sender, msg) pair to the broker. Called by
// the driver's per-client relay task once it pops a message off that
// client's real network link.
func (s *Server) Deliver(from tailmsg.ClientId, msg tailmsg.Msg) {
	s.broker.push(envelope{From: from, Msg: msg})
}

// Run is one of the `concurrency` competing main loops: pop the next
// envelope off the shared broker queue and handle it. Never returns.
func (s *Server) Run(t *vclock.Task, out Outbound) {
	for {
		env := s.broker.pop(t)
		s.handle(t, env, out)
	}
}

func (s *Server) handle(t *vclock.Task, env envelope, out Outbound) {
	switch m := env.Msg.(type) {
	case tailmsg.NewTx:
		s.handleNewTx(t, env.From, m, out)
	case tailmsg.Pull:
		s.handlePull(t, env.From, out)
	case tailmsg.Connect:
		s.setConn(t, env.From, tailmsg.Online)
	case tailmsg.Disconnect:
		s.setConn(t, env.From, tailmsg.Offline)
	case tailmsg.SnapshotStart:
		s.setConn(t, env.From, tailmsg.Blocked)
	case tailmsg.SnapshotEnd:
		s.handleSnapshotEnd(t, env.From)
	default:
		t.Delay(config.LookupClientCost)
		detail := fmt.Sprintf("%T from client %d", env.Msg, env.From)
		s.rec.Record("tail-server", t.Now(), trace.UnexpectedMsg{Who: "server", Detail: detail})
		panic("tail server: " + detail)
	}
}

// handleNewTx validates tx, then either parks the whole message on the
// sender's queue (if the sender or any named recipient is currently
// Blocked) or fans
// it out: Online recipients get NotifyTx directly, Offline recipients
// get it appended to their mailbox. The sender always gets an AckTx
// unless the message was parked.
func (s *Server) handleNewTx(t *vclock.Task, sender tailmsg.ClientId, msg tailmsg.NewTx, out Outbound) {
	t.Delay(config.LookupClientCost)
	vclock.Run(t, msg.Tx.Validate())

	// The blocked-state check runs over the sender as well as the named
	// recipients: parking always lands on the sender's own queue
	// regardless of which of these was Blocked, which is exactly why
	// unblocking a different, merely-named recipient does not retry a
	// message parked for some other reason (spec.md §9, open question).
	checked := append([]tailmsg.ClientId{sender}, msg.Recipients...)
	if s.anyRecipientBlocked(checked) {
		idx := s.shardIndex(sender)
		s.stripes[idx].Lock()
		s.mustEntry(idx, sender).queue.PushBack(envelope{From: sender, Msg: msg})
		s.stripes[idx].Unlock()
		return
	}

	for _, r := range msg.Recipients {
		s.notify(t, r, msg.Tx, out)
	}
	out.SendTo(t, sender, tailmsg.AckTx{Ref: msg.Tx.Ref()})
}

func (s *Server) anyRecipientBlocked(recipients []tailmsg.ClientId) bool {
	for _, r := range recipients {
		idx := s.shardIndex(r)
		s.stripes[idx].Lock()
		blocked := s.mustEntry(idx, r).conn == tailmsg.Blocked
		s.stripes[idx].Unlock()
		if blocked {
			return true
		}
	}
	return false
}

// notify delivers tx to recipient r: directly if Online, otherwise into
// r's mailbox with a StoreInMailbox trace event per spec.md §4.4.
func (s *Server) notify(t *vclock.Task, r tailmsg.ClientId, tx txmodel.Tx, out Outbound) {
	idx := s.shardIndex(r)
	s.stripes[idx].Lock()
	e := s.mustEntry(idx, r)
	online := e.conn == tailmsg.Online
	var newLen int
	if !online {
		e.mailbox.PushBack(tailmsg.NotifyTx{Tx: tx})
		newLen = e.mailbox.Len()
	}
	s.stripes[idx].Unlock()

	if online {
		out.SendTo(t, r, tailmsg.NotifyTx{Tx: tx})
		return
	}
	s.rec.Record("tail-server", t.Now(), trace.StoreInMailbox{
		Recipient: int(r),
		Msg:       tailmsg.NotifyTx{Tx: tx},
		NewLength: newLen,
	})
}

// handlePull atomically drains sender's mailbox, oldest first, and
// sends each entry.
func (s *Server) handlePull(t *vclock.Task, sender tailmsg.ClientId, out Outbound) {
	t.Delay(config.LookupClientCost)

	idx := s.shardIndex(sender)
	s.stripes[idx].Lock()
	e := s.mustEntry(idx, sender)
	var drained []tailmsg.NotifyTx
	for el := e.mailbox.Front(); el != nil; el = e.mailbox.Front() {
		drained = append(drained, e.mailbox.Remove(el).(tailmsg.NotifyTx))
	}
	s.stripes[idx].Unlock()

	for _, n := range drained {
		out.SendTo(t, sender, n)
	}
}

func (s *Server) setConn(t *vclock.Task, id tailmsg.ClientId, state tailmsg.ConnState) {
	t.Delay(config.LookupClientCost)
	idx := s.shardIndex(id)
	s.stripes[idx].Lock()
	s.mustEntry(idx, id).conn = state
	s.stripes[idx].Unlock()
}

// handleSnapshotEnd sets sender Offline, then re-enqueues every message
// parked on its queue, oldest first, at the broker so the main loops
// re-process them — the same "no extra bandwidth charge" semantics as
// netsim.Multiplexer.Reenqueue, here applied to the server's internal
// queue instead of a real network inbox.
func (s *Server) handleSnapshotEnd(t *vclock.Task, sender tailmsg.ClientId) {
	t.Delay(config.LookupClientCost)

	idx := s.shardIndex(sender)
	s.stripes[idx].Lock()
	e := s.mustEntry(idx, sender)
	e.conn = tailmsg.Offline
	var parked []envelope
	for el := e.queue.Front(); el != nil; el = e.queue.Front() {
		parked = append(parked, e.queue.Remove(el).(envelope))
	}
	s.stripes[idx].Unlock()

	for _, env := range parked {
		s.broker.push(env)
	}
}

// ConnState, MailboxLen, and QueueLen let tests and internal/tailsim
// inspect the registry without reaching past the stripe locks.
func (s *Server) ConnState(id tailmsg.ClientId) tailmsg.ConnState {
	idx := s.shardIndex(id)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()
	return s.mustEntry(idx, id).conn
}

func (s *Server) MailboxLen(id tailmsg.ClientId) int {
	idx := s.shardIndex(id)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()
	return s.mustEntry(idx, id).mailbox.Len()
}

func (s *Server) QueueLen(id tailmsg.ClientId) int {
	idx := s.shardIndex(id)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()
	return s.mustEntry(idx, id).queue.Len()
}
