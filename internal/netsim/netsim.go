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

// Package netsim is the bandwidth- and latency-modelled point-to-point
// messaging layer every head node and tail client/server sends over.
package netsim

import (
	"container/list"
	"sync"
	"time"

	"headtailsim/internal/trace"
	"headtailsim/pkg/budget"
	"headtailsim/pkg/vclock"
)

type inboxEntry struct {
	msg  any
	size int
}

// Multiplexer is one labelled, bidirectional endpoint of a link: bounded
// outbound and inbound message buffers, separate write/read byte-per-
// second capacities, and (once Connect'd) a peer to deliver to. Every
// method that can block takes the calling task explicitly so it parks
// and resumes through pkg/vclock rather than a real goroutine channel.
type Multiplexer struct {
	label string
	sched *vclock.Scheduler
	rec   *trace.Recorder

	writeBps float64
	readBps  float64

	outBuf *budget.Budget
	inBuf  *budget.Budget

	peer       *Multiplexer
	outLatency time.Duration

	mu          sync.Mutex
	inbox       *list.List // of inboxEntry
	recvWaiters []*vclock.Task
	outWaiters  []*vclock.Task
	inWaiters   []*vclock.Task
}

// New returns a Multiplexer with the given label, outbound/inbound
// buffer capacity (bytes), and write/read bandwidth (bytes/sec). Call
// Connect to wire it to a peer before Send/Recv are used.
func New(label string, sched *vclock.Scheduler, rec *trace.Recorder, capacityBytes int64, writeBps, readBps float64) *Multiplexer {
	return &Multiplexer{
		label:    label,
		sched:    sched,
		rec:      rec,
		writeBps: writeBps,
		readBps:  readBps,
		outBuf:   budget.New(capacityBytes),
		inBuf:    budget.New(capacityBytes),
		inbox:    list.New(),
	}
}

// Connect installs a link between a and b with one-way latencies aToB
// (charged on a.Send) and bToA (charged on b.Send).
func Connect(a, b *Multiplexer, aToB, bToA time.Duration) {
	a.peer, a.outLatency = b, aToB
	b.peer, b.outLatency = a, bToA
}

func durationForBytes(size int, bps float64) time.Duration {
	if bps <= 0 || size <= 0 {
		return 0
	}
	return time.Duration(float64(size) / bps * float64(time.Second))
}

// Send delivers msg (of size bytes) to mx's peer, following §4.2 exactly:
// acquire an outbound buffer slot (blocking if full), charge the
// sender's write-bandwidth, schedule arrival after the link latency, and
// charge the receiver's read-bandwidth before the message becomes
// visible to the peer's Recv.
func (mx *Multiplexer) Send(t *vclock.Task, msg any, size int) {
	for !mx.outBuf.TryReserve(int64(size)) {
		mx.parkOn(&mx.outWaiters, t)
	}

	mx.rec.Record(mx.label, t.Now(), trace.MPSendLeading{Size: size})
	t.Delay(durationForBytes(size, mx.writeBps))

	mx.outBuf.Release(int64(size))
	mx.wakeOne(&mx.outWaiters)

	mx.scheduleArrival(msg, size)
}

// scheduleArrival spawns the background delivery task that carries msg
// across the link to mx's peer. It runs as its own cooperative task
// (not the sender's) so the sender's Send call returns as soon as its
// own write-bandwidth charge is paid, exactly as §4.2 describes.
func (mx *Multiplexer) scheduleArrival(msg any, size int) {
	peer := mx.peer
	latency := mx.outLatency
	mx.sched.Spawn("link:"+mx.label+"->"+peer.label, func(dt *vclock.Task) {
		dt.Delay(latency)

		for !peer.inBuf.TryReserve(int64(size)) {
			peer.parkOn(&peer.inWaiters, dt)
		}

		peer.rec.Record(peer.label, dt.Now(), trace.MPRecvLeading{Size: size})
		dt.Delay(durationForBytes(size, peer.readBps))

		peer.deliver(dt, msg, size)
	})
}

func (mx *Multiplexer) deliver(t *vclock.Task, msg any, size int) {
	mx.mu.Lock()
	mx.inbox.PushBack(inboxEntry{msg: msg, size: size})
	mx.mu.Unlock()

	mx.rec.Record(mx.label, t.Now(), trace.MPRecvTrailing{Msg: msg})
	mx.wakeOne(&mx.recvWaiters)
}

// Recv blocks until a message is available in mx's inbound queue, then
// returns it and releases the inbound buffer capacity it occupied
// (which may unblock a parked arrival task for the next message).
func (mx *Multiplexer) Recv(t *vclock.Task) (any, int) {
	mx.mu.Lock()
	for mx.inbox.Len() == 0 {
		mx.recvWaiters = append(mx.recvWaiters, t)
		mx.mu.Unlock()
		t.Park()
		mx.mu.Lock()
	}
	e := mx.inbox.Remove(mx.inbox.Front()).(inboxEntry)
	mx.mu.Unlock()

	mx.inBuf.Release(int64(e.size))
	mx.wakeOne(&mx.inWaiters)
	return e.msg, e.size
}

// Reenqueue places msg back at the front of mx's own inbound queue
// without charging any bandwidth or inbound-buffer capacity, used by
// the tail server to retry a blocked delivery it parked earlier (§4.2).
func (mx *Multiplexer) Reenqueue(msg any, size int) {
	mx.mu.Lock()
	mx.inbox.PushFront(inboxEntry{msg: msg, size: size})
	mx.mu.Unlock()
	mx.wakeOne(&mx.recvWaiters)
}

// Pending reports how many messages are currently sitting in mx's
// inbound queue, unconsumed by Recv.
func (mx *Multiplexer) Pending() int {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.inbox.Len()
}

func (mx *Multiplexer) parkOn(waiters *[]*vclock.Task, t *vclock.Task) {
	mx.mu.Lock()
	*waiters = append(*waiters, t)
	mx.mu.Unlock()
	t.Park()
}

func (mx *Multiplexer) wakeOne(waiters *[]*vclock.Task) {
	mx.mu.Lock()
	if len(*waiters) == 0 {
		mx.mu.Unlock()
		return
	}
	w := (*waiters)[0]
	*waiters = (*waiters)[1:]
	mx.mu.Unlock()
	mx.sched.WakeNow(w)
}
