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

// Package trace is the append-only (thread_label, virtual_time, event)
// stream every simulator writes to and internal/tailanalysis folds over.
package trace

import (
	"sync"

	"headtailsim/pkg/vclock"
)

// VTime re-exports the scheduler's virtual-time type so callers of this
// package never need to import pkg/vclock just to stamp a record.
type VTime = vclock.VTime

// Event is the marker interface every recorded event satisfies. Kept
// deliberately small and open (no sealed union) so both the head and
// tail sides can add event shapes without touching this package.
type Event interface {
	eventKind() string
}

// Record is one entry in the trace: which task emitted it, when (in
// virtual time), and what happened.
type Record struct {
	Thread string
	At     VTime
	Event  Event
}

// MPSendLeading is recorded when a multiplexer begins charging the
// sender's write-bandwidth for size bytes (step 2 of §4.2 Send).
type MPSendLeading struct{ Size int }

func (MPSendLeading) eventKind() string { return "MPSendLeading" }

// MPRecvLeading is recorded when a multiplexer begins charging the
// receiver's read-bandwidth for size bytes, before the message becomes
// visible to recv (step 4 of §4.2 Send).
type MPRecvLeading struct{ Size int }

func (MPRecvLeading) eventKind() string { return "MPRecvLeading" }

// MPRecvTrailing is recorded once a message has finished its read-charge
// and becomes visible to the receiving task's recv.
type MPRecvTrailing struct{ Msg any }

func (MPRecvTrailing) eventKind() string { return "MPRecvTrailing" }

// WakeUp is recorded by a tail client's event loop when it reconnects
// from Offline to handle an event at a later slot.
type WakeUp struct{ Slot int }

func (WakeUp) eventKind() string { return "WakeUp" }

// StoreInMailbox is recorded by the tail server when a NotifyTx is
// queued for an offline recipient instead of delivered immediately.
type StoreInMailbox struct {
	Recipient int
	Msg       any
	NewLength int
}

func (StoreInMailbox) eventKind() string { return "StoreInMailbox" }

// InvalidTransition is recorded whenever a head node's transition
// function returns Decision::Invalid.
type InvalidTransition struct {
	NodeId int
	Reason string
}

func (InvalidTransition) eventKind() string { return "InvalidTransition" }

// AppliedTransition is recorded for every head node Decision::Apply,
// naming which HeadProtocol event drove the transition and, where
// relevant, the tx ref or snapshot number it concerns.
type AppliedTransition struct {
	NodeId int
	Kind   string
	Ref    string
}

func (AppliedTransition) eventKind() string { return "AppliedTransition" }

// UnexpectedMsg is recorded immediately before the owning task fails;
// Who identifies the task ("server", "tail-client:3", ...) and Detail
// describes the message that triggered it.
type UnexpectedMsg struct {
	Who    string
	Detail string
}

func (UnexpectedMsg) eventKind() string { return "UnexpectedMsg" }

// Sink receives a copy of every record as it is appended. Used for an
// optional on-disk JSONL mirror; the in-memory Recorder is always kept
// regardless of whether a sink is attached.
type Sink interface {
	OnRecord(Record)
}

// Recorder is the append-only trace stream. Safe for concurrent use,
// though in this simulator's token-passing model only the current token
// holder ever calls Record at a time.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	sinks   []Sink
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Attach registers an additional sink that receives every future record.
// Records appended before Attach was called are not replayed.
func (r *Recorder) Attach(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record appends (thread, at, ev) to the stream and forwards it to any
// attached sinks.
func (r *Recorder) Record(thread string, at VTime, ev Event) {
	r.mu.Lock()
	rec := Record{Thread: thread, At: at, Event: ev}
	r.records = append(r.records, rec)
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		s.OnRecord(rec)
	}
}

// Records returns a snapshot copy of every record appended so far, in
// append order (which, given the scheduler's deterministic tiebreaks, is
// also virtual-time order).
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Len reports how many records have been appended so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
