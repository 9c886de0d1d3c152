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

package client

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"headtailsim/internal/config"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
	"headtailsim/pkg/vclock"
)

type capturingSender struct {
	mu  sync.Mutex
	out []tailmsg.Msg
}

func (s *capturingSender) SendTo(t *vclock.Task, msg tailmsg.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, msg)
}

func (s *capturingSender) seq() []tailmsg.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tailmsg.Msg, len(s.out))
	copy(out, s.out)
	return out
}

// TestScenarioS5_PaymentWindowTriggersSettlement is spec.md §8's S5:
// paymentWindow=(-100,100), settlementDelay=5 slots, client balance
// current=-95, next event NewTx(amount=10). Expected: SnapshotStart,
// delay 5*slotLength, reset balance, SnapshotEnd, then resubmit the
// same NewTx (which now succeeds since settlement re-centers the
// window).
func TestScenarioS5_PaymentWindowTriggersSettlement(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	window := &config.PaymentWindow{Lower: -100, Upper: 100}
	tx := txmodel.NewMockTx(1, 0, 10, 64)
	tape := []tailmsg.Event{
		{Slot: 0, From: 1, Msg: tailmsg.NewTx{Tx: tx, Recipients: []tailmsg.ClientId{2}}},
	}

	cl := New(1, sched, rec, 0, tape, window, 5, time.Millisecond)
	cl.current.Store(-95)

	sender := &capturingSender{}
	sched.Spawn("eventloop", func(t *vclock.Task) {
		cl.EventLoopRun(t, sender)
	})
	sched.Run()

	got := sender.seq()
	if len(got) != 3 {
		t.Fatalf("sent %d messages, want 3: %+v", len(got), got)
	}
	if _, ok := got[0].(tailmsg.SnapshotStart); !ok {
		t.Fatalf("message 0 = %T, want SnapshotStart", got[0])
	}
	if _, ok := got[1].(tailmsg.SnapshotEnd); !ok {
		t.Fatalf("message 1 = %T, want SnapshotEnd", got[1])
	}
	nt, ok := got[2].(tailmsg.NewTx)
	if !ok || nt.Tx.Ref() != tx.Ref() {
		t.Fatalf("message 2 = %+v, want the resubmitted NewTx", got[2])
	}
	if got := cl.Balance(); got != -105 {
		t.Fatalf("final balance = %d, want -105", got)
	}
}

// TestEventLoop_InPaymentWindowSendsImmediately checks the ordinary
// (non-stalling) NewTx path: balance stays within the window, so the
// event loop sends it directly without any SnapshotStart/End pair.
func TestEventLoop_InPaymentWindowSendsImmediately(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	tx := txmodel.NewMockTx(1, 0, 10, 64)
	tape := []tailmsg.Event{
		{Slot: 0, From: 1, Msg: tailmsg.NewTx{Tx: tx, Recipients: []tailmsg.ClientId{2}}},
	}

	cl := New(1, sched, rec, 0, tape, nil, 5, time.Millisecond)
	sender := &capturingSender{}
	sched.Spawn("eventloop", func(t *vclock.Task) {
		cl.EventLoopRun(t, sender)
	})
	sched.Run()

	got := sender.seq()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1: %+v", len(got), got)
	}
	if _, ok := got[0].(tailmsg.NewTx); !ok {
		t.Fatalf("message 0 = %T, want NewTx", got[0])
	}
	if b := cl.Balance(); b != -10 {
		t.Fatalf("balance = %d, want -10", b)
	}
}

// TestEventLoop_PullWakesFromOffline checks that a Pull event (the only
// non-NewTx shape stepClient emits) reconnects an Offline client first.
func TestEventLoop_PullWakesFromOffline(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	tape := []tailmsg.Event{
		{Slot: 0, From: 1, Msg: tailmsg.Pull{}},
	}
	cl := New(1, sched, rec, 0, tape, nil, 5, time.Millisecond)
	sender := &capturingSender{}
	sched.Spawn("eventloop", func(t *vclock.Task) {
		cl.EventLoopRun(t, sender)
	})
	sched.Run()

	got := sender.seq()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2 (Connect, Pull): %+v", len(got), got)
	}
	if _, ok := got[0].(tailmsg.Connect); !ok {
		t.Fatalf("message 0 = %T, want Connect", got[0])
	}
	if _, ok := got[1].(tailmsg.Pull); !ok {
		t.Fatalf("message 1 = %T, want Pull", got[1])
	}

	foundWake := false
	for _, r := range rec.Records() {
		if _, ok := r.Event.(trace.WakeUp); ok {
			foundWake = true
		}
	}
	if !foundWake {
		t.Fatalf("expected a WakeUp trace record")
	}
}

// TestInboundHandler_NotifyTxCreditsBalance checks the inbound
// handler's two live cases: AckTx is a no-op, NotifyTx credits balance.
func TestInboundHandler_NotifyTxCreditsBalance(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	cl := New(1, sched, rec, 0, nil, nil, 5, time.Millisecond)

	tx := txmodel.NewMockTx(2, 0, 42, 64)
	cl.Deliver(tailmsg.AckTx{Ref: tx.Ref()})
	cl.Deliver(tailmsg.NotifyTx{Tx: tx})

	sched.Spawn("inbound", func(t *vclock.Task) {
		cl.InboundRun(t)
	})
	// Run returns once the inbound task has drained both queued
	// messages and parked waiting for a third that never arrives.
	sched.Run()

	if got := cl.Balance(); got != 42 {
		t.Fatalf("balance = %d, want 42 (inbound handler never processed NotifyTx)", got)
	}
}

// TestInboundHandler_UnexpectedMessageIsFatal checks that an
// unrecognized message panics the inbound task, per spec.md §7.
func TestInboundHandler_UnexpectedMessageIsFatal(t *testing.T) {
	sched := vclock.New()
	rec := trace.NewRecorder()
	cl := New(1, sched, rec, 0, nil, nil, 5, time.Millisecond)
	cl.Deliver(tailmsg.Pull{}) // not a valid message *to* a client

	paniced := make(chan any, 1)
	sched.Spawn("inbound", func(t *vclock.Task) {
		defer func() {
			paniced <- recover()
		}()
		cl.InboundRun(t)
	})
	sched.Run()

	select {
	case v := <-paniced:
		if v == nil {
			t.Fatalf("expected InboundRun to panic on an unexpected message")
		}
	default:
		t.Fatalf("InboundRun returned without panicking")
	}
}

func TestGenerateTape_DefaultRecipients(t *testing.T) {
	got := DefaultRecipients(tailmsg.ClientId(3), 5)
	want := tailmsg.ClientId(4)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("DefaultRecipients(3, 5) = %v, want [%v]", got, want)
	}

	// Wraps modulo N+1, clamped to at least 1.
	got = DefaultRecipients(tailmsg.ClientId(5), 5)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("DefaultRecipients(5, 5) = %v, want [1]", got)
	}
}

func TestGenerateTape_ProducesInRangeEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	opts := config.ClientOptions{OnlineLikelihood: 1, SubmitLikelihood: 1}
	tape := GenerateTape(tailmsg.ClientId(1), rng, opts, 20, 3, nil)

	if len(tape) == 0 {
		t.Fatalf("expected a non-empty tape when both likelihoods are 1.0")
	}
	for _, ev := range tape {
		switch m := ev.Msg.(type) {
		case tailmsg.Pull:
		case tailmsg.NewTx:
			mt, ok := m.Tx.(*txmodel.MockTx)
			if !ok {
				t.Fatalf("NewTx.Tx is not a *MockTx: %T", m.Tx)
			}
			if mt.Amount() < 1 || mt.Amount() >= 1_000_000 {
				t.Fatalf("amount %d out of the stepClient range", mt.Amount())
			}
			if mt.Size() < 192 || mt.Size() >= 16384 {
				t.Fatalf("size %d out of the stepClient range", mt.Size())
			}
			if len(m.Recipients) != 1 {
				t.Fatalf("expected exactly one default recipient, got %v", m.Recipients)
			}
		default:
			t.Fatalf("unexpected tape event shape: %T", ev.Msg)
		}
	}
}
