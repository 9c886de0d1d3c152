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

package tailanalysis

import (
	"testing"
	"time"

	"headtailsim/internal/tailmsg"
	"headtailsim/internal/trace"
)

func TestAnalyze_CountsAckTxOnClientEndpointOnly(t *testing.T) {
	records := []trace.Record{
		{Thread: "tail-client:1->server", At: 10 * time.Millisecond, Event: trace.MPRecvTrailing{Msg: tailmsg.AckTx{}}},
		{Thread: "tail-client:1->server", At: 20 * time.Millisecond, Event: trace.MPRecvTrailing{Msg: tailmsg.NotifyTx{}}},
		{Thread: "tail-server->client:2", At: 5 * time.Millisecond, Event: trace.MPRecvTrailing{Msg: tailmsg.AckTx{}}},
	}
	m := Analyze(records, 100, time.Millisecond)
	if m.ConfirmedTxs != 1 {
		t.Fatalf("ConfirmedTxs = %d, want 1 (only the client-endpoint AckTx counts)", m.ConfirmedTxs)
	}
	if m.LastTxTime != 10*time.Millisecond {
		t.Fatalf("LastTxTime = %v, want 10ms", m.LastTxTime)
	}
}

func TestAnalyze_UsageOnlyFromServerEndpoint(t *testing.T) {
	records := []trace.Record{
		{Thread: "tail-server->client:1", At: 0, Event: trace.MPRecvLeading{Size: 100}},
		{Thread: "tail-server->client:1", At: 0, Event: trace.MPSendLeading{Size: 50}},
		{Thread: "tail-client:1->server", At: 0, Event: trace.MPRecvLeading{Size: 999}},
		{Thread: "tail-client:1->server", At: 0, Event: trace.MPSendLeading{Size: 999}},
	}
	m := Analyze(records, 10, time.Second)
	if m.ReadUsage != 100 {
		t.Fatalf("ReadUsage = %d, want 100 (client-side multiplexer traffic must not count)", m.ReadUsage)
	}
	if m.WriteUsage != 50 {
		t.Fatalf("WriteUsage = %d, want 50", m.WriteUsage)
	}
}

func TestAnalyze_ThroughputFigures(t *testing.T) {
	records := []trace.Record{
		{Thread: "tail-client:1->server", At: 500 * time.Millisecond, Event: trace.MPRecvTrailing{Msg: tailmsg.AckTx{}}},
		{Thread: "tail-client:2->server", At: 1500 * time.Millisecond, Event: trace.MPRecvTrailing{Msg: tailmsg.AckTx{}}},
	}
	lastSlot := 10
	slotLength := 200 * time.Millisecond // horizon = 2s
	m := Analyze(records, lastSlot, slotLength)

	if m.ConfirmedTxs != 2 {
		t.Fatalf("ConfirmedTxs = %d, want 2", m.ConfirmedTxs)
	}
	wantMax := 2.0 / 2.0 // confirmed / horizon-seconds
	if m.MaxThroughput != wantMax {
		t.Fatalf("MaxThroughput = %v, want %v", m.MaxThroughput, wantMax)
	}
	wantActual := 2.0 / (1 + 1.5) // confirmed / (1s + last_tx_time)
	if m.ActualThroughput != wantActual {
		t.Fatalf("ActualThroughput = %v, want %v", m.ActualThroughput, wantActual)
	}
}

func TestAnalyze_KbpsConversion(t *testing.T) {
	records := []trace.Record{
		{Thread: "tail-server->client:1", At: 0, Event: trace.MPRecvLeading{Size: 1024}},
	}
	m := Analyze(records, 1, time.Second) // horizon = 1s
	if m.ReadKbps != 8 {
		t.Fatalf("ReadKbps = %v, want 8 (1024 bytes * 8 / 1024 / 1s)", m.ReadKbps)
	}
}

func TestAnalyze_EmptyTraceProducesZeroMetrics(t *testing.T) {
	m := Analyze(nil, 10, time.Millisecond)
	if m.ConfirmedTxs != 0 || m.ReadUsage != 0 || m.WriteUsage != 0 {
		t.Fatalf("expected all-zero Metrics for an empty trace, got %+v", m)
	}
	if m.MaxThroughput != 0 {
		t.Fatalf("MaxThroughput = %v, want 0", m.MaxThroughput)
	}
}
