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

// Package tailanalysis folds a recorded trace into the throughput and
// bandwidth KPIs spec.md §4.6 names, and mirrors them onto Prometheus.
package tailanalysis

import (
	"strings"
	"time"

	"headtailsim/internal/tailmsg"
	"headtailsim/internal/trace"
)

// serverMultiplexerPrefix identifies trace threads belonging to a tail
// server's own multiplexer endpoint (one per client, labeled
// "tail-server->client:<id>" by internal/tailsim). MPRecvLeading/
// MPSendLeading on these threads are the server's read/write bandwidth
// usage; the identically-shaped events on a client's own endpoint
// ("tail-client:<id>->server") are not counted here, matching spec.md
// §4.6's TraceServer(...)-only rules.
const serverMultiplexerPrefix = "tail-server->client:"

// Metrics is the reported result of folding one run's trace, per
// spec.md §4.6.
type Metrics struct {
	ConfirmedTxs int
	ReadUsage    int // bytes
	WriteUsage   int // bytes
	LastTxTime   time.Duration

	MaxThroughput    float64 // confirmed / (last_slot * slotLength), tx/sec
	ActualThroughput float64 // confirmed / (1s + LastTxTime), tx/sec
	ReadKbps         float64
	WriteKbps        float64
}

// Analyze folds records exactly per spec.md §4.6's state machine:
// ConfirmedTxs/LastTxTime advance on an AckTx arriving at a client's own
// multiplexer endpoint; ReadUsage/WriteUsage advance on the server's own
// endpoint's leading-charge events. lastSlot and slotLength convert the
// confirmed-tx count into the two named throughput figures.
func Analyze(records []trace.Record, lastSlot int, slotLength time.Duration) Metrics {
	var m Metrics
	for _, r := range records {
		switch ev := r.Event.(type) {
		case trace.MPRecvTrailing:
			if _, ok := ev.Msg.(tailmsg.AckTx); ok && !strings.HasPrefix(r.Thread, serverMultiplexerPrefix) {
				m.ConfirmedTxs++
				if r.At > m.LastTxTime {
					m.LastTxTime = r.At
				}
			}
		case trace.MPRecvLeading:
			if strings.HasPrefix(r.Thread, serverMultiplexerPrefix) {
				m.ReadUsage += ev.Size
			}
		case trace.MPSendLeading:
			if strings.HasPrefix(r.Thread, serverMultiplexerPrefix) {
				m.WriteUsage += ev.Size
			}
		}
	}

	horizon := slotLength * time.Duration(lastSlot)
	if horizon > 0 {
		m.MaxThroughput = float64(m.ConfirmedTxs) / horizon.Seconds()
	}
	m.ActualThroughput = float64(m.ConfirmedTxs) / (1 + m.LastTxTime.Seconds())

	if horizon > 0 {
		m.ReadKbps = kbps(m.ReadUsage, horizon)
		m.WriteKbps = kbps(m.WriteUsage, horizon)
	}
	return m
}

// kbps converts a byte count observed over window into kbit/s.
func kbps(bytes int, window time.Duration) float64 {
	return float64(bytes) * 8 / 1024 / window.Seconds()
}
