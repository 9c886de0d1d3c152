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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"headtailsim/internal/trace"
)

// Prometheus metrics — global only, no per-client label cardinality:
// a run's KPIs are single numbers, not per-key aggregates, so this
// exporter is simpler than internal/ratelimiter/telemetry/churn's
// (no sampling, no top-N, no per-key churn factor).
var (
	confirmedTxsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tailsim_confirmed_txs_total",
		Help: "Total transactions whose AckTx has reached the originating client",
	})
	readUsageBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tailsim_server_read_usage_bytes_total",
		Help: "Total bytes the tail server has charged to its read bandwidth",
	})
	writeUsageBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tailsim_server_write_usage_bytes_total",
		Help: "Total bytes the tail server has charged to its write bandwidth",
	})
	maxThroughputGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tailsim_max_throughput_tx_per_sec",
		Help: "confirmed / (last_slot * slot_length), per spec.md's reported maxThroughput",
	})
	actualThroughputGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tailsim_actual_throughput_tx_per_sec",
		Help: "confirmed / (1s + last_tx_time), per spec.md's reported actualThroughput",
	})
	readKbpsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tailsim_server_read_kbps",
		Help: "Server read-bandwidth usage in kbit/s over the run so far",
	})
	writeKbpsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tailsim_server_write_kbps",
		Help: "Server write-bandwidth usage in kbit/s over the run so far",
	})
)

func init() {
	prometheus.MustRegister(
		confirmedTxsTotal, readUsageBytesTotal, writeUsageBytesTotal,
		maxThroughputGauge, actualThroughputGauge, readKbpsGauge, writeKbpsGauge,
	)
}

// Config controls the periodic exporter loop.
type Config struct {
	Enabled     bool
	SampleEvery time.Duration // how often to re-fold the trace and update gauges; 0 disables the loop
	LastSlot    int
	SlotLength  time.Duration
}

var (
	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}

	lastReported Metrics
	lastMu       sync.Mutex
)

// Enable starts (or restarts) the periodic exporter loop sampling rec.
// Safe to call multiple times; a later call replaces the prior config.
func Enable(cfg Config, rec *trace.Recorder) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	if !cfg.Enabled || cfg.SampleEvery <= 0 {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(cfg, rec, exporterStop, exporterDone)
}

func exporterLoop(cfg Config, rec *trace.Recorder, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publish(cfg, rec)
		case <-stop:
			return
		}
	}
}

// publish re-folds the whole trace and sets every gauge/counter to its
// new absolute value. Counters only ever grow between samples (the fold
// is monotonic in append order), so setting via Add(delta) instead of
// a raw Set keeps them genuine Prometheus counters.
func publish(cfg Config, rec *trace.Recorder) {
	m := Analyze(rec.Records(), cfg.LastSlot, cfg.SlotLength)

	lastMu.Lock()
	prev := lastReported
	lastReported = m
	lastMu.Unlock()

	if d := m.ConfirmedTxs - prev.ConfirmedTxs; d > 0 {
		confirmedTxsTotal.Add(float64(d))
	}
	if d := m.ReadUsage - prev.ReadUsage; d > 0 {
		readUsageBytesTotal.Add(float64(d))
	}
	if d := m.WriteUsage - prev.WriteUsage; d > 0 {
		writeUsageBytesTotal.Add(float64(d))
	}
	maxThroughputGauge.Set(m.MaxThroughput)
	actualThroughputGauge.Set(m.ActualThroughput)
	readKbpsGauge.Set(m.ReadKbps)
	writeKbpsGauge.Set(m.WriteKbps)
}
