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

// tail-sim runs a discrete-event simulation of the tail (Hydra-style
// many-client/one-server) off-chain payment protocol and reports the
// throughput/bandwidth KPIs spec.md §4.6 names.
//
// Usage:
//
//	go run ./cmd/tail-sim -clients 50 -duration 2000 -metrics_addr :9090
//
// Observe metrics at GET /metrics (Prometheus) and a live snapshot at
// GET /state while the run is in flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"headtailsim/internal/config"
	"headtailsim/internal/eventio"
	"headtailsim/internal/introspect"
	tailclient "headtailsim/internal/tail/client"
	"headtailsim/internal/tailanalysis"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/tailsim"
	"headtailsim/internal/trace"
)

func main() {
	clients := flag.Int("clients", 20, "number of tail clients")
	duration := flag.Int("duration", 1000, "simulated slots of generated tape per client")
	seed := flag.Uint64("seed", 1, "PRNG seed; same seed+config reproduces an identical run")
	onlineLikelihood := flag.Float64("online_likelihood", 0.8, "per-slot probability a client is online (0..1)")
	submitLikelihood := flag.Float64("submit_likelihood", 0.3, "per-slot probability an online client submits a tx (0..1)")
	slotLength := flag.Duration("slot_length", time.Millisecond, "virtual duration of one slot")
	settlementDelay := flag.Int("settlement_delay", 5, "slots a payment-window stall waits before resubmitting")
	windowLower := flag.Int64("window_lower", -1_000_000, "payment window lower bound; pass equal bounds of 0 to disable")
	windowUpper := flag.Int64("window_upper", 1_000_000, "payment window upper bound")
	initialBalance := flag.Int64("initial_balance", 0, "every client's starting balance")
	writeCapacity := flag.Float64("server_write_bps", 10_000_000, "server write bandwidth, bytes/sec")
	readCapacity := flag.Float64("server_read_bps", 10_000_000, "server read bandwidth, bytes/sec")
	concurrency := flag.Int("concurrency", 4, "number of competing server worker loops")
	region := flag.String("region", string(config.RegionUSEast), "client/server region for the latency table")
	tapeIn := flag.String("tape_in", "", "if set, load tapes from this CSV file; clients with no events in it still get a generated tape")
	tapeOut := flag.String("tape_out", "", "if set, write client 1's generated tape to this CSV file before running")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, serve /metrics and /state on this address (e.g. :9090)")
	traceOut := flag.String("trace_out", "", "if set, mirror the trace to this JSONL file as the run proceeds")
	flag.Parse()

	if *clients <= 0 {
		*clients = 20
	}
	if *duration < 0 {
		*duration = 0
	}
	if *concurrency <= 0 {
		*concurrency = 1
	}
	if *settlementDelay <= 0 {
		*settlementDelay = 1
	}

	var window *config.PaymentWindow
	if *windowLower != 0 || *windowUpper != 0 {
		window = &config.PaymentWindow{Lower: *windowLower, Upper: *windowUpper}
	}

	cfg := tailsim.Config{
		Seed: *seed,
		Prepare: config.PrepareOptions{
			NumberOfClients: *clients,
			Duration:        *duration,
			Client: config.ClientOptions{
				OnlineLikelihood: *onlineLikelihood,
				SubmitLikelihood: *submitLikelihood,
			},
		},
		Run: config.RunOptions{
			SlotLength:      *slotLength,
			SettlementDelay: *settlementDelay,
			PaymentWindow:   window,
			Server: config.ServerOptions{
				Region:        config.Region(*region),
				WriteCapacity: *writeCapacity,
				ReadCapacity:  *readCapacity,
				Concurrency:   *concurrency,
			},
		},
		InitialBalance: *initialBalance,
		ClientRegion:   config.Region(*region),
	}

	if *tapeIn != "" {
		events, err := eventio.ParseFile(*tapeIn)
		if err != nil {
			log.Fatalf("loading tape: %v", err)
		}
		tapes := map[tailmsg.ClientId][]tailmsg.Event{}
		for _, ev := range events {
			tapes[ev.From] = append(tapes[ev.From], ev)
		}
		cfg.Tapes = tapes
		fmt.Printf("loaded %d events from %s across %d clients\n", len(events), *tapeIn, len(tapes))
	}

	if *tapeOut != "" {
		rng := rand.New(rand.NewSource(int64(*seed)*1_000_003 + 1))
		tape := tailclient.GenerateTape(tailmsg.ClientId(1), rng, cfg.Prepare.Client, cfg.Prepare.Duration, *clients, nil)
		if err := eventio.WriteFile(*tapeOut, tape); err != nil {
			log.Fatalf("writing tape: %v", err)
		}
		fmt.Printf("wrote client 1's generated tape (%d events) to %s\n", len(tape), *tapeOut)
	}

	driver := tailsim.New(cfg)

	var traceSink *trace.JSONLSink
	if *traceOut != "" {
		var err error
		traceSink, err = trace.NewJSONLSink(*traceOut)
		if err != nil {
			log.Fatalf("opening trace file: %v", err)
		}
		driver.Rec.Attach(traceSink)
	}

	var httpServer *http.Server
	if *metricsAddr != "" {
		srv := introspect.NewServer(driver)
		mux := http.NewServeMux()
		srv.RegisterRoutes(mux)
		httpServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			fmt.Printf("tail-sim introspection listening on %s\n", *metricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("introspection server: %v", err)
			}
		}()
		tailanalysis.Enable(tailanalysis.Config{
			Enabled:     true,
			SampleEvery: time.Second,
			LastSlot:    cfg.Prepare.Duration,
			SlotLength:  cfg.Run.SlotLength,
		}, driver.Rec)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		driver.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-stop:
		fmt.Println("\ninterrupted before quiescence; reporting partial metrics")
	}

	lastSlot := cfg.Prepare.Duration
	m := tailanalysis.Analyze(driver.Rec.Records(), lastSlot, cfg.Run.SlotLength)
	fmt.Printf("confirmed_txs=%d max_throughput=%.3f tx/s actual_throughput=%.3f tx/s read=%.3f kbit/s write=%.3f kbit/s\n",
		m.ConfirmedTxs, m.MaxThroughput, m.ActualThroughput, m.ReadKbps, m.WriteKbps)

	if httpServer != nil {
		tailanalysis.Enable(tailanalysis.Config{}, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
	if traceSink != nil {
		_ = traceSink.Close()
	}
}
