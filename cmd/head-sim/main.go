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

// head-sim runs a discrete-event simulation of the head (Hydra-style
// all-to-all) off-chain payment protocol: a full mesh of parties signing
// and confirming transactions and snapshots over latency- and
// bandwidth-modelled links.
//
// Usage:
//
//	go run ./cmd/head-sim -parties 5 -txs 100 -snapshots 10 -metrics_addr :9091
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

	"headtailsim/internal/head"
	"headtailsim/internal/headsim"
	"headtailsim/internal/introspect"
	"headtailsim/internal/trace"
	"headtailsim/internal/txmodel"
)

func main() {
	numParties := flag.Int("parties", 5, "number of head protocol participants")
	seed := flag.Uint64("seed", 1, "PRNG seed; same seed+config reproduces an identical run")
	linkLatency := flag.Duration("link_latency", 20*time.Millisecond, "one-way latency of every pairwise link")
	writeBps := flag.Float64("write_bps", 1_000_000, "per-link write bandwidth, bytes/sec")
	readBps := flag.Float64("read_bps", 1_000_000, "per-link read bandwidth, bytes/sec")
	bufferBytes := flag.Int64("buffer_bytes", 100_000, "per-link multiplexer buffer size, bytes")
	numTxs := flag.Int("txs", 50, "number of NewTx events to submit, spread round-robin over parties")
	numSnapshots := flag.Int("snapshots", 5, "number of TriggerNewSn rounds to run after all txs are submitted")
	txSize := flag.Int("tx_size", 512, "wire size of each submitted tx, bytes")
	txAmount := flag.Int64("tx_amount", 100, "amount of each submitted tx")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, serve /metrics and /state on this address (e.g. :9091)")
	traceOut := flag.String("trace_out", "", "if set, mirror the trace to this JSONL file as the run proceeds")
	flag.Parse()

	if *numParties < 2 {
		*numParties = 2
	}
	if *numTxs < 0 {
		*numTxs = 0
	}
	if *numSnapshots < 0 {
		*numSnapshots = 0
	}
	if *bufferBytes <= 0 {
		*bufferBytes = 100_000
	}

	cfg := headsim.Config{
		NumParties:  *numParties,
		Seed:        *seed,
		LinkLatency: *linkLatency,
		WriteBps:    *writeBps,
		ReadBps:     *readBps,
		BufferBytes: *bufferBytes,
	}
	driver := headsim.New(cfg)

	var traceSink *trace.JSONLSink
	if *traceOut != "" {
		var err error
		traceSink, err = trace.NewJSONLSink(*traceOut)
		if err != nil {
			log.Fatalf("opening trace file: %v", err)
		}
		driver.Rec.Attach(traceSink)
	}

	rng := rand.New(rand.NewSource(int64(*seed)))
	for i := 0; i < *numTxs; i++ {
		origin := head.NodeId(i % *numParties)
		tx := txmodel.NewMockTx(int(origin), i, *txAmount+rng.Int63n(10), *txSize)
		driver.SubmitTx(origin, tx)
	}

	var httpServer *http.Server
	if *metricsAddr != "" {
		srv := introspect.NewServer(driver)
		mux := http.NewServeMux()
		srv.RegisterRoutes(mux)
		httpServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			fmt.Printf("head-sim introspection listening on %s\n", *metricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("introspection server: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		driver.Run()
		for i := 0; i < *numSnapshots; i++ {
			leader := driver.TriggerNewSn(head.NodeId(0))
			fmt.Printf("snapshot round %d: leader is node %d\n", i, leader)
			driver.Run()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-stop:
		fmt.Println("\ninterrupted before quiescence; reporting partial state")
	}

	for id, n := range driver.Nodes {
		st := n.State()
		fmt.Printf("node %d: snapNSig=%d snapNConf=%d txsSig=%d txsConf=%d\n",
			id, st.SnapNSig, st.SnapNConf, len(st.TxsSig), len(st.TxsConf))
	}

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
	if traceSink != nil {
		_ = traceSink.Close()
	}
}
