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

// Package introspect is the tiny HTTP server a running simulation
// exposes for observability: Prometheus scraping at /metrics and a
// JSON state snapshot at /state.
package introspect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateProvider supplies the JSON-encodable snapshot served at /state.
// internal/tailsim.Driver and internal/headsim.Driver both satisfy this
// trivially (a small struct of counters/balances), keeping this package
// ignorant of either simulator's concrete types.
type StateProvider interface {
	State() any
}

// Server serves /metrics and /state for one running simulation.
type Server struct {
	provider StateProvider
}

// NewServer builds a Server reporting provider's state on demand.
func NewServer(provider StateProvider) *Server {
	return &Server{provider: provider}
}

// RegisterRoutes wires this server's handlers onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/state", s.handleState)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.provider.State()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on addr with the same
// conservative timeouts the rate-limiter API server uses.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Printf("introspection server listening on %s\n", addr)
	return httpServer.ListenAndServe()
}
