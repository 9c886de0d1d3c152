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

// Package tailsim is the driver that wires a tail server and a set of
// tail clients into a star topology of internal/netsim links (one pair
// of multiplexers per client) and runs them to quiescence.
package tailsim

import (
	"fmt"
	"math/rand"

	"headtailsim/internal/config"
	tailclient "headtailsim/internal/tail/client"
	tailserver "headtailsim/internal/tail/server"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/netsim"
	"headtailsim/internal/trace"
	"headtailsim/pkg/vclock"
)

// Config bundles the parameters needed to build a tail-protocol run.
type Config struct {
	Seed           uint64
	Prepare        config.PrepareOptions
	Run            config.RunOptions
	InitialBalance int64
	ClientRegion   config.Region
	GetRecipients  func(self tailmsg.ClientId, slot int) []tailmsg.ClientId

	// Tapes, if non-nil, supplies a pre-built tape for the listed client
	// ids (e.g. loaded from disk via internal/eventio), overriding
	// GenerateTape for exactly those ids. Any client id in
	// [1, NumberOfClients] absent from Tapes still gets a generated tape.
	Tapes map[tailmsg.ClientId][]tailmsg.Event
}

// Driver owns the server, every client, every per-client link, and the
// scheduler that drives them.
type Driver struct {
	Sched  *vclock.Scheduler
	Rec    *trace.Recorder
	Server *tailserver.Server
	Clients map[tailmsg.ClientId]*tailclient.Client

	clientEndpoints map[tailmsg.ClientId]*netsim.Multiplexer
	serverEndpoints map[tailmsg.ClientId]*netsim.Multiplexer
}

// New builds a Driver with cfg.Prepare.NumberOfClients clients, each on its own
// bandwidth- and latency-modelled link to a single shared server.
func New(cfg Config) *Driver {
	sched := vclock.New()
	rec := trace.NewRecorder()

	numClients := cfg.Prepare.NumberOfClients
	ids := make([]tailmsg.ClientId, numClients)
	for i := 0; i < numClients; i++ {
		ids[i] = tailmsg.ClientId(i + 1)
	}

	srv := tailserver.NewServer(sched, rec, ids, cfg.Run.Server.Concurrency)

	clientEndpoints := map[tailmsg.ClientId]*netsim.Multiplexer{}
	serverEndpoints := map[tailmsg.ClientId]*netsim.Multiplexer{}
	latency := config.Latency(cfg.ClientRegion, cfg.Run.Server.Region)
	for _, id := range ids {
		cmx := netsim.New(fmt.Sprintf("tail-client:%d->server", id), sched, rec, config.ClientBufferBytes, cfg.Run.Server.WriteCapacity, cfg.Run.Server.ReadCapacity)
		smx := netsim.New(fmt.Sprintf("tail-server->client:%d", id), sched, rec, config.ServerBufferBytes, cfg.Run.Server.WriteCapacity, cfg.Run.Server.ReadCapacity)
		netsim.Connect(cmx, smx, latency, latency)
		clientEndpoints[id] = cmx
		serverEndpoints[id] = smx
	}

	clients := map[tailmsg.ClientId]*tailclient.Client{}
	for _, id := range ids {
		tape, ok := cfg.Tapes[id]
		if !ok {
			rng := rand.New(rand.NewSource(int64(cfg.Seed)*1_000_003 + int64(id)))
			tape = tailclient.GenerateTape(id, rng, cfg.Prepare.Client, cfg.Prepare.Duration, numClients, cfg.GetRecipients)
		}
		clients[id] = tailclient.New(id, sched, rec, cfg.InitialBalance, tape, cfg.Run.PaymentWindow, cfg.Run.SettlementDelay, cfg.Run.SlotLength)
	}

	d := &Driver{
		Sched:           sched,
		Rec:             rec,
		Server:          srv,
		Clients:         clients,
		clientEndpoints: clientEndpoints,
		serverEndpoints: serverEndpoints,
	}

	// Server-side: one relay per client pulling off that client's
	// dedicated server endpoint and handing the message to the shared
	// broker, plus `concurrency` worker loops competing to process it.
	serverOut := &serverOutbound{serverEndpoints: serverEndpoints}
	for _, id := range ids {
		id, smx := id, serverEndpoints[id]
		sched.Spawn(fmt.Sprintf("relay:server<-client:%d", id), func(t *vclock.Task) {
			for {
				msg, _ := smx.Recv(t)
				srv.Deliver(id, msg.(tailmsg.Msg))
			}
		})
	}
	concurrency := cfg.Run.Server.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		sched.Spawn(fmt.Sprintf("tail-server:worker:%d", i), func(t *vclock.Task) {
			srv.Run(t, serverOut)
		})
	}

	// Client-side: one relay per client pulling server replies off its
	// own endpoint, plus the client's inbound-handler and event-loop
	// tasks.
	for _, id := range ids {
		id, cmx, cl := id, clientEndpoints[id], clients[id]
		sched.Spawn(fmt.Sprintf("relay:client:%d<-server", id), func(t *vclock.Task) {
			for {
				msg, _ := cmx.Recv(t)
				cl.Deliver(msg.(tailmsg.Msg))
			}
		})
		sched.Spawn(cl.Label()+":inbound", func(t *vclock.Task) {
			cl.InboundRun(t)
		})
		sender := &clientSender{id: id, mx: cmx}
		sched.Spawn(cl.Label()+":eventloop", func(t *vclock.Task) {
			cl.EventLoopRun(t, sender)
		})
	}

	return d
}

// serverOutbound routes the server's replies over the addressed
// client's own server-side endpoint — the peer of that client's
// outbound endpoint, so the client's relay task (reading its own
// endpoint) picks it up rather than looping back into the broker.
type serverOutbound struct {
	serverEndpoints map[tailmsg.ClientId]*netsim.Multiplexer
}

func (o *serverOutbound) SendTo(t *vclock.Task, to tailmsg.ClientId, msg tailmsg.Msg) {
	o.serverEndpoints[to].Send(t, msg, tailmsg.WireSize(msg))
}

// clientSender routes one client's outgoing traffic over its own
// endpoint to the server.
type clientSender struct {
	id tailmsg.ClientId
	mx *netsim.Multiplexer
}

func (s *clientSender) SendTo(t *vclock.Task, msg tailmsg.Msg) {
	s.mx.Send(t, msg, tailmsg.WireSize(msg))
}

// Run drives the scheduler to quiescence. A tail simulation with
// Prepare.Duration slots of tape per client quiesces once every
// client's event loop has returned at the end of its tape and the
// server workers are parked on the empty broker.
func (d *Driver) Run() { d.Sched.Run() }

// clientSnapshot is one client's reported state for internal/introspect.
type clientSnapshot struct {
	ClientID tailmsg.ClientId  `json:"clientId"`
	Balance  int64             `json:"balance"`
	Conn     tailmsg.ConnState `json:"serverSideConn"`
}

// State implements internal/introspect.StateProvider: every client's
// current balance and its connectivity as the server sees it.
func (d *Driver) State() any {
	out := make([]clientSnapshot, 0, len(d.Clients))
	for id, c := range d.Clients {
		out = append(out, clientSnapshot{
			ClientID: id,
			Balance:  c.Balance(),
			Conn:     d.Server.ConnState(id),
		})
	}
	return out
}
