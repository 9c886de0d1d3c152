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

// Package config holds the simulation's external configuration surface:
// PrepareOptions/RunOptions/ClientOptions/ServerOptions and the region
// latency table, exactly as named in spec.md §6.
package config

import "time"

// Region is an opaque geographic label used only to look up a latency
// between a pair of endpoints. The simulator attaches no meaning to a
// Region beyond that lookup.
type Region string

const (
	RegionUSEast  Region = "us-east"
	RegionUSWest  Region = "us-west"
	RegionEUWest  Region = "eu-west"
	RegionAPSouth Region = "ap-south"
)

// latencyTable gives the one-way latency between every region pair this
// simulator knows about. It is intentionally a static map, not a formula,
// so it is trivially deterministic for a given pair — spec.md requires
// only that, not any particular numeric model.
var latencyTable = map[[2]Region]time.Duration{
	{RegionUSEast, RegionUSEast}:  2 * time.Millisecond,
	{RegionUSEast, RegionUSWest}:  60 * time.Millisecond,
	{RegionUSEast, RegionEUWest}:  80 * time.Millisecond,
	{RegionUSEast, RegionAPSouth}: 220 * time.Millisecond,

	{RegionUSWest, RegionUSWest}:  2 * time.Millisecond,
	{RegionUSWest, RegionEUWest}:  140 * time.Millisecond,
	{RegionUSWest, RegionAPSouth}: 170 * time.Millisecond,

	{RegionEUWest, RegionEUWest}:  2 * time.Millisecond,
	{RegionEUWest, RegionAPSouth}: 150 * time.Millisecond,

	{RegionAPSouth, RegionAPSouth}: 2 * time.Millisecond,
}

// Latency returns the deterministic one-way latency between regions a
// and b. The table is symmetric: Latency(a, b) == Latency(b, a). Unknown
// pairs fall back to a conservative default rather than panicking, since
// the region set is open-ended (callers may define new Region values).
func Latency(a, b Region) time.Duration {
	if d, ok := latencyTable[[2]Region{a, b}]; ok {
		return d
	}
	if d, ok := latencyTable[[2]Region{b, a}]; ok {
		return d
	}
	return 100 * time.Millisecond
}

// ClientOptions configures one client's random behaviour.
type ClientOptions struct {
	// OnlineLikelihood is the per-slot probability (0..1) that the
	// client is online.
	OnlineLikelihood float64
	// SubmitLikelihood is the per-slot probability (0..1), conditional
	// on being online, that the client submits a NewTx.
	SubmitLikelihood float64
}

// PrepareOptions configures client-tape generation ahead of a run.
type PrepareOptions struct {
	NumberOfClients int
	Duration        int // slots
	Client          ClientOptions
}

// PaymentWindow bounds a client's balance around its starting value;
// leaving the interval triggers a settlement stall. A nil *PaymentWindow
// means the client's status is always InPaymentWindow.
type PaymentWindow struct {
	Lower int64
	Upper int64
}

// Contains reports whether delta (current - initial balance) is still
// inside the window.
func (w *PaymentWindow) Contains(delta int64) bool {
	if w == nil {
		return true
	}
	return delta >= w.Lower && delta <= w.Upper
}

// ServerOptions configures the tail server's resource model.
type ServerOptions struct {
	Region        Region
	WriteCapacity float64 // bytes/sec
	ReadCapacity  float64 // bytes/sec
	Concurrency   int     // number of competing main loops
}

// RunOptions configures one simulation run.
type RunOptions struct {
	SlotLength      time.Duration
	SettlementDelay int // slots
	PaymentWindow   *PaymentWindow
	Server          ServerOptions
}

// Multiplexer buffer sizes, per spec.md §5.
const (
	ClientBufferBytes = 1_000
	ServerBufferBytes = 1_000_000
)

// Fixed virtual-time constants, per spec.md §6.
const (
	LookupClientCost = 500 * time.Microsecond
)
