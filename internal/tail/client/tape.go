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

	"headtailsim/internal/config"
	"headtailsim/internal/tailmsg"
	"headtailsim/internal/txmodel"
)

// amountBuckets and sizeBuckets reproduce spec.md §4.5's exact stepClient
// frequency tables: weighted decades for amount, weighted byte-ranges
// for size. Preserved verbatim — these are fixed constants of the
// model, not tunable parameters.
var amountBuckets = []struct {
	weight int
	lo, hi int64
}{
	{122, 1, 10},
	{144, 10, 100},
	{143, 100, 1_000},
	{92, 1_000, 10_000},
	{41, 10_000, 100_000},
	{12, 100_000, 1_000_000},
}

var sizeBuckets = []struct {
	weight int
	lo, hi int
}{
	{318, 192, 512},
	{129, 512, 1024},
	{37, 1024, 2048},
	{12, 2048, 4096},
	{43, 4096, 8192},
	{17, 8192, 16384},
}

func pickAmount(rng *rand.Rand) int64 {
	total := 0
	for _, b := range amountBuckets {
		total += b.weight
	}
	r := rng.Intn(total)
	for _, b := range amountBuckets {
		if r < b.weight {
			return b.lo + rng.Int63n(b.hi-b.lo)
		}
		r -= b.weight
	}
	last := amountBuckets[len(amountBuckets)-1]
	return last.lo
}

func pickSize(rng *rand.Rand) int {
	total := 0
	for _, b := range sizeBuckets {
		total += b.weight
	}
	r := rng.Intn(total)
	for _, b := range sizeBuckets {
		if r < b.weight {
			return b.lo + rng.Intn(b.hi-b.lo)
		}
		r -= b.weight
	}
	last := sizeBuckets[len(sizeBuckets)-1]
	return last.lo
}

// DefaultRecipients is the getRecipients oracle spec.md §4.5 names as
// the default: the next client id modulo N+1, clamped to at least 1.
func DefaultRecipients(self tailmsg.ClientId, numClients int) []tailmsg.ClientId {
	n := (int(self) + 1) % (numClients + 1)
	if n < 1 {
		n = 1
	}
	return []tailmsg.ClientId{tailmsg.ClientId(n)}
}

// GenerateTape runs stepClient for every slot in [0, duration): per
// slot it draws pOnline/pSubmit from rng and emits a Pull (if online)
// followed by a NewTx (if also submitting), in that order. rng must be
// a Rand owned exclusively by this client — never shared across tasks,
// per spec.md §9's design note on RNG state — and is consumed once, up
// front, to build the deterministic tape the event loop later walks.
func GenerateTape(self tailmsg.ClientId, rng *rand.Rand, opts config.ClientOptions, duration int, numClients int, getRecipients func(self tailmsg.ClientId, slot int) []tailmsg.ClientId) []tailmsg.Event {
	if getRecipients == nil {
		getRecipients = func(self tailmsg.ClientId, _ int) []tailmsg.ClientId {
			return DefaultRecipients(self, numClients)
		}
	}

	onlineCut := int(opts.OnlineLikelihood * 100)
	submitCut := int(opts.SubmitLikelihood * 100)

	var tape []tailmsg.Event
	for slot := 0; slot < duration; slot++ {
		pOnline := rng.Intn(100) + 1
		pSubmit := rng.Intn(100) + 1
		online := pOnline <= onlineCut
		submits := online && pSubmit <= submitCut

		if online {
			tape = append(tape, tailmsg.Event{Slot: slot, From: self, Msg: tailmsg.Pull{}})
		}
		if submits {
			amount := pickAmount(rng)
			size := pickSize(rng)
			tx := txmodel.NewMockTx(int(self), slot, amount, size)
			recipients := getRecipients(self, slot)
			tape = append(tape, tailmsg.Event{Slot: slot, From: self, Msg: tailmsg.NewTx{Tx: tx, Recipients: recipients}})
		}
	}
	return tape
}
