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

// Package budget is a thread-safe, in-memory Vector-Scalar Accumulator used
// to gate a bounded byte budget (a multiplexer's outbound or inbound buffer
// capacity) without serializing every caller through one lock. Available
// capacity is Scalar - |Vector|: Scalar is the fixed buffer size, Vector is
// the net bytes currently reserved in flight.
package budget

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	_ "unsafe"
)

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
const padSize = 128 - 8 // atomic.Int64 is 8 bytes; remainder to reach >=128

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Budget is a striped-atomic byte-budget gate. Capacity is the scalar
// (fixed buffer size in bytes); the vector is the net bytes currently
// reserved by in-flight sends that have not been given back by Release.
type Budget struct {
	// capacity is the fixed buffer size in bytes.
	capacity atomic.Int64

	// committedOffset is subtracted from the stripe sum; Release lowers the
	// stripes directly, so nothing in this package moves it off zero.
	// Effective in-flight vector = sum(stripes) - committedOffset.
	committedOffset atomic.Int64

	// per-CPU-like stripes to reduce contention on hot multiplexers
	stripes []stripe
	mask    int // stripes-1 (power-of-two mask)

	// chooser spreads reservations across stripes
	chooser atomic.Uint64
	// rr is a round-robin counter used only under tryMu to avoid an atomic in gated paths
	rr uint64

	// approximate net reservation maintained by operations
	approxNet atomic.Int64
	// cached net value for gating when using cached gate
	cachedNet atomic.Int64
	cachedAt  atomic.Int64

	// options-derived behavior flags/params
	cheapChooser  bool
	perPChooser   bool
	useCachedGate bool
	cacheInterval time.Duration
	cacheSlack    int64
	fastPathGuard int64

	// cheap chooser resources
	prngPool sync.Pool

	// background cache refresher control
	stopCh    chan struct{}
	closeOnce sync.Once

	// small critical section to preserve gating semantics under contention
	tryMu sync.Mutex
}

// Options configures Budget construction.
type Options struct {
	// Stripes sets the number of striped counters to reduce contention.
	// 0 uses the default: nextPow2(clamp(GOMAXPROCS, [8,64])).
	Stripes int

	// CheapChooser chooses stripes without an atomic.Add, using a
	// low-overhead heuristic. Default false (use atomic chooser).
	// Only chooseIdx reads this flag, and no Budget method calls chooseIdx,
	// so it does not change how TryReserve or Release pick a stripe.
	CheapChooser bool

	// PerPChooser uses a stable P identifier via runtime procPin to pick a
	// stripe without atomics or sync.Pool. Falls back to atomic chooser if
	// unavailable. CheapChooser takes precedence if both are set. Like
	// CheapChooser, it is read only by chooseIdx, which no Budget method calls.
	PerPChooser bool

	// UseCachedGate enables a background aggregator to maintain a cached net
	// (sum(stripes)-committedOffset). TryReserve can gate using this cached
	// value with a conservative slack to avoid oversubscription.
	UseCachedGate bool
	// CacheInterval controls how frequently the cached net is refreshed.
	// Default 100us if UseCachedGate is true and this is 0.
	CacheInterval time.Duration
	// CacheSlack is a conservative margin subtracted from availability when
	// using the cached gate. Default 0.
	CacheSlack int64

	// FastPathGuard > 0 enables a lock-free fast path in TryReserve when the
	// approximate net is far enough from capacity. The guard is the safety
	// distance kept from the limit.
	FastPathGuard int64
}

// NewWithOptions creates and initializes a Budget with explicit options.
func NewWithOptions(capacityBytes int64, opts Options) *Budget {
	var s int
	if opts.Stripes > 0 {
		s = nextPow2(clampInt(opts.Stripes, 8, 64))
	} else {
		p := runtime.GOMAXPROCS(0)
		s = nextPow2(clampInt(p, 8, 64))
	}
	b := &Budget{stripes: make([]stripe, s), mask: s - 1}
	b.capacity.Store(capacityBytes)

	b.cheapChooser = opts.CheapChooser
	b.perPChooser = opts.PerPChooser
	b.useCachedGate = opts.UseCachedGate
	if b.useCachedGate {
		if opts.CacheInterval <= 0 {
			b.cacheInterval = 100 * time.Microsecond
		} else {
			b.cacheInterval = opts.CacheInterval
		}
		b.cacheSlack = opts.CacheSlack
	}
	if opts.FastPathGuard > 0 {
		b.fastPathGuard = opts.FastPathGuard
	}

	if b.useCachedGate {
		b.stopCh = make(chan struct{})
		go b.runAggregator()
	}
	return b
}

// New creates a Budget with default options for the given byte capacity.
func New(capacityBytes int64) *Budget {
	return NewWithOptions(capacityBytes, Options{})
}

// rng64 is a small xorshift PRNG used only by the cheap chooser.
type rng64 struct{ x uint64 }

func (r *rng64) next() uint64 {
	x := r.x
	if x == 0 {
		x = uint64(time.Now().UnixNano())
	}
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r.x = x
	return x * 2685821657736338717
}

func (b *Budget) chooseIdx() int {
	if b.cheapChooser {
		p := b.prngPool.Get()
		var r *rng64
		if p == nil {
			r = &rng64{x: uint64(time.Now().UnixNano())}
		} else {
			r = p.(*rng64)
		}
		x := r.next()
		b.prngPool.Put(r)
		return int(x) & b.mask
	}
	if b.perPChooser {
		pid := runtime_procPin()
		i := pid & b.mask
		runtime_procUnpin()
		return i
	}
	return int(b.chooser.Add(1)) & b.mask
}

// State returns the current capacity and effective in-flight vector.
func (b *Budget) State() (capacity, inFlight int64) {
	return b.capacity.Load(), b.currentVector()
}

// Available returns the real-time available bytes: capacity - |in-flight|.
func (b *Budget) Available() int64 {
	return b.capacity.Load() - abs(b.currentVector())
}

// TryReserve atomically checks whether at least n bytes are available and,
// if so, reserves them. Used by Multiplexer.Send to acquire outbound buffer
// space (or inbound, for the receive-side charge) without oversubscription.
func (b *Budget) TryReserve(n int64) bool {
	if n <= 0 {
		return false
	}
	if b.fastPathGuard > 0 {
		cap := b.capacity.Load()
		approx := b.approxNet.Load()
		if cap-abs(approx) >= n+b.fastPathGuard {
			idx := int(b.chooser.Add(1)) & b.mask
			b.stripes[idx].val.Add(n)
			b.approxNet.Add(n)
			return true
		}
	}
	b.tryMu.Lock()
	defer b.tryMu.Unlock()
	if b.useCachedGate {
		avail := b.capacity.Load() - abs(b.cachedNet.Load()) - b.cacheSlack
		if avail < n {
			return false
		}
	} else {
		avail := b.capacity.Load() - abs(b.currentVector())
		if avail < n {
			return false
		}
	}
	idx := int(b.rr) & b.mask
	b.rr++
	b.stripes[idx].val.Add(n)
	b.approxNet.Add(n)
	return true
}

// Release gives back n bytes previously reserved by TryReserve (e.g. once a
// message has been transmitted and its slot freed, or delivered and its
// read-side charge cleared). It never drives the net reservation negative.
func (b *Budget) Release(n int64) {
	if n <= 0 {
		return
	}
	b.tryMu.Lock()
	defer b.tryMu.Unlock()
	net := b.currentVector()
	if net <= 0 {
		return
	}
	if n > net {
		n = net
	}
	idx := int(b.rr) & b.mask
	b.rr++
	b.stripes[idx].val.Add(-n)
	b.approxNet.Add(-n)
}

// currentVector computes the effective in-flight reservation: sum(stripes) - committedOffset.
func (b *Budget) currentVector() int64 {
	var sum int64
	for i := range b.stripes {
		sum += b.stripes[i].val.Load()
	}
	return sum - b.committedOffset.Load()
}

// runAggregator periodically refreshes cachedNet using the exact sum of
// stripes, to minimize cross-core reads on the hot gating path.
func (b *Budget) runAggregator() {
	t := time.NewTicker(b.cacheInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			net := b.currentVector()
			b.cachedNet.Store(net)
			b.cachedAt.Store(now.UnixNano())
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background aggregator (if running). Safe to call multiple times.
func (b *Budget) Close() {
	b.closeOnce.Do(func() {
		if b.stopCh != nil {
			close(b.stopCh)
		}
	})
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	if intSize() == 64 {
		x |= x >> 32
	}
	return x + 1
}

func intSize() int { return 32 << (^uint(0) >> 63) }

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
