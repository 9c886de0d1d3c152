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

package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// jsonRecord is Record's on-disk shape: the event payload is carried
// opaquely under Data, tagged by Kind so an offline reader can dispatch
// without reconstructing the original Go type.
type jsonRecord struct {
	Thread string `json:"thread"`
	AtNs   int64  `json:"at_ns"`
	Kind   string `json:"kind"`
	Data   Event  `json:"data"`
}

// JSONLSink is a buffered, append-only JSONL mirror of the trace,
// intended for offline analysis of a single run. Safe for concurrent
// use; optimized for append-only workloads.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewJSONLSink opens (or creates, truncating) the file at path for
// buffered JSONL writes. Call Close when done.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// OnRecord writes one record as a JSON line.
func (s *JSONLSink) OnRecord(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jr := jsonRecord{Thread: rec.Thread, AtNs: int64(rec.At), Kind: rec.Event.eventKind(), Data: rec.Event}
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&jr); err != nil {
		// best effort: flush and retry once, matching the teacher's sinks
		_ = s.w.Flush()
		_ = enc.Encode(&jr)
	}
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Flush forces buffered data to disk.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}
