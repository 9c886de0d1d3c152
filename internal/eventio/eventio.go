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

// Package eventio reads and writes a tail client's tape in the CSV
// format spec.md §6 names, as an alternative to stepClient's
// random-generation path.
package eventio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"headtailsim/internal/tailmsg"
	"headtailsim/internal/txmodel"
)

// Header is the literal CSV header row spec.md §6 names.
const Header = "slot,clientId,event,size,amount,recipients"

// Format renders one event as a CSV row (no trailing newline), per
// spec.md §6: a Pull row carries only slot/clientId/event; a NewTx row
// also carries size, amount, and a space-separated recipient list.
func Format(ev tailmsg.Event) ([]string, error) {
	slot := strconv.Itoa(ev.Slot)
	clientID := strconv.Itoa(int(ev.From))

	switch m := ev.Msg.(type) {
	case tailmsg.Pull:
		return []string{slot, clientID, "pull", "", "", ""}, nil
	case tailmsg.NewTx:
		mt, ok := m.Tx.(*txmodel.MockTx)
		if !ok {
			return nil, fmt.Errorf("eventio: NewTx at slot %d has a non-MockTx tx (%T), cannot format", ev.Slot, m.Tx)
		}
		recips := make([]string, len(m.Recipients))
		for i, r := range m.Recipients {
			recips[i] = strconv.Itoa(int(r))
		}
		return []string{
			slot, clientID, "new-tx",
			strconv.Itoa(mt.Size()),
			strconv.FormatInt(mt.Amount(), 10),
			strings.Join(recips, " "),
		}, nil
	default:
		return nil, fmt.Errorf("eventio: event shape %T has no CSV representation", ev.Msg)
	}
}

// WriteAll writes the header followed by one row per event.
func WriteAll(w io.Writer, events []tailmsg.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(strings.Split(Header, ",")); err != nil {
		return err
	}
	for _, ev := range events {
		row, err := Format(ev)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile opens path for writing (truncating any existing file) and
// writes the full tape to it.
func WriteFile(path string, events []tailmsg.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteAll(f, events)
}

// Parse reads a tape in spec.md §6's CSV format. A malformed row or a
// missing/mismatched header is returned as an error; callers loading
// from disk should wrap it with the file path per spec.md §7's "CSV
// parse failure is fatal at load time with the file path" rule (see
// ParseFile).
func Parse(r io.Reader) ([]tailmsg.Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("eventio: reading header: %w", err)
	}
	if strings.Join(header, ",") != Header {
		return nil, fmt.Errorf("eventio: header %q does not match expected %q", strings.Join(header, ","), Header)
	}

	var out []tailmsg.Event
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("eventio: reading row %d: %w", len(out)+1, err)
		}
		ev, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("eventio: row %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ParseFile reads and parses the tape at path, wrapping any failure
// with the path per spec.md §7's load-time-fatal rule.
func ParseFile(path string) ([]tailmsg.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventio: opening %s: %w", path, err)
	}
	defer f.Close()
	events, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("eventio: %s: %w", path, err)
	}
	return events, nil
}

func parseRow(row []string) (tailmsg.Event, error) {
	slot, err := strconv.Atoi(row[0])
	if err != nil {
		return tailmsg.Event{}, fmt.Errorf("bad slot %q: %w", row[0], err)
	}
	clientIDint, err := strconv.Atoi(row[1])
	if err != nil {
		return tailmsg.Event{}, fmt.Errorf("bad clientId %q: %w", row[1], err)
	}
	clientID := tailmsg.ClientId(clientIDint)

	switch row[2] {
	case "pull":
		return tailmsg.Event{Slot: slot, From: clientID, Msg: tailmsg.Pull{}}, nil
	case "new-tx":
		size, err := strconv.Atoi(row[3])
		if err != nil {
			return tailmsg.Event{}, fmt.Errorf("bad size %q: %w", row[3], err)
		}
		amount, err := strconv.ParseInt(row[4], 10, 64)
		if err != nil {
			return tailmsg.Event{}, fmt.Errorf("bad amount %q: %w", row[4], err)
		}
		var recipients []tailmsg.ClientId
		if row[5] != "" {
			for _, f := range strings.Fields(row[5]) {
				n, err := strconv.Atoi(f)
				if err != nil {
					return tailmsg.Event{}, fmt.Errorf("bad recipient %q: %w", f, err)
				}
				recipients = append(recipients, tailmsg.ClientId(n))
			}
		}
		tx := txmodel.NewMockTx(int(clientID), slot, amount, size)
		return tailmsg.Event{Slot: slot, From: clientID, Msg: tailmsg.NewTx{Tx: tx, Recipients: recipients}}, nil
	default:
		return tailmsg.Event{}, fmt.Errorf("unknown event kind %q", row[2])
	}
}
