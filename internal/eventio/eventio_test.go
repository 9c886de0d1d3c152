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

package eventio

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"headtailsim/internal/tailmsg"
	"headtailsim/internal/txmodel"
)

// TestRoundTrip is spec.md §8's property 7: parse . format = id over
// Pull and NewTx events.
func TestRoundTrip(t *testing.T) {
	cases := []tailmsg.Event{
		{Slot: 0, From: 1, Msg: tailmsg.Pull{}},
		{Slot: 3, From: 2, Msg: tailmsg.NewTx{
			Tx:         txmodel.NewMockTx(2, 3, 500, 1024),
			Recipients: []tailmsg.ClientId{1, 3},
		}},
		{Slot: 7, From: 4, Msg: tailmsg.NewTx{
			Tx:         txmodel.NewMockTx(4, 7, 1, 192),
			Recipients: nil,
		}},
	}

	var buf bytes.Buffer
	if err := WriteAll(&buf, cases); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	got, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != len(cases) {
		t.Fatalf("got %d events, want %d", len(got), len(cases))
	}
	for i := range cases {
		if !reflect.DeepEqual(got[i], cases[i]) {
			t.Fatalf("event %d round-tripped to %+v, want %+v", i, got[i], cases[i])
		}
	}
}

func TestParse_HeaderMismatchIsFatal(t *testing.T) {
	r := strings.NewReader("wrong,header\n0,1,pull,,,\n")
	if _, err := Parse(r); err == nil {
		t.Fatalf("expected an error for a mismatched header")
	}
}

func TestParse_UnknownEventKindIsFatal(t *testing.T) {
	r := strings.NewReader(Header + "\n0,1,teleport,,,\n")
	if _, err := Parse(r); err == nil {
		t.Fatalf("expected an error for an unrecognized event kind")
	}
}

func TestFormat_PullRow(t *testing.T) {
	row, err := Format(tailmsg.Event{Slot: 5, From: 9, Msg: tailmsg.Pull{}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	want := []string{"5", "9", "pull", "", "", ""}
	if !reflect.DeepEqual(row, want) {
		t.Fatalf("Format(Pull) = %v, want %v", row, want)
	}
}

func TestFormat_NewTxRecipientsSpaceSeparated(t *testing.T) {
	row, err := Format(tailmsg.Event{
		Slot: 1, From: 1,
		Msg: tailmsg.NewTx{Tx: txmodel.NewMockTx(1, 1, 10, 200), Recipients: []tailmsg.ClientId{2, 3, 4}},
	})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if row[5] != "2 3 4" {
		t.Fatalf("recipients field = %q, want %q", row[5], "2 3 4")
	}
}
