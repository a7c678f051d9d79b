// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mux

import (
	"testing"
	"time"
)

var tableEpoch = time.Unix(1700000000, 0)

func TestChannelTableUniqueAndExhausted(t *testing.T) {
	tb := newChannelTable(4, DefaultChannelQuarantine)
	seen := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		ch, ok := tb.next(tableEpoch)
		if !ok {
			t.Fatalf("next() #%d failed", i)
		}
		if ch == 0 || ch > 4 {
			t.Errorf("next() = %d; out of range", ch)
		}
		if seen[ch] {
			t.Errorf("next() returned %d twice", ch)
		}
		seen[ch] = true
	}
	if ch, ok := tb.next(tableEpoch); ok {
		t.Errorf("next() on a full table = %d; want failure", ch)
	}

	// A quarantined id is still handed out when nothing else is free.
	tb.release(2, tableEpoch)
	if ch, ok := tb.next(tableEpoch); !ok || ch != 2 {
		t.Errorf("next() after release(2) = (%d, %v); want (2, true)", ch, ok)
	}
}

func TestChannelTableScansForward(t *testing.T) {
	tb := newChannelTable(10, DefaultChannelQuarantine)
	a, _ := tb.next(tableEpoch)
	tb.release(a, tableEpoch)
	b, _ := tb.next(tableEpoch)
	if b == a {
		t.Errorf("next() reused %d immediately; want the following id", a)
	}
}

func TestChannelTableQuarantine(t *testing.T) {
	const quarantine = 10 * time.Second
	tb := newChannelTable(3, quarantine)
	for i := 0; i < 3; i++ {
		tb.next(tableEpoch)
	}
	// 3 is released just as the quarantine of 1 ends.
	tb.release(1, tableEpoch)
	tb.release(3, tableEpoch.Add(quarantine))

	for _, tc := range []struct {
		now  time.Time
		want uint32
	}{
		// 3 is quarantined and 1 is not.
		{tableEpoch.Add(quarantine), 1},
		// Only 3 is left; it is taken although still quarantined.
		{tableEpoch.Add(quarantine + time.Second), 3},
	} {
		if ch, ok := tb.next(tc.now); !ok || ch != tc.want {
			t.Errorf("next(%v) = (%d, %v); want (%d, true)", tc.now.Sub(tableEpoch), ch, ok, tc.want)
		}
	}
}

func TestChannelTablePrefersCooledIds(t *testing.T) {
	const quarantine = 10 * time.Second
	tb := newChannelTable(4, quarantine)
	for i := 0; i < 4; i++ {
		tb.next(tableEpoch)
	}
	// The scan position is 4, so 1 would be next without the quarantine.
	tb.release(1, tableEpoch.Add(5*time.Second))
	tb.release(2, tableEpoch)

	now := tableEpoch.Add(quarantine)
	if ch, ok := tb.next(now); !ok || ch != 2 {
		t.Errorf("next() = (%d, %v); want (2, true) while 1 is quarantined", ch, ok)
	}
	if ch, ok := tb.next(now.Add(5 * time.Second)); !ok || ch != 1 {
		t.Errorf("next() after the quarantine = (%d, %v); want (1, true)", ch, ok)
	}
}

func TestChannelTableIgnoresInvalid(t *testing.T) {
	tb := newChannelTable(4, DefaultChannelQuarantine)
	if tb.set(0, nil) || tb.set(5, nil) {
		t.Error("set() accepted an invalid channel")
	}
	tb.release(0, tableEpoch)
	tb.release(9, tableEpoch)
	if tb.open != 0 {
		t.Errorf("open = %d; want 0", tb.open)
	}
}
