// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mux

import "time"

const (
	// DefaultMaxChannel is the highest channel id handed out by default.
	DefaultMaxChannel = 65535
	// DefaultChannelQuarantine is how long a released id is passed over
	// while other ids are free, so late frames for its previous owner are
	// dropped instead of reaching a new one.
	DefaultChannelQuarantine = 30 * time.Second
)

// ChannelHandler receives the frames of one channel.
type ChannelHandler interface {
	// OnFrame is called for every frame received on the channel, in order.
	OnFrame(cmd Command, data []byte)
	// OnClose is called when the Mux fails or shuts down.
	OnClose()
}

type slot struct {
	used  bool
	h     ChannelHandler
	freed time.Time
}

// channelTable is a fixed arena of channel slots indexed by id. Slot 0 is
// never handed out.
type channelTable struct {
	slots      []slot
	last       uint32
	open       int
	quarantine time.Duration
}

func newChannelTable(limit uint32, quarantine time.Duration) *channelTable {
	return &channelTable{slots: make([]slot, int(limit)+1), quarantine: quarantine}
}

func (t *channelTable) max() uint32 { return uint32(len(t.slots) - 1) }

// next reserves the first free id after the last one handed out. Ids
// released less than the quarantine before now are taken only when no other
// id is free.
func (t *channelTable) next(now time.Time) (uint32, bool) {
	limit := t.max()
	if t.open >= int(limit) {
		return 0, false
	}
	for _, strict := range []bool{true, false} {
		id := t.last
		for i := uint32(0); i < limit; i++ {
			id = id%limit + 1
			s := &t.slots[id]
			if s.used || (strict && t.quarantined(s, now)) {
				continue
			}
			s.used = true
			t.open++
			t.last = id
			return id, true
		}
	}
	return 0, false
}

func (t *channelTable) quarantined(s *slot, now time.Time) bool {
	return !s.freed.IsZero() && now.Sub(s.freed) < t.quarantine
}

func (t *channelTable) valid(ch uint32) bool {
	return ch != 0 && ch <= t.max()
}

func (t *channelTable) set(ch uint32, h ChannelHandler) bool {
	if !t.valid(ch) {
		return false
	}
	s := &t.slots[ch]
	if !s.used {
		s.used = true
		t.open++
	}
	s.h = h
	return true
}

func (t *channelTable) get(ch uint32) ChannelHandler {
	if !t.valid(ch) {
		return nil
	}
	return t.slots[ch].h
}

func (t *channelTable) release(ch uint32, now time.Time) {
	if !t.valid(ch) || !t.slots[ch].used {
		return
	}
	t.slots[ch] = slot{freed: now}
	t.open--
}

// handlers returns the handlers of all open channels.
func (t *channelTable) handlers() []ChannelHandler {
	var hs []ChannelHandler
	for _, s := range t.slots {
		if s.used && s.h != nil {
			hs = append(hs, s.h)
		}
	}
	return hs
}
