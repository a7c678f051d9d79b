// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package netloop

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
)

// DefaultIdleInterval bounds how long one tick may wait in poll, so
// housekeeping runs even when nothing is ready.
const DefaultIdleInterval = time.Second

// Loop is the cooperative scheduler. It is not safe for concurrent use: every
// method must be called from the goroutine running the loop.
type Loop struct {
	// IdleInterval bounds the time a tick waits for readiness.
	IdleInterval time.Duration

	clk       clock.Clock
	core      Core
	handlers  []Handler
	housekeep []func(now time.Time)
	ps        *PollSet
}

// NewLoop creates a Loop driven by core. core's Callback runs after those of
// all other handlers on every tick, so data they queue on it is flushed
// within the same tick.
func NewLoop(clk clock.Clock, core Core) *Loop {
	return &Loop{
		IdleInterval: DefaultIdleInterval,
		clk:          clk,
		core:         core,
		ps:           newPollSet(),
	}
}

// Add registers h. It may be called from a Callback; h then joins from the
// next tick.
func (l *Loop) Add(h Handler) {
	l.handlers = append(l.handlers, h)
}

// AddHousekeeping registers f to run at the end of every tick.
func (l *Loop) AddHousekeeping(f func(now time.Time)) {
	l.housekeep = append(l.housekeep, f)
}

// Len returns the number of registered handlers, excluding the core.
func (l *Loop) Len() int {
	return len(l.handlers)
}

// RunOnce runs a single tick.
func (l *Loop) RunOnce() error {
	l.ps.reset()
	hs := l.handlers
	for _, h := range hs {
		h.PreSelect(l.ps)
	}
	l.core.PreSelect(l.ps)

	if err := l.ps.poll(l.IdleInterval); err != nil {
		return err
	}

	for _, h := range hs {
		h.Callback(l.ps)
	}
	l.core.Callback(l.ps)

	live := l.handlers[:0]
	for _, h := range l.handlers {
		if !h.Finished() {
			live = append(live, h)
		}
	}
	for i := len(live); i < len(l.handlers); i++ {
		l.handlers[i] = nil
	}
	l.handlers = live

	now := l.clk.Now()
	for _, f := range l.housekeep {
		f(now)
	}
	return nil
}

// Run runs ticks until ctx is done or the core handler finishes. It returns
// the core handler's error, which is nil on a clean remote shutdown.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RunOnce(); err != nil {
			return err
		}
		if l.core.Finished() {
			return l.core.Err()
		}
	}
}
