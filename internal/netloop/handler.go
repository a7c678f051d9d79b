// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package netloop implements the single-threaded event loop that drives every
// socket, listener and the multiplexer of a client.
//
// Everything the loop drives is a Handler. Once per tick each Handler declares
// the descriptors it is interested in (PreSelect), the loop polls them once,
// and then every Handler gets its Callback. No Handler may block: all
// descriptors are non-blocking.
//
// A Proxy is a Handler that pumps bytes between two Endpoints. SockWrapper is
// the Endpoint for an OS socket; the mux package provides the Endpoint for a
// multiplexed channel.
package netloop

import (
	"time"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
)

// Handler is an entity driven by the Loop.
type Handler interface {
	// PreSelect runs at the start of every tick and declares the descriptors
	// the handler wants polled.
	PreSelect(ps *PollSet)
	// Callback runs after the poll on every tick, whether or not any of the
	// handler's descriptors became ready.
	Callback(ps *PollSet)
	// Finished reports whether the handler is done. Finished handlers are
	// dropped from the loop after the tick.
	Finished() bool
}

// Core is the long-lived Handler whose end terminates the loop.
type Core interface {
	Handler
	// Err returns the reason the core handler finished, or nil for a clean
	// shutdown.
	Err() error
}

// PollSet collects descriptor interest for one poll and its results.
type PollSet struct {
	idx  map[int]int
	fds  []unix.PollFd
	wake bool
}

func newPollSet() *PollSet {
	return &PollSet{idx: make(map[int]int)}
}

func (p *PollSet) reset() {
	for fd := range p.idx {
		delete(p.idx, fd)
	}
	p.fds = p.fds[:0]
	p.wake = false
}

func (p *PollSet) add(fd int, ev int16) {
	if fd < 0 {
		return
	}
	if i, ok := p.idx[fd]; ok {
		p.fds[i].Events |= ev
		return
	}
	p.idx[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: ev})
}

// AddRead asks for fd to be polled for readability.
func (p *PollSet) AddRead(fd int) { p.add(fd, unix.POLLIN) }

// AddWrite asks for fd to be polled for writability.
func (p *PollSet) AddWrite(fd int) { p.add(fd, unix.POLLOUT) }

// Wake makes the coming poll return immediately. Handlers call it when they
// have work that does not depend on any descriptor, e.g. data queued on a
// multiplexed channel.
func (p *PollSet) Wake() { p.wake = true }

func (p *PollSet) revents(fd int) int16 {
	i, ok := p.idx[fd]
	if !ok {
		return 0
	}
	return p.fds[i].Revents
}

// Readable reports whether fd was reported readable, hung up or in error.
func (p *PollSet) Readable(fd int) bool {
	return p.revents(fd)&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

// Writable reports whether fd was reported writable or in error.
func (p *PollSet) Writable(fd int) bool {
	return p.revents(fd)&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0
}

// poll waits up to timeout for any registered descriptor.
func (p *PollSet) poll(timeout time.Duration) error {
	if p.wake {
		timeout = 0
	}
	ms := int(timeout / time.Millisecond)
	for {
		_, err := unix.Poll(p.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		return nil
	}
}
