// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mux

import (
	"io"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/netloop"
)

// dataChunk is the largest DATA payload a Wrapper sends.
const dataChunk = 64 * 1024

// Wrapper is the netloop.Endpoint for one multiplexed channel.
type Wrapper struct {
	m      *Mux
	ch     uint32
	name   string
	in     []byte
	eof    bool
	closed bool
}

var (
	_ netloop.Endpoint = (*Wrapper)(nil)
	_ ChannelHandler   = (*Wrapper)(nil)
)

// NewWrapper returns a Wrapper for ch and registers it on m.
func NewWrapper(m *Mux, ch uint32, name string) *Wrapper {
	w := &Wrapper{m: m, ch: ch, name: name}
	m.Register(ch, w)
	return w
}

// Channel returns the channel id.
func (w *Wrapper) Channel() uint32 { return w.ch }

// OnFrame implements ChannelHandler.
func (w *Wrapper) OnFrame(cmd Command, data []byte) {
	switch cmd {
	case CmdData:
		if w.eof || w.closed {
			return
		}
		w.in = append(w.in, data...)
	case CmdExit:
		w.eof = true
	default:
		logging.Debugf(w.m.ctx, "%v: unexpected %v", w, cmd)
	}
}

// OnClose implements ChannelHandler.
func (w *Wrapper) OnClose() {
	w.eof = true
}

// PreSelect implements netloop.Endpoint. Queued data and pending EOF do not
// depend on any descriptor, so the loop is woken instead.
func (w *Wrapper) PreSelect(ps *netloop.PollSet, read, write bool) {
	if w.closed {
		return
	}
	if read && (len(w.in) > 0 || w.eof) {
		ps.Wake()
	}
	if write && w.WantsWrite() {
		ps.Wake()
	}
}

// WantsRead implements netloop.Endpoint.
func (w *Wrapper) WantsRead() bool {
	return !w.closed && (len(w.in) > 0 || !w.eof)
}

// WantsWrite implements netloop.Endpoint.
func (w *Wrapper) WantsWrite() bool {
	return !w.closed && !w.eof && !w.m.Finished() && !w.m.TooFull()
}

// Finished implements netloop.Endpoint.
func (w *Wrapper) Finished() bool {
	return w.closed || (w.eof && len(w.in) == 0)
}

// Read implements netloop.Endpoint.
func (w *Wrapper) Read() ([]byte, error) {
	if len(w.in) > 0 {
		d := w.in
		w.in = nil
		return d, nil
	}
	if w.eof || w.closed {
		return nil, io.EOF
	}
	return nil, nil
}

// Write implements netloop.Endpoint. It sends DATA frames until b is consumed
// or the Mux is full.
func (w *Wrapper) Write(b []byte) (int, error) {
	if w.closed {
		return 0, errors.Errorf("write %v: closed", w)
	}
	total := 0
	for len(b) > 0 && w.WantsWrite() {
		n := len(b)
		if n > dataChunk {
			n = dataChunk
		}
		if err := w.m.Send(w.ch, CmdData, b[:n]); err != nil {
			return total, errors.Wrapf(err, "write %v", w)
		}
		total += n
		b = b[n:]
	}
	return total, nil
}

// Close implements netloop.Endpoint. It tells the remote end to close the
// channel unless the remote end already did, and frees the channel id.
func (w *Wrapper) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.in = nil
	var err error
	if !w.eof && !w.m.Finished() {
		err = w.m.Send(w.ch, CmdExit, nil)
	}
	w.m.Release(w.ch)
	return err
}

func (w *Wrapper) String() string { return w.name }
