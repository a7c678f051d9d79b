// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mux multiplexes many logical channels over one duplex byte stream.
//
// Every frame on the wire is a 12-byte header (channel, command, payload
// length, all big-endian uint32) followed by the payload. Channel 0 carries
// control traffic; the client allocates all other channel ids.
package mux

import (
	"bytes"
	"context"
	"io"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/netloop"
)

// SyncBanner precedes the first frame sent by the server. Anything before it
// is discarded.
var SyncBanner = []byte("\x00\x00SSHUTTLE0001")

// ControlChannel is the reserved channel for control frames.
const ControlChannel = 0

const (
	// DefaultLatencyBufferSize is the number of bytes that may be sent
	// before the Mux waits for a PONG when latency control is on.
	DefaultLatencyBufferSize = 32 * 1024
	// DefaultMaxOutBuffer is the size of unsent outbound data above which
	// the Mux reports itself full.
	DefaultMaxOutBuffer = 1 << 20

	readSize        = 64 * 1024
	maxReadsPerTick = 16
)

var pingPayload = []byte("rttest")

// Options configures a Mux.
type Options struct {
	// LatencyControl enables PING/PONG based throttling.
	LatencyControl bool
	// LatencyBufferSize overrides DefaultLatencyBufferSize.
	LatencyBufferSize int
	// MaxOutBuffer overrides DefaultMaxOutBuffer.
	MaxOutBuffer int
	// MaxChannel overrides DefaultMaxChannel.
	MaxChannel uint32
	// ChannelQuarantine overrides DefaultChannelQuarantine.
	ChannelQuarantine time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
	// SkipSync makes the Mux parse frames from the first byte instead of
	// waiting for SyncBanner.
	SkipSync bool
}

// Stats counts traffic through a Mux.
type Stats struct {
	BytesIn, BytesOut   int64
	FramesIn, FramesOut int64
}

// Mux is the netloop.Core handler that owns the transport.
type Mux struct {
	ctx      context.Context
	rfd, wfd int
	opts     Options
	clk      clock.Clock

	chans   *channelTable
	control ChannelHandler

	rbuf   []byte
	in     []byte
	out    []byte
	synced bool

	fullness int
	tooFull  bool

	finished bool
	err      error
	stats    Stats
}

var _ netloop.Core = (*Mux)(nil)

// New returns a Mux reading frames from rfd and writing them to wfd. Both
// descriptors must be non-blocking; they are owned by the caller.
func New(ctx context.Context, rfd, wfd int, opts *Options) *Mux {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.LatencyBufferSize <= 0 {
		o.LatencyBufferSize = DefaultLatencyBufferSize
	}
	if o.MaxOutBuffer <= 0 {
		o.MaxOutBuffer = DefaultMaxOutBuffer
	}
	if o.MaxChannel == 0 {
		o.MaxChannel = DefaultMaxChannel
	}
	if o.ChannelQuarantine <= 0 {
		o.ChannelQuarantine = DefaultChannelQuarantine
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	return &Mux{
		ctx:    ctx,
		rfd:    rfd,
		wfd:    wfd,
		opts:   o,
		clk:    o.Clock,
		chans:  newChannelTable(o.MaxChannel, o.ChannelQuarantine),
		synced: o.SkipSync,
	}
}

// NextChannel reserves an unused channel id, preferring ids not released
// recently. It returns false when every id is in use.
func (m *Mux) NextChannel() (uint32, bool) {
	return m.chans.next(m.clk.Now())
}

// Register routes frames received on ch to h, replacing any previous handler.
// ControlChannel gets frames the Mux does not consume itself.
func (m *Mux) Register(ch uint32, h ChannelHandler) {
	if ch == ControlChannel {
		m.control = h
		return
	}
	if !m.chans.set(ch, h) {
		logging.Warningf(m.ctx, "Ignoring handler for invalid channel %d", ch)
	}
}

// Release frees ch for reuse. Frames arriving on it afterwards are dropped.
func (m *Mux) Release(ch uint32) {
	m.chans.release(ch, m.clk.Now())
}

// OpenChannels returns the number of reserved channel ids.
func (m *Mux) OpenChannels() int {
	return m.chans.open
}

// Send queues one frame. The frame is written by later Callbacks.
func (m *Mux) Send(ch uint32, cmd Command, data []byte) error {
	if m.finished {
		return errors.Errorf("send %v on channel %d: mux closed", cmd, ch)
	}
	out, err := AppendFrame(m.out, Frame{Channel: ch, Cmd: cmd, Data: data})
	if err != nil {
		return err
	}
	m.out = out
	m.fullness += HeaderSize + len(data)
	m.stats.FramesOut++
	logging.Debugf(m.ctx, "> %v on channel %d (%d bytes)", cmd, ch, len(data))
	return nil
}

// CheckFullness sends a PING once more than the latency buffer has been sent
// since the last PONG, and marks the Mux full until the PONG arrives.
func (m *Mux) CheckFullness() {
	if !m.opts.LatencyControl || m.finished || m.tooFull {
		return
	}
	if m.fullness > m.opts.LatencyBufferSize {
		if err := m.Send(ControlChannel, CmdPing, pingPayload); err == nil {
			m.tooFull = true
		}
	}
}

// TooFull reports whether producers should stop queueing data.
func (m *Mux) TooFull() bool {
	return m.tooFull || len(m.out) > m.opts.MaxOutBuffer
}

// PreSelect implements netloop.Handler.
func (m *Mux) PreSelect(ps *netloop.PollSet) {
	if m.finished {
		return
	}
	ps.AddRead(m.rfd)
	if len(m.out) > 0 {
		ps.AddWrite(m.wfd)
	}
}

// Callback implements netloop.Handler.
func (m *Mux) Callback(ps *netloop.PollSet) {
	if m.finished {
		return
	}
	if ps.Readable(m.rfd) {
		m.fill()
	}
	if m.finished {
		return
	}
	m.flush()
	m.CheckFullness()
}

// Finished implements netloop.Handler.
func (m *Mux) Finished() bool { return m.finished }

// Synced reports whether the sync banner has been received.
func (m *Mux) Synced() bool { return m.synced }

// Err returns why the Mux finished. It is nil after a remote EXIT.
func (m *Mux) Err() error { return m.err }

// Stats returns traffic counters.
func (m *Mux) Stats() Stats { return m.stats }

// Shutdown tells the remote end to exit and tries once to flush pending
// frames.
func (m *Mux) Shutdown() {
	if m.finished {
		return
	}
	if err := m.Send(ControlChannel, CmdExit, nil); err != nil {
		return
	}
	m.flush()
}

func (m *Mux) fill() {
	if m.rbuf == nil {
		m.rbuf = make([]byte, readSize)
	}
	for i := 0; i < maxReadsPerTick; i++ {
		n, err := unix.Read(m.rfd, m.rbuf)
		if err == unix.EAGAIN || err == unix.EINTR {
			break
		}
		if err != nil {
			m.fail(errors.Wrap(err, "read transport"))
			return
		}
		if n == 0 {
			m.fail(errors.Wrap(io.EOF, "transport closed"))
			return
		}
		m.stats.BytesIn += int64(n)
		m.in = append(m.in, m.rbuf[:n]...)
		if n < len(m.rbuf) {
			break
		}
	}
	m.parse()
}

func (m *Mux) parse() {
	if !m.synced {
		i := bytes.Index(m.in, SyncBanner)
		if i < 0 {
			if keep := len(SyncBanner) - 1; len(m.in) > keep {
				m.in = m.in[:copy(m.in, m.in[len(m.in)-keep:])]
			}
			return
		}
		if i > 0 {
			logging.Debugf(m.ctx, "Discarded %d bytes before sync", i)
		}
		m.in = m.in[:copy(m.in, m.in[i+len(SyncBanner):])]
		m.synced = true
		logging.Debug(m.ctx, "Transport synchronized")
	}

	off := 0
	for !m.finished {
		f, n, err := ParseFrame(m.in[off:])
		if err != nil {
			m.fail(errors.Wrap(err, "bad frame from transport"))
			return
		}
		if n == 0 {
			break
		}
		off += n
		f.Data = append([]byte(nil), f.Data...)
		m.dispatch(f)
	}
	if m.finished {
		return
	}
	m.in = m.in[:copy(m.in, m.in[off:])]
}

func (m *Mux) dispatch(f Frame) {
	m.stats.FramesIn++
	logging.Debugf(m.ctx, "< %v", f)
	if f.Channel == ControlChannel {
		switch f.Cmd {
		case CmdPing:
			if err := m.Send(ControlChannel, CmdPong, f.Data); err != nil {
				logging.Debugf(m.ctx, "PONG not sent: %v", err)
			}
		case CmdPong:
			m.tooFull = false
			m.fullness = 0
		case CmdExit:
			logging.Info(m.ctx, "Remote end exited")
			m.finish(nil)
		default:
			if m.control == nil {
				logging.Debugf(m.ctx, "No control handler for %v", f.Cmd)
				return
			}
			m.control.OnFrame(f.Cmd, f.Data)
		}
		return
	}
	h := m.chans.get(f.Channel)
	if h == nil {
		logging.Debugf(m.ctx, "Dropping %v for closed channel %d", f.Cmd, f.Channel)
		return
	}
	h.OnFrame(f.Cmd, f.Data)
}

func (m *Mux) flush() {
	if len(m.out) == 0 {
		return
	}
	n, err := unix.Write(m.wfd, m.out)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		m.fail(errors.Wrap(err, "write transport"))
		return
	}
	m.stats.BytesOut += int64(n)
	m.out = m.out[:copy(m.out, m.out[n:])]
}

func (m *Mux) fail(err error) {
	logging.Infof(m.ctx, "Transport failed: %v", err)
	m.finish(err)
}

func (m *Mux) finish(err error) {
	if m.finished {
		return
	}
	m.finished = true
	m.err = err
	m.out = nil
	for _, h := range m.chans.handlers() {
		h.OnClose()
	}
	if m.control != nil {
		m.control.OnClose()
	}
	logging.Debugf(m.ctx, "Mux closed: %d bytes in, %d bytes out", m.stats.BytesIn, m.stats.BytesOut)
}
