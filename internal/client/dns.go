// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"net/netip"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/mux"
	"go.chromium.org/sshuttle/internal/netloop"
)

// DNSTimeout is how long a forwarded DNS request waits for its response.
const DNSTimeout = 30 * time.Second

const (
	maxDNSPacket    = 65535
	maxRecvsPerTick = 64
)

// dnsRequest is a forwarded query awaiting its response.
type dnsRequest struct {
	peer     unix.Sockaddr
	deadline time.Time
}

// dnsListener forwards every datagram it receives as a DNS_REQ on a new
// channel and sends the DNS_RESP back to the querier.
type dnsListener struct {
	ctx    context.Context
	fd     int
	addr   netip.AddrPort
	mux    *mux.Mux
	clk    clock.Clock
	reqs   map[uint32]*dnsRequest
	buf    []byte
	closed bool
}

var _ netloop.Handler = (*dnsListener)(nil)

func newDNSListener(ctx context.Context, fd int, addr netip.AddrPort, m *mux.Mux, clk clock.Clock) *dnsListener {
	return &dnsListener{
		ctx:  ctx,
		fd:   fd,
		addr: addr,
		mux:  m,
		clk:  clk,
		reqs: make(map[uint32]*dnsRequest),
		buf:  make([]byte, maxDNSPacket),
	}
}

func (l *dnsListener) PreSelect(ps *netloop.PollSet) {
	if !l.closed {
		ps.AddRead(l.fd)
	}
}

func (l *dnsListener) Callback(ps *netloop.PollSet) {
	if l.closed || !ps.Readable(l.fd) {
		return
	}
	for i := 0; i < maxRecvsPerTick; i++ {
		n, from, err := unix.Recvfrom(l.fd, l.buf, 0)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logging.Warningf(l.ctx, "DNS receive on %v failed: %v", l.addr, err)
			return
		}
		l.forward(append([]byte(nil), l.buf[:n]...), from)
	}
}

func (l *dnsListener) Finished() bool { return l.closed }

func (l *dnsListener) close() {
	if !l.closed {
		l.closed = true
		unix.Close(l.fd)
	}
}

func (l *dnsListener) forward(pkt []byte, from unix.Sockaddr) {
	ch, ok := l.mux.NextChannel()
	if !ok {
		logging.Warningf(l.ctx, "Out of channels; dropping DNS request from %s", sockaddrString(from))
		return
	}
	l.reqs[ch] = &dnsRequest{peer: from, deadline: l.clk.Now().Add(DNSTimeout)}
	l.mux.Register(ch, &dnsWaiter{l: l, ch: ch})
	if err := l.mux.Send(ch, mux.CmdDNSReq, pkt); err != nil {
		logging.Warningf(l.ctx, "Dropping DNS request: %v", err)
		l.finish(ch)
		return
	}
	logging.Debugf(l.ctx, "DNS request from %s on channel %d: %s", sockaddrString(from), ch, questionName(pkt))
}

// finish forgets the request on ch and frees the channel.
func (l *dnsListener) finish(ch uint32) {
	delete(l.reqs, ch)
	l.mux.Release(ch)
}

// sweep drops requests whose deadline has passed. Nothing is sent for them.
func (l *dnsListener) sweep(now time.Time) {
	for ch, r := range l.reqs {
		if !now.Before(r.deadline) {
			logging.Debugf(l.ctx, "DNS request on channel %d timed out", ch)
			l.finish(ch)
		}
	}
}

// pending returns the number of requests awaiting a response.
func (l *dnsListener) pending() int { return len(l.reqs) }

// dnsWaiter receives the single response to a forwarded request.
type dnsWaiter struct {
	l  *dnsListener
	ch uint32
}

var _ mux.ChannelHandler = (*dnsWaiter)(nil)

func (w *dnsWaiter) OnFrame(cmd mux.Command, data []byte) {
	l := w.l
	if cmd != mux.CmdDNSResp {
		logging.Debugf(l.ctx, "Unexpected %v on DNS channel %d", cmd, w.ch)
		return
	}
	r, ok := l.reqs[w.ch]
	if !ok {
		return
	}
	l.finish(w.ch)
	if l.closed {
		return
	}
	if err := unix.Sendto(l.fd, data, 0, r.peer); err != nil {
		logging.Warningf(l.ctx, "Failed to send DNS response to %s: %v", sockaddrString(r.peer), err)
		return
	}
	logging.Debugf(l.ctx, "DNS response to %s: %s", sockaddrString(r.peer), questionName(data))
}

func (w *dnsWaiter) OnClose() {
	delete(w.l.reqs, w.ch)
}

// questionName returns the first question of a DNS message for logs.
func questionName(pkt []byte) string {
	var m dns.Msg
	if err := m.Unpack(pkt); err != nil {
		return "(unparsable)"
	}
	if len(m.Question) == 0 {
		return "(no question)"
	}
	q := m.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype]
}
