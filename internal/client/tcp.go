// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/mux"
	"go.chromium.org/sshuttle/internal/netloop"
)

const maxAcceptsPerTick = 64

// tcpListener accepts redirected connections and proxies each over a new
// channel.
type tcpListener struct {
	ctx     context.Context
	fd      int
	addr    netip.AddrPort
	mux     *mux.Mux
	loop    *netloop.Loop
	spare   *netloop.SpareFD
	accept  netloop.AcceptFunc
	origDst OrigDstFunc
	closed  bool
}

var _ netloop.Handler = (*tcpListener)(nil)

func (l *tcpListener) PreSelect(ps *netloop.PollSet) {
	if !l.closed {
		ps.AddRead(l.fd)
	}
}

func (l *tcpListener) Callback(ps *netloop.PollSet) {
	if l.closed || !ps.Readable(l.fd) {
		return
	}
	for i := 0; i < maxAcceptsPerTick; i++ {
		nfd, sa, err := l.accept(l.fd)
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case netloop.IsFDExhausted(err):
			l.spare.Shed(l.ctx, l.fd, l.accept)
			return
		case err != nil:
			logging.Warningf(l.ctx, "Accept on %v failed: %v", l.addr, err)
			return
		}
		l.handle(nfd, sa)
	}
}

func (l *tcpListener) Finished() bool { return l.closed }

func (l *tcpListener) close() {
	if !l.closed {
		l.closed = true
		unix.Close(l.fd)
	}
}

// handle starts proxying the accepted connection nfd.
func (l *tcpListener) handle(nfd int, peer unix.Sockaddr) {
	dst, err := l.origDst(nfd)
	if err != nil {
		logging.Warningf(l.ctx, "Dropping connection from %s: %v", sockaddrString(peer), err)
		unix.Close(nfd)
		return
	}
	if dst.Addr().Unmap() == l.addr.Addr().Unmap() && dst.Port() == l.addr.Port() {
		logging.Warningf(l.ctx, "Dropping connection from %s to the proxy itself (%v)", sockaddrString(peer), dst)
		unix.Close(nfd)
		return
	}
	ch, ok := l.mux.NextChannel()
	if !ok {
		logging.Warningf(l.ctx, "Out of channels; dropping connection from %s to %v", sockaddrString(peer), dst)
		unix.Close(nfd)
		return
	}
	if err := l.mux.Send(ch, mux.CmdConnect, []byte(dst.String())); err != nil {
		logging.Warningf(l.ctx, "Dropping connection to %v: %v", dst, err)
		l.mux.Release(ch)
		unix.Close(nfd)
		return
	}
	name := fmt.Sprintf("%s->%v", sockaddrString(peer), dst)
	logging.Infof(l.ctx, "Accepted TCP connection %s on channel %d", name, ch)
	sock := netloop.NewSockWrapper(nfd, nfd, name)
	w := mux.NewWrapper(l.mux, ch, fmt.Sprintf("channel %d", ch))
	l.loop.Add(netloop.NewProxy(l.ctx, sock, w))
}
