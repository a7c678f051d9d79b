// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package client

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestSockaddrConversion(t *testing.T) {
	for _, s := range []string{"127.0.0.1:80", "[::1]:53", "[2001:db8::5]:65535", "0.0.0.0:0"} {
		ap := netip.MustParseAddrPort(s)
		got, ok := fromSockaddr(toSockaddr(ap))
		if !ok {
			t.Errorf("fromSockaddr(toSockaddr(%v)) failed", ap)
			continue
		}
		if got != ap {
			t.Errorf("fromSockaddr(toSockaddr(%v)) = %v", ap, got)
		}
	}

	mapped := netip.MustParseAddrPort("[::ffff:10.1.2.3]:22")
	if _, ok := toSockaddr(mapped).(*unix.SockaddrInet4); !ok {
		t.Errorf("toSockaddr(%v) is not an IPv4 address", mapped)
	}
	if got := sockaddrString(&unix.SockaddrUnix{Name: "/tmp/x"}); got != "?" {
		t.Errorf("sockaddrString(unix) = %q; want %q", got, "?")
	}
}

func TestOrigDstFor(t *testing.T) {
	for _, m := range []string{"nat", "tproxy"} {
		if _, err := OrigDstFor(m); err != nil {
			t.Errorf("OrigDstFor(%q) failed: %v", m, err)
		}
	}
	if _, err := OrigDstFor("pf"); err == nil {
		t.Error(`OrigDstFor("pf") succeeded; want error`)
	}
}

// acceptOne listens on loopback, connects to it and returns the accepted
// descriptor with the listener address.
func acceptOne(t *testing.T) (int, netip.AddrPort) {
	t.Helper()
	lfd, addr, err := listen(netip.MustParseAddrPort("127.0.0.1:0"), unix.SOCK_STREAM, false)
	if err != nil {
		t.Fatal("listen: ", err)
	}
	t.Cleanup(func() { unix.Close(lfd) })
	if addr.Port() == 0 {
		t.Fatalf("listen returned %v; want a bound port", addr)
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal("dial: ", err)
	}
	t.Cleanup(func() { conn.Close() })

	var pfd [1]unix.PollFd
	pfd[0] = unix.PollFd{Fd: int32(lfd), Events: unix.POLLIN}
	if _, err := unix.Poll(pfd[:], 5000); err != nil {
		t.Fatal("poll: ", err)
	}
	nfd, _, err := unix.Accept(lfd)
	if err != nil {
		t.Fatal("accept: ", err)
	}
	t.Cleanup(func() { unix.Close(nfd) })
	return nfd, addr
}

func TestTProxyOrigDst(t *testing.T) {
	nfd, addr := acceptOne(t)
	got, err := TProxyOrigDst(nfd)
	if err != nil {
		t.Fatal("TProxyOrigDst: ", err)
	}
	if diff := cmp.Diff(addr.String(), got.String()); diff != "" {
		t.Errorf("TProxyOrigDst mismatch (-want +got):\n%s", diff)
	}
}

func TestNATOrigDstWithoutRedirect(t *testing.T) {
	nfd, _ := acceptOne(t)
	if dst, err := NATOrigDst(nfd); err == nil {
		t.Errorf("NATOrigDst on a plain connection = %v; want error", dst)
	}
}

func TestListenDatagram(t *testing.T) {
	fd, addr, err := listen(netip.MustParseAddrPort("127.0.0.1:0"), unix.SOCK_DGRAM, false)
	if err != nil {
		t.Fatal("listen: ", err)
	}
	defer unix.Close(fd)
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		t.Fatal("SO_TYPE: ", err)
	}
	if typ != unix.SOCK_DGRAM || addr.Port() == 0 {
		t.Errorf("listen = type %d addr %v; want a bound datagram socket", typ, addr)
	}
}

func TestListenInUse(t *testing.T) {
	fd, addr, err := listen(netip.MustParseAddrPort("127.0.0.1:0"), unix.SOCK_STREAM, false)
	if err != nil {
		t.Fatal("listen: ", err)
	}
	defer unix.Close(fd)
	if fd2, _, err := listen(addr, unix.SOCK_STREAM, false); err == nil {
		unix.Close(fd2)
		t.Errorf("second listen on %v succeeded; want error", addr)
	}
}
