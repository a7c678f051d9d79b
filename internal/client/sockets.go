// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package client

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
)

// soOriginalDst is SO_ORIGINAL_DST (and IP6T_SO_ORIGINAL_DST) from
// linux/netfilter_ipv4.h.
const soOriginalDst = 80

// OrigDstFunc returns the destination a redirected connection was
// originally addressed to.
type OrigDstFunc func(fd int) (netip.AddrPort, error)

// OrigDstFor returns the OrigDstFunc for a redirection method.
func OrigDstFor(method string) (OrigDstFunc, error) {
	switch method {
	case "nat":
		return NATOrigDst, nil
	case "tproxy":
		return TProxyOrigDst, nil
	default:
		return nil, errors.Errorf("unknown method %q", method)
	}
}

// NATOrigDst reads the pre-NAT destination of fd from netfilter.
func NATOrigDst(fd int) (netip.AddrPort, error) {
	local, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getsockname")
	}
	if _, ok := local.(*unix.SockaddrInet6); ok {
		info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, soOriginalDst)
		if err != nil {
			return netip.AddrPort{}, errors.Wrap(err, "IP6T_SO_ORIGINAL_DST")
		}
		var port [2]byte
		binary.NativeEndian.PutUint16(port[:], info.Addr.Port)
		return netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr).Unmap(), binary.BigEndian.Uint16(port[:])), nil
	}
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, soOriginalDst)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "SO_ORIGINAL_DST")
	}
	// struct sockaddr_in: family, port, address.
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]}), port), nil
}

// TProxyOrigDst returns the local address of fd, which is the original
// destination for connections delivered by TPROXY.
func TProxyOrigDst(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getsockname")
	}
	ap, ok := fromSockaddr(sa)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("unexpected socket address %T", sa)
	}
	return ap, nil
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}

func sockaddrString(sa unix.Sockaddr) string {
	if ap, ok := fromSockaddr(sa); ok {
		return ap.String()
	}
	return "?"
}

// listen creates a bound non-blocking socket of type typ (unix.SOCK_STREAM
// or unix.SOCK_DGRAM) and returns it with its actual address.
func listen(addr netip.AddrPort, typ int, transparent bool) (int, netip.AddrPort, error) {
	sa := toSockaddr(addr)
	family, level, opt := unix.AF_INET, unix.SOL_IP, unix.IP_TRANSPARENT
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family, level, opt = unix.AF_INET6, unix.SOL_IPV6, unix.IPV6_TRANSPARENT
	}
	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, netip.AddrPort{}, errors.Wrap(err, "socket")
	}
	bound, err := setupListener(fd, sa, typ, level, opt, transparent)
	if err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, errors.Wrapf(err, "listen on %v", addr)
	}
	return fd, bound, nil
}

func setupListener(fd int, sa unix.Sockaddr, typ, level, opt int, transparent bool) (netip.AddrPort, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "SO_REUSEADDR")
	}
	if transparent {
		if err := unix.SetsockoptInt(fd, level, opt, 1); err != nil {
			return netip.AddrPort{}, errors.Wrap(err, "enable transparent proxying")
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "bind")
	}
	if typ == unix.SOCK_STREAM {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			return netip.AddrPort{}, errors.Wrap(err, "listen")
		}
	}
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getsockname")
	}
	bound, _ := fromSockaddr(lsa)
	return bound, nil
}
