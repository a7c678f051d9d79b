// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package netloop

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
)

// AcceptFunc accepts one connection on a listening socket. It has the shape
// of a non-blocking unix.Accept4.
type AcceptFunc func(lfd int) (nfd int, sa unix.Sockaddr, err error)

// Accept accepts a connection on lfd as a non-blocking, close-on-exec socket.
func Accept(lfd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// IsFDExhausted reports whether err means the process or system ran out of
// file descriptors.
func IsFDExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}

// SpareFD holds one descriptor in reserve so a listener can still drain a
// pending connection after the process runs out of descriptors. Otherwise
// the pending connection keeps the listener readable and the loop spins.
type SpareFD struct {
	path string
	fd   int
}

// ReserveFD opens the spare descriptor.
func ReserveFD() (*SpareFD, error) {
	s := &SpareFD{path: os.DevNull, fd: -1}
	if err := s.Reacquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// Held reports whether the spare descriptor is currently open.
func (s *SpareFD) Held() bool { return s.fd >= 0 }

// Release closes the spare descriptor, freeing one slot.
func (s *SpareFD) Release() {
	if s.fd < 0 {
		return
	}
	unix.Close(s.fd)
	s.fd = -1
}

// Reacquire reopens the spare descriptor if it is not held.
func (s *SpareFD) Reacquire() error {
	if s.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(s.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "reserve spare descriptor %s", s.path)
	}
	s.fd = fd
	return nil
}

// Shed frees the spare descriptor, accepts one pending connection on lfd and
// closes it at once, then takes the spare descriptor back. It is called after
// accept failed with IsFDExhausted.
func (s *SpareFD) Shed(ctx context.Context, lfd int, accept AcceptFunc) {
	s.Release()
	if nfd, _, err := accept(lfd); err == nil {
		unix.Close(nfd)
	} else {
		logging.Debugf(ctx, "Accept while shedding: %v", err)
	}
	// Counting needs a free slot of its own, so it runs before the spare is
	// taken back.
	logging.Warningf(ctx, "Out of file descriptors (%d open); dropped a pending connection", openFDs())
	if err := s.Reacquire(); err != nil {
		logging.Warningf(ctx, "Failed to reserve spare descriptor: %v", err)
	}
}

// Close releases the spare descriptor for good.
func (s *SpareFD) Close() error {
	s.Release()
	return nil
}

// openFDs returns the number of descriptors open in this process, or -1.
func openFDs() int32 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return -1
	}
	n, err := p.NumFDs()
	if err != nil {
		return -1
	}
	return n
}
