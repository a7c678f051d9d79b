// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package netloop

import (
	"io"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
)

// Endpoint is one side of a Proxy.
type Endpoint interface {
	// PreSelect registers interest for the coming poll. read and write tell
	// whether the Proxy intends to read from or write to this endpoint.
	PreSelect(ps *PollSet, read, write bool)
	// WantsRead reports whether more data may still come from Read.
	WantsRead() bool
	// WantsWrite reports whether Write can currently accept data.
	WantsWrite() bool
	// Read returns available data without blocking. It returns (nil, nil)
	// when nothing is available and io.EOF once no more data will arrive.
	Read() ([]byte, error)
	// Write writes a prefix of b without blocking and returns its length.
	Write(b []byte) (int, error)
	// Finished reports whether the endpoint has no more data to deliver.
	// An endpoint that is Finished and does not WantsWrite will never accept
	// data again.
	Finished() bool
	Close() error
	String() string
}

const sockReadSize = 65536

// SockWrapper is an Endpoint for a non-blocking OS socket, or a pair of
// descriptors used for reading and writing respectively.
type SockWrapper struct {
	rfd, wfd int
	name     string
	buf      []byte
	eof      bool
	err      error
	closed   bool
}

var _ Endpoint = (*SockWrapper)(nil)

// NewSockWrapper wraps rfd and wfd, which may be the same descriptor. The
// wrapper owns them and closes them on Close.
func NewSockWrapper(rfd, wfd int, name string) *SockWrapper {
	return &SockWrapper{rfd: rfd, wfd: wfd, name: name}
}

// PreSelect implements Endpoint.
func (s *SockWrapper) PreSelect(ps *PollSet, read, write bool) {
	if s.closed {
		return
	}
	if read {
		ps.AddRead(s.rfd)
	}
	if write {
		ps.AddWrite(s.wfd)
	}
}

// WantsRead implements Endpoint.
func (s *SockWrapper) WantsRead() bool { return !s.closed && !s.eof && s.err == nil }

// WantsWrite implements Endpoint.
func (s *SockWrapper) WantsWrite() bool { return !s.closed && s.err == nil }

// Finished implements Endpoint.
func (s *SockWrapper) Finished() bool { return s.closed || s.eof || s.err != nil }

// Read implements Endpoint.
func (s *SockWrapper) Read() ([]byte, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.buf == nil {
		s.buf = make([]byte, sockReadSize)
	}
	n, err := unix.Read(s.rfd, s.buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return nil, nil
	case err != nil:
		s.err = errors.Wrapf(err, "read %s", s.name)
		return nil, s.err
	case n == 0:
		s.eof = true
		return nil, io.EOF
	}
	return append([]byte(nil), s.buf[:n]...), nil
}

// Write implements Endpoint.
func (s *SockWrapper) Write(b []byte) (int, error) {
	if s.closed {
		return 0, errors.Errorf("write %s: closed", s.name)
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Write(s.wfd, b)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		s.err = errors.Wrapf(err, "write %s", s.name)
		return 0, s.err
	}
	return n, nil
}

// Close implements Endpoint.
func (s *SockWrapper) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Close(s.rfd)
	if s.wfd != s.rfd {
		if werr := unix.Close(s.wfd); err == nil {
			err = werr
		}
	}
	if err != nil {
		return errors.Wrapf(err, "close %s", s.name)
	}
	return nil
}

func (s *SockWrapper) String() string { return s.name }
