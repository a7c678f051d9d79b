// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package transport connects the client to the remote server with one
// ordered duplex byte stream.
//
// Whatever carries the stream, an external ssh process or an in-process SSH
// session, the client sees our end of a socketpair whose other end is the
// remote command's stdin and stdout.
package transport

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
)

// Transport is a running connection to the remote server.
type Transport struct {
	fd     int
	done   chan struct{}
	err    error
	cancel func()
	closed bool
}

func newSocketpair() (ours int, theirs *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socketpair")
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, nil, errors.Wrap(err, "set non-blocking")
	}
	return fds[0], os.NewFile(uintptr(fds[1]), "transport-peer"), nil
}

// start runs wait in the background; cancel must make wait return.
func start(fd int, wait func() error, cancel func()) *Transport {
	t := &Transport{fd: fd, done: make(chan struct{}), cancel: cancel}
	go func() {
		t.err = wait()
		close(t.done)
	}()
	return t
}

// FD returns our end of the stream. It is non-blocking and owned by the
// Transport.
func (t *Transport) FD() int { return t.fd }

// Done is closed when the remote side has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Wait waits for the remote side to end and returns its error.
func (t *Transport) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes our end of the stream and stops the remote side.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := unix.Close(t.fd)
	t.cancel()
	<-t.done
	if err != nil {
		return errors.Wrap(err, "close transport")
	}
	return nil
}

// StartCommand runs argv with its stdin and stdout connected to the
// returned Transport. Its stderr is passed through.
func StartCommand(ctx context.Context, argv []string) (*Transport, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty transport command")
	}
	fd, peer, err := newSocketpair()
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = peer
	cmd.Stdout = peer
	cmd.Stderr = os.Stderr
	logging.Debugf(ctx, "Starting %s", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to start %s", argv[0])
	}
	return start(fd, func() error {
		if err := cmd.Wait(); err != nil {
			return errors.Wrapf(err, "%s failed", argv[0])
		}
		return nil
	}, func() {
		cmd.Process.Signal(unix.SIGTERM)
	}), nil
}

// SSHArgv returns the external ssh command line running remoteCmd on target,
// "[user@]host[:port]".
func SSHArgv(ssh []string, target, remoteCmd string) ([]string, error) {
	user, host, port, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	argv := append([]string(nil), ssh...)
	if port != "" {
		argv = append(argv, "-p", port)
	}
	if user != "" {
		host = user + "@" + host
	}
	return append(argv, host, "--", remoteCmd), nil
}
