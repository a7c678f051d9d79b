// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package firewall talks to the privileged helper that installs redirection
// rules, and implements the helper side of that conversation.
//
// The protocol is line oriented. The helper greets with READY. The client
// sends ROUTES, one "width,exclude,ip" line per subnet and GO; the helper
// installs its rules and answers STARTED. Afterwards the client may send
// "HOST name,ip" lines. Closing the client's side tells the helper to
// restore the system and exit.
package firewall

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
)

// ExitNeedsReboot is the helper exit status meaning it could not restore the
// system's configuration.
const ExitNeedsReboot = 111

var errNotRoot = errors.New("not running as root")

// NeedsRebootError is returned by Client.Done when the helper failed to
// restore the system's configuration.
type NeedsRebootError struct{}

func (*NeedsRebootError) Error() string {
	return "firewall helper could not restore the system configuration; reboot to clean up"
}

// State is the stage of the conversation with the helper.
type State int

// States in order.
const (
	StateSpawning State = iota
	StateReady
	StateStarted
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures NewClient.
type Options struct {
	// Argv is the helper command line without privilege escalation.
	Argv []string
	// Env is appended to the current environment for the helper.
	Env []string
	// Strategies overrides DefaultStrategies.
	Strategies []Strategy
}

// Client is the client side of the helper conversation.
type Client struct {
	cmd      *exec.Cmd
	conn     *net.UnixConn
	r        *bufio.Reader
	state    State
	strategy Strategy
	waited   bool
	waitErr  error
}

// NewClient starts the helper with the first usable strategy and waits for
// its READY line.
func NewClient(ctx context.Context, opts *Options) (*Client, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("empty firewall helper command")
	}
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}

	var lastErr error
	for _, s := range strategies {
		c, err := spawn(ctx, s, opts)
		if err == nil {
			if err := c.expect(ctx, "READY"); err != nil {
				c.kill()
				return nil, err
			}
			c.state = StateReady
			logging.Debugf(ctx, "Firewall helper ready (pid %d, via %v)", c.Pid(), s)
			return c, nil
		}
		var serr *SpawnError
		if !errors.As(err, &serr) {
			return nil, err
		}
		logging.Debugf(ctx, "Cannot start firewall helper: %v", err)
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "failed to start firewall helper")
}

func spawn(ctx context.Context, s Strategy, opts *Options) (*Client, error) {
	argv, err := s.Wrap(opts.Argv)
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socketpair")
	}
	ours := os.NewFile(uintptr(fds[0]), "firewall")
	theirs := os.NewFile(uintptr(fds[1]), "firewall-child")
	defer theirs.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = theirs
	cmd.Stdout = theirs
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), opts.Env...)
	logging.Debugf(ctx, "Starting firewall helper: %s", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		ours.Close()
		return nil, &SpawnError{Strategy: s.String(), Err: err}
	}

	fc, err := net.FileConn(ours)
	ours.Close()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, errors.Wrap(err, "firewall helper connection")
	}
	conn := fc.(*net.UnixConn)
	return &Client{
		cmd:      cmd,
		conn:     conn,
		r:        bufio.NewReader(conn),
		state:    StateSpawning,
		strategy: s,
	}, nil
}

// State returns the current stage of the conversation.
func (c *Client) State() State { return c.state }

// Pid returns the helper's process id.
func (c *Client) Pid() int { return c.cmd.Process.Pid }

// Start sends the rules and waits until the helper installed them.
func (c *Client) Start(ctx context.Context, subnets []Subnet) error {
	if c.state != StateReady {
		return errors.Errorf("firewall: Start in state %v", c.state)
	}
	var b strings.Builder
	b.WriteString("ROUTES\n")
	for _, s := range SortSubnets(subnets) {
		b.WriteString(s.Line())
		b.WriteByte('\n')
	}
	b.WriteString("GO\n")
	if err := c.write(ctx, b.String()); err != nil {
		return err
	}
	c.state = StateStarted
	if err := c.expect(ctx, "STARTED"); err != nil {
		return err
	}
	c.state = StateRunning
	logging.Infof(ctx, "Firewall rules installed for %d subnets", len(subnets))
	return nil
}

// SetHost asks the helper to resolve name to ip locally.
func (c *Client) SetHost(ctx context.Context, h Host) error {
	if c.state != StateRunning {
		return errors.Errorf("firewall: SetHost in state %v", c.state)
	}
	return c.write(ctx, fmt.Sprintf("HOST %s\n", h))
}

// Done tells the helper to restore the system and waits for it to exit.
func (c *Client) Done(ctx context.Context) error {
	if c.state == StateDone {
		return nil
	}
	c.state = StateDone
	if err := c.conn.CloseWrite(); err != nil {
		logging.Debugf(ctx, "Closing firewall helper input: %v", err)
	}
	defer c.conn.Close()

	err := c.wait(ctx)
	if err == nil {
		logging.Debug(ctx, "Firewall helper exited")
		return nil
	}
	var xerr *exec.ExitError
	if errors.As(err, &xerr) && xerr.ExitCode() == ExitNeedsReboot {
		return &NeedsRebootError{}
	}
	return errors.Wrap(err, "firewall helper failed")
}

func (c *Client) wait(ctx context.Context) error {
	if c.waited {
		return c.waitErr
	}
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		c.waited, c.waitErr = true, err
		return err
	case <-ctx.Done():
		c.cmd.Process.Kill()
		c.waited, c.waitErr = true, <-done
		return ctx.Err()
	}
}

func (c *Client) kill() {
	c.state = StateDone
	c.conn.Close()
	if !c.waited {
		c.cmd.Process.Kill()
		c.waited, c.waitErr = true, c.cmd.Wait()
	}
}

func (c *Client) setDeadline(ctx context.Context) {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	c.conn.SetDeadline(dl)
}

func (c *Client) write(ctx context.Context, s string) error {
	c.setDeadline(ctx)
	if _, err := io.WriteString(c.conn, s); err != nil {
		c.kill()
		return errors.Wrap(err, "firewall helper is gone")
	}
	return nil
}

// expect reads one line and fails unless it is want.
func (c *Client) expect(ctx context.Context, want string) error {
	c.setDeadline(ctx)
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.kill()
		if err == io.EOF {
			return errors.Errorf("firewall helper exited before %s (%v)", want, c.waitErr)
		}
		return errors.Wrapf(err, "waiting for %s from firewall helper", want)
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		c.kill()
		return errors.Errorf("firewall helper said %q; want %q", got, want)
	}
	return nil
}
