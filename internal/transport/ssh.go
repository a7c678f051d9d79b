// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
)

const defaultSSHPort = 22

var targetRegexp = regexp.MustCompile("^(?:([^@]+)@)?([^@]+)$")

// splitTarget splits "[user@]host[:port]". IPv6 hosts with a port must be
// bracketed.
func splitTarget(target string) (user, host, port string, err error) {
	m := targetRegexp.FindStringSubmatch(target)
	if m == nil {
		return "", "", "", errors.Errorf("couldn't parse %q as \"[user@]host[:port]\"", target)
	}
	user, host = m[1], m[2]
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	return user, host, port, nil
}

// SSHOptions configures DialSSH.
type SSHOptions struct {
	// User is the remote user name.
	User string
	// Hostname is the server's "host:port".
	Hostname string

	// KeyFile is an unencrypted private key.
	KeyFile string
	// KeyDir is a directory such as $HOME/.ssh whose standard unencrypted
	// keys are tried after KeyFile.
	KeyDir string
	// KnownHosts is a known_hosts file used to check the server's host key.
	// The host key is not checked if it is empty.
	KnownHosts string

	// Command runs on the server with its stdin and stdout connected to the
	// Transport.
	Command string

	ConnectTimeout time.Duration
	// ConnectRetries is the number of retries after a failed connection.
	ConnectRetries int
	// ConnectRetryInterval is the minimum time between connection attempts.
	ConnectRetryInterval time.Duration
}

// ParseTarget fills User and Hostname in o from "[user@]host[:port]".
func ParseTarget(target string, o *SSHOptions) error {
	user, host, port, err := splitTarget(target)
	if err != nil {
		return err
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if port == "" {
		port = strconv.Itoa(defaultSSHPort)
	}
	o.User = user
	o.Hostname = net.JoinHostPort(host, port)
	return nil
}

// authMethods returns the authentication methods for o: keys first, then
// ssh-agent.
func authMethods(ctx context.Context, o *SSHOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	var signers []ssh.Signer
	if o.KeyFile != "" {
		s, _, err := readPrivateKey(o.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read private key %s", o.KeyFile)
		}
		signers = append(signers, s)
	}
	if o.KeyDir != "" {
		for _, fn := range []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"} {
			p := filepath.Join(o.KeyDir, fn)
			if p == o.KeyFile {
				continue
			} else if _, err := os.Stat(p); os.IsNotExist(err) {
				continue
			}
			if s, rok, err := readPrivateKey(p); err == nil {
				signers = append(signers, s)
			} else if !rok {
				logging.Warningf(ctx, "Failed to read %v: %v", p, err)
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if s := os.Getenv("SSH_AUTH_SOCK"); s != "" {
		if a, err := net.Dial("unix", s); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else {
			logging.Warningf(ctx, "Failed to connect to ssh-agent at %v: %v", s, err)
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH keys or agent available")
	}
	return methods, nil
}

// readPrivateKey reads a passphraseless private key. rok reports whether
// the file could be read, in which case err means the key itself is bad.
func readPrivateKey(path string) (s ssh.Signer, rok bool, err error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	s, err = ssh.ParsePrivateKey(k)
	return s, true, err
}

func hostKeyCallback(ctx context.Context, o *SSHOptions) (ssh.HostKeyCallback, error) {
	if o.KnownHosts == "" {
		logging.Debug(ctx, "Not checking the server's host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(o.KnownHosts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", o.KnownHosts)
	}
	return cb, nil
}

// DialSSH connects to the server described by o and starts o.Command.
func DialSSH(ctx context.Context, o *SSHOptions) (*Transport, error) {
	am, err := authMethods(ctx, o)
	if err != nil {
		return nil, err
	}
	hkcb, err := hostKeyCallback(ctx, o)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            am,
		Timeout:         o.ConnectTimeout,
		HostKeyCallback: hkcb,
	}

	var cl *ssh.Client
	for i := 0; i < o.ConnectRetries+1; i++ {
		start := time.Now()
		if cl, err = connectSSH(ctx, o.Hostname, cfg); err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == o.ConnectRetries {
			return nil, errors.Wrapf(err, "failed to connect to %s", o.Hostname)
		}
		remaining := o.ConnectRetryInterval - time.Since(start)
		logging.Warningf(ctx, "Retrying SSH connection in %v: %v", remaining.Round(time.Millisecond), err)
		if remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	t, err := startSession(ctx, cl, o.Command)
	if err != nil {
		cl.Close()
		return nil, err
	}
	return t, nil
}

// connectSSH connects to hostPort through any proxy configured in the
// environment. If ctx is done before the handshake completes, the handshake
// is left to finish in the background and its client is closed.
func connectSSH(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		cl  *ssh.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := proxy.FromEnvironment().Dial("tcp", hostPort)
		if err != nil {
			done <- result{err: err}
			return
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{cl: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case r := <-done:
		return r.cl, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.cl != nil {
				r.cl.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func startSession(ctx context.Context, cl *ssh.Client, command string) (*Transport, error) {
	sess, err := cl.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SSH session")
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "failed to get session stdin")
	}
	fd, peer, err := newSocketpair()
	if err != nil {
		sess.Close()
		return nil, err
	}
	peerFD := int(peer.Fd())
	sess.Stdout = peer
	sess.Stderr = os.Stderr

	logging.Debugf(ctx, "Running %q on the server", command)
	if err := sess.Start(command); err != nil {
		sess.Close()
		peer.Close()
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to start %q", command)
	}
	go func() {
		io.Copy(stdin, peer)
		stdin.Close()
	}()

	return start(fd, func() error {
		err := sess.Wait()
		// Unblocks the stdin copy and delivers EOF to our end.
		unix.Shutdown(peerFD, unix.SHUT_RDWR)
		peer.Close()
		cl.Close()
		if err != nil {
			return errors.Wrap(err, "remote command failed")
		}
		return nil
	}, func() {
		sess.Close()
		cl.Close()
	}), nil
}
