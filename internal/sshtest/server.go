// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sshtest provides an in-process SSH server for testing the
// transport package.
package sshtest

import (
	"bytes"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"go.chromium.org/sshuttle/internal/errors"
)

// maxStringLen is the maximum length of a command line.
const maxStringLen = 2048

// SSHServer listens on localhost, authenticates clients with one RSA key
// pair and hands "exec" requests to an ExecHandler.
type SSHServer struct {
	cfg         *ssh.ServerConfig
	hostKey     ssh.PublicKey
	listener    net.Listener
	rejectConns int64
	execHandler ExecHandler
}

func newServerConfig(pk *rsa.PublicKey, hk *rsa.PrivateKey) (*ssh.ServerConfig, ssh.Signer, error) {
	pub, err := ssh.NewPublicKey(pk)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate SSH public key")
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(pubKey.Marshal(), pub.Marshal()) == 1 {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	signer, err := ssh.NewSignerFromKey(hk)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate host signer")
	}
	cfg.AddHostKey(signer)
	return cfg, signer, nil
}

// NewSSHServer starts a server on a random localhost port using host key hk
// and accepting the user key pk.
func NewSSHServer(pk *rsa.PublicKey, hk *rsa.PrivateKey, handler ExecHandler) (*SSHServer, error) {
	cfg, signer, err := newServerConfig(pk, hk)
	if err != nil {
		return nil, err
	}
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &SSHServer{
		cfg:         cfg,
		hostKey:     signer.PublicKey(),
		listener:    ls,
		execHandler: handler,
	}

	go func() {
		for {
			conn, err := ls.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := s.handleConn(conn); err != nil {
					log.Print("Got error while handling connection: ", err)
				}
			}()
		}
	}()
	return s, nil
}

// Close stops accepting connections.
func (s *SSHServer) Close() error {
	return s.listener.Close()
}

// RejectConns makes the server drop the next n connections before the
// handshake.
func (s *SSHServer) RejectConns(n int) {
	atomic.StoreInt64(&s.rejectConns, int64(n))
}

// Addr returns the listening address.
func (s *SSHServer) Addr() net.Addr {
	return s.listener.Addr()
}

// HostKey returns the server's public host key.
func (s *SSHServer) HostKey() ssh.PublicKey {
	return s.hostKey
}

func (s *SSHServer) handleConn(conn net.Conn) error {
	if atomic.AddInt64(&s.rejectConns, -1) >= 0 {
		conn.Close()
		return nil
	}

	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to handshake")
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, fmt.Sprintf("%q unsupported", newChan.ChannelType()))
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			return errors.Wrap(err, "failed to accept channel")
		}
		go s.handleChannel(ch, chReqs)
	}
	return nil
}

// handleChannel services a session channel. Only "exec" requests are
// supported.
func (s *SSHServer) handleChannel(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd, err := readStringPayload(req.Payload)
		if err != nil || s.execHandler == nil {
			log.Printf("Refusing exec request (handler set: %v): %v", s.execHandler != nil, err)
			req.Reply(false, nil)
			continue
		}
		er := ExecReq{Cmd: cmd, ch: ch, req: req}
		s.execHandler(&er)
		if er.success {
			return
		}
	}
}

func readStringPayload(payload []byte) (string, error) {
	var slen uint32
	br := bytes.NewReader(payload)
	if err := binary.Read(br, binary.BigEndian, &slen); err != nil {
		return "", errors.Wrap(err, "failed to read length")
	}
	if slen > maxStringLen {
		return "", errors.Errorf("string length %v too big", slen)
	}
	b := make([]byte, slen)
	if _, err := io.ReadFull(br, b); err != nil {
		return "", errors.Wrapf(err, "failed to read %v-byte string", slen)
	}
	return string(b), nil
}

func makeIntPayload(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// ExecReq is one "exec" request.
type ExecReq struct {
	// Cmd is the requested command line.
	Cmd string

	ch      ssh.Channel
	req     *ssh.Request
	success bool
}

// Start replies to the request. If success is false, no other method may be
// called. Otherwise End must be called when the command finishes.
func (e *ExecReq) Start(success bool) error {
	e.success = success
	return e.req.Reply(success, nil)
}

// Read reads the command's stdin.
func (e *ExecReq) Read(data []byte) (int, error) { return e.ch.Read(data) }

// Write writes the command's stdout.
func (e *ExecReq) Write(data []byte) (int, error) { return e.ch.Write(data) }

// CloseOutput closes stdout.
func (e *ExecReq) CloseOutput() error { return e.ch.CloseWrite() }

// End reports the command's exit status.
func (e *ExecReq) End(status int) error {
	_, err := e.ch.SendRequest("exit-status", false, makeIntPayload(uint32(status)))
	return err
}

// ExecHandler handles "exec" requests. It runs the whole command before
// returning, and may be called concurrently.
type ExecHandler func(req *ExecReq)
