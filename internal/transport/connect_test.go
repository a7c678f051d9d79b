// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"go.chromium.org/sshuttle/internal/errors"
)

// silentServer accepts TCP connections and never speaks SSH.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("listen: ", err)
	}
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestConnectSSHHonorsContext(t *testing.T) {
	addr := silentServer(t)
	cfg := &ssh.ClientConfig{User: "nobody", HostKeyCallback: ssh.InsecureIgnoreHostKey()}

	for _, tc := range []struct {
		name   string
		ctx    func() (context.Context, context.CancelFunc)
		within time.Duration
	}{
		{"already canceled", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		}, time.Second},
		{"deadline during handshake", func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 100*time.Millisecond)
		}, 5 * time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := tc.ctx()
			defer cancel()
			start := time.Now()
			cl, err := connectSSH(ctx, addr, cfg)
			if err == nil {
				cl.Close()
				t.Fatal("connectSSH succeeded against a silent server")
			}
			if !errors.Is(err, ctx.Err()) {
				t.Errorf("connectSSH = %v; want %v", err, ctx.Err())
			}
			if d := time.Since(start); d > tc.within {
				t.Errorf("connectSSH took %v; want under %v", d, tc.within)
			}
		})
	}
}
