// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package client is the local half of the tunnel. It accepts redirected TCP
// connections and DNS queries and relays them over a multiplexed transport
// to the server.
package client

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/mux"
	"go.chromium.org/sshuttle/internal/netloop"
)

// Options configures a Client.
type Options struct {
	// Listen is the address of the TCP listener. Port 0 picks a free port.
	Listen netip.AddrPort
	// DNSListen is the address of the DNS listener. The zero value
	// disables DNS forwarding.
	DNSListen netip.AddrPort
	// Method is "nat" or "tproxy".
	Method string

	// Subnets are the rules passed to the firewall in addition to the
	// server routes.
	Subnets []firewall.Subnet
	// AutoNets waits for the server routes before starting the firewall.
	AutoNets bool
	// AutoHosts are resolved by the server and pinned by the firewall.
	AutoHosts []string
	// HostRefresh is how often AutoHosts are requested again. Zero
	// requests them once.
	HostRefresh time.Duration

	Mux mux.Options

	// Clock defaults to the real clock.
	Clock clock.Clock
	// OrigDst overrides the lookup selected by Method.
	OrigDst OrigDstFunc
	// Accept defaults to netloop.Accept.
	Accept netloop.AcceptFunc
}

// Client owns the listeners, the Mux and the loop driving them.
type Client struct {
	ctx  context.Context
	opts Options
	clk  clock.Clock

	mux     *mux.Mux
	loop    *netloop.Loop
	spare   *netloop.SpareFD
	tcp     *tcpListener
	dns     *dnsListener
	control *control

	nextHostReq time.Time
}

// New creates a Client speaking the tunnel protocol on the non-blocking
// transport descriptor fd, which remains owned by the caller.
func New(ctx context.Context, fd int, opts *Options) (_ *Client, retErr error) {
	o := *opts
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	if o.Mux.Clock == nil {
		o.Mux.Clock = o.Clock
	}
	if o.Accept == nil {
		o.Accept = netloop.Accept
	}
	if o.OrigDst == nil {
		f, err := OrigDstFor(o.Method)
		if err != nil {
			return nil, err
		}
		o.OrigDst = f
	}

	c := &Client{ctx: ctx, opts: o, clk: o.Clock}
	defer func() {
		if retErr != nil {
			c.Close()
		}
	}()

	spare, err := netloop.ReserveFD()
	if err != nil {
		return nil, err
	}
	c.spare = spare

	c.mux = mux.New(ctx, fd, fd, &o.Mux)
	c.loop = netloop.NewLoop(c.clk, c.mux)
	c.control = newControl(ctx)
	c.mux.Register(mux.ControlChannel, c.control)

	transparent := o.Method == "tproxy"
	lfd, addr, err := listen(o.Listen, unix.SOCK_STREAM, transparent)
	if err != nil {
		return nil, err
	}
	c.tcp = &tcpListener{
		ctx:     ctx,
		fd:      lfd,
		addr:    addr,
		mux:     c.mux,
		loop:    c.loop,
		spare:   spare,
		accept:  o.Accept,
		origDst: o.OrigDst,
	}
	c.loop.Add(c.tcp)
	logging.Infof(ctx, "Listening on %v", addr)

	if o.DNSListen.IsValid() {
		dfd, daddr, err := listen(o.DNSListen, unix.SOCK_DGRAM, transparent)
		if err != nil {
			return nil, err
		}
		c.dns = newDNSListener(ctx, dfd, daddr, c.mux, c.clk)
		c.loop.Add(c.dns)
		logging.Infof(ctx, "Listening for DNS on %v", daddr)
	}

	c.loop.AddHousekeeping(c.housekeep)
	return c, nil
}

// ListenAddr returns the bound address of the TCP listener.
func (c *Client) ListenAddr() netip.AddrPort { return c.tcp.addr }

// DNSAddr returns the bound address of the DNS listener, or the zero value
// when DNS forwarding is disabled.
func (c *Client) DNSAddr() netip.AddrPort {
	if c.dns == nil {
		return netip.AddrPort{}
	}
	return c.dns.addr
}

// Stats returns the transport counters.
func (c *Client) Stats() mux.Stats { return c.mux.Stats() }

// Run waits for the server, starts fw with the configured and discovered
// subnets and relays traffic until the transport closes or ctx is canceled.
// Cancellation sends EXIT to the server and returns nil.
func (c *Client) Run(ctx context.Context, fw Firewall) error {
	if err := c.waitServer(ctx); err != nil {
		return err
	}

	rules := firewall.SortSubnets(append(append([]firewall.Subnet(nil), c.opts.Subnets...), c.control.subnets()...))
	if err := fw.Start(ctx, rules); err != nil {
		return errors.Wrap(err, "start firewall")
	}
	c.control.fw = fw
	logging.Info(ctx, "Connected")

	c.requestHosts(c.clk.Now())
	err := c.loop.Run(ctx)
	if ctx.Err() != nil {
		logging.Info(c.ctx, "Shutting down")
		c.mux.Shutdown()
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "server connection")
	}
	return nil
}

// waitServer runs the loop until the sync banner (and, with AutoNets, the
// route list) has arrived.
func (c *Client) waitServer(ctx context.Context) error {
	ready := func() bool {
		return c.mux.Synced() && (!c.opts.AutoNets || c.control.gotRoutes)
	}
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.mux.Finished() {
			if err := c.mux.Err(); err != nil {
				return errors.Wrap(err, "waiting for server")
			}
			return errors.New("server exited before it was ready")
		}
		if err := c.loop.RunOnce(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) housekeep(now time.Time) {
	if c.dns != nil {
		c.dns.sweep(now)
	}
	if c.opts.HostRefresh > 0 && !c.nextHostReq.IsZero() && !now.Before(c.nextHostReq) {
		c.requestHosts(now)
	}
}

// requestHosts asks the server to resolve AutoHosts.
func (c *Client) requestHosts(now time.Time) {
	if len(c.opts.AutoHosts) == 0 {
		return
	}
	if err := c.mux.Send(mux.ControlChannel, mux.CmdHostReq, []byte(strings.Join(c.opts.AutoHosts, "\n"))); err != nil {
		logging.Debugf(c.ctx, "Host request not sent: %v", err)
		return
	}
	if c.opts.HostRefresh > 0 {
		c.nextHostReq = now.Add(c.opts.HostRefresh)
	}
}

// Close closes the listeners and the spare descriptor. The transport is left
// to its owner.
func (c *Client) Close() error {
	if c.tcp != nil {
		c.tcp.close()
	}
	if c.dns != nil {
		c.dns.close()
	}
	if c.spare != nil {
		c.spare.Close()
	}
	return nil
}
