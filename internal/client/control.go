// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"net/netip"
	"strings"

	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/mux"
)

// Firewall is the part of firewall.Client the client engine drives.
type Firewall interface {
	Start(ctx context.Context, subnets []firewall.Subnet) error
	SetHost(ctx context.Context, h firewall.Host) error
}

var _ Firewall = (*firewall.Client)(nil)

// control handles the frames the server sends on the control channel.
type control struct {
	ctx context.Context
	fw  Firewall

	routes    []netip.Prefix
	gotRoutes bool
	hosts     map[string]netip.Addr
}

var _ mux.ChannelHandler = (*control)(nil)

func newControl(ctx context.Context) *control {
	return &control{ctx: ctx, hosts: make(map[string]netip.Addr)}
}

func (c *control) OnFrame(cmd mux.Command, data []byte) {
	switch cmd {
	case mux.CmdRoutes:
		c.onRoutes(data)
	case mux.CmdHostList:
		c.onHostList(data)
	default:
		logging.Debugf(c.ctx, "Ignoring %v on control channel", cmd)
	}
}

func (c *control) OnClose() {}

func (c *control) onRoutes(data []byte) {
	if c.gotRoutes {
		logging.Debug(c.ctx, "Ignoring repeated route list")
		return
	}
	c.gotRoutes = true
	for _, line := range lines(data) {
		p, err := netip.ParsePrefix(line)
		if err != nil {
			logging.Warningf(c.ctx, "Ignoring bad route %q: %v", line, err)
			continue
		}
		logging.Infof(c.ctx, "Server route: %v", p)
		c.routes = append(c.routes, p.Masked())
	}
}

func (c *control) onHostList(data []byte) {
	for _, line := range lines(data) {
		h, err := firewall.ParseHost(line)
		if err != nil {
			logging.Warningf(c.ctx, "Ignoring bad host entry %q: %v", line, err)
			continue
		}
		if old, ok := c.hosts[h.Name]; ok && old == h.IP {
			continue
		}
		if c.fw == nil {
			logging.Debugf(c.ctx, "Host %v arrived before the firewall started", h)
			continue
		}
		logging.Infof(c.ctx, "Host %v", h)
		if err := c.fw.SetHost(c.ctx, h); err != nil {
			logging.Warningf(c.ctx, "Failed to add host %v: %v", h, err)
			continue
		}
		c.hosts[h.Name] = h.IP
	}
}

// subnets returns the server routes as firewall rules.
func (c *control) subnets() []firewall.Subnet {
	var subnets []firewall.Subnet
	for _, p := range c.routes {
		subnets = append(subnets, firewall.Subnet{Prefix: p})
	}
	return subnets
}

func lines(data []byte) []string {
	var ls []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			ls = append(ls, l)
		}
	}
	return ls
}
