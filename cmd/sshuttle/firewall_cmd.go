// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"os/signal"
	"strconv"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"go.chromium.org/sshuttle/internal/command"
	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/internal/logging"
)

type firewallMethod int

const (
	hostsMethod firewallMethod = iota
	logMethod
)

// firewallCmd implements subcommands.Command for the privileged helper the
// run command spawns.
type firewallCmd struct {
	port      int
	dnsPort   int
	method    firewallMethod
	hostsFile string
	verbose   bool

	stdin          io.Reader
	stdout, stderr io.Writer
}

var _ = subcommands.Command(&firewallCmd{})

func newFirewallCmd(stdin io.Reader, stdout, stderr io.Writer) *firewallCmd {
	return &firewallCmd{stdin: stdin, stdout: stdout, stderr: stderr}
}

func (*firewallCmd) Name() string     { return "firewall" }
func (*firewallCmd) Synopsis() string { return "firewall helper (internal)" }
func (*firewallCmd) Usage() string {
	return `Usage: firewall [flag]...

Description:
    Applies redirection rules and host overrides received on stdin and
    removes them when stdin is closed. Started by the run command, usually
    through sudo.

Flag:
`
}

func (c *firewallCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.port, "port", 0, "port of the client's TCP listener")
	f.IntVar(&c.dnsPort, "dnsport", 0, "port of the client's DNS listener (0 if none)")
	methods := map[string]int{"hosts": int(hostsMethod), "log": int(logMethod)}
	mf := command.NewEnumFlag(methods, func(v int) { c.method = firewallMethod(v) }, "hosts")
	f.Var(mf, "method", "how to apply rules ("+mf.QuotedValues()+")")
	f.StringVar(&c.hostsFile, "hosts-file", "/etc/hosts", "hosts file receiving host overrides")
	f.BoolVar(&c.verbose, "verbose", false, "emit debug logs")
}

func (c *firewallCmd) newMethod() firewall.Method {
	switch c.method {
	case logMethod:
		return firewall.LogOnly{}
	default:
		return &firewall.HostsFile{Path: c.hostsFile, Tag: strconv.Itoa(c.port)}
	}
}

func (c *firewallCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	level := logging.LevelInfo
	if c.verbose {
		level = logging.LevelDebug
	}
	ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(level, true, logging.NewWriterSink(c.stderr)))
	ctx = logging.WithPrefix(ctx, "firewall: ")

	if c.port <= 0 || c.port > 0xffff {
		logging.Info(ctx, "Missing or bad -port.\n\n"+c.Usage())
		return subcommands.ExitUsageError
	}
	// The helper stops when the client closes stdin, not on a Ctrl-C sent
	// to the whole process group.
	signal.Ignore(unix.SIGINT, unix.SIGHUP)
	logging.Debugf(ctx, "Serving for port %d (DNS port %d)", c.port, c.dnsPort)

	return subcommands.ExitStatus(firewall.Serve(ctx, c.stdin, c.stdout, c.newMethod()))
}
