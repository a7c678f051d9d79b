// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/sshuttle/internal/client"
	"go.chromium.org/sshuttle/internal/command"
	"go.chromium.org/sshuttle/internal/config"
	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/internal/logging"
	"go.chromium.org/sshuttle/internal/mux"
	"go.chromium.org/sshuttle/internal/transport"
)

const (
	firewallDoneTimeout  = 30 * time.Second
	sshConnectTimeout    = 10 * time.Second
	sshConnectRetries    = 2
	sshConnectRetryDelay = time.Second
)

// runCmd implements subcommands.Command to run the client.
type runCmd struct {
	cfgPath string
	cfg     *config.Config
	stderr  io.Writer
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd(stderr io.Writer) *runCmd {
	return &runCmd{cfg: config.Default(), stderr: stderr}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "forward traffic to a remote network" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]... [<remote>]

Description:
    Redirects connections to the configured subnets through the remote host.
    Runs until interrupted or the connection is lost.

Remote:
    An SSH destination of the form "[user@]host[:port]". It overrides the
    remote of the config file.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.cfgPath, "config", "", "YAML config file; flags override its values")
	r.cfg.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := r.resolveConfig(f)
	if err != nil {
		fmt.Fprintf(r.stderr, "%v\n\n%s", err, r.Usage())
		return subcommands.ExitUsageError
	}

	level := logging.LevelInfo
	if cfg.Verbose {
		level = logging.LevelDebug
	}
	ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(level, true, logging.NewWriterSink(r.stderr)))
	logging.Debug(ctx, "Command line: ", strings.Join(os.Args, " "))

	if err := run(ctx, cfg); err != nil {
		var nr *firewall.NeedsRebootError
		if errors.As(err, &nr) {
			err = command.NewStatusErrorf(firewall.ExitNeedsReboot, "%v; the firewall may be left in a bad state, rebooting may be needed", err)
		}
		return subcommands.ExitStatus(command.WriteError(r.stderr, err))
	}
	return subcommands.ExitSuccess
}

// resolveConfig merges the config file, the flags and the positional
// remote.
func (r *runCmd) resolveConfig(f *flag.FlagSet) (*config.Config, error) {
	cfg := r.cfg
	if r.cfgPath != "" {
		base, err := config.Load(r.cfgPath)
		if err != nil {
			return nil, err
		}
		if err := config.Overlay(f, base); err != nil {
			return nil, err
		}
		cfg = base
	}
	switch len(f.Args()) {
	case 0:
	case 1:
		cfg.Remote = f.Arg(0)
	default:
		return nil, errors.Errorf("too many arguments: %q", f.Args())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clientOptions converts a validated config into client options.
func clientOptions(cfg *config.Config) (*client.Options, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	listen, err := netip.ParseAddrPort(cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "bad listen address %q", cfg.Listen)
	}
	var dnsListen netip.AddrPort
	if cfg.DNSListen != "" {
		if dnsListen, err = netip.ParseAddrPort(cfg.DNSListen); err != nil {
			return nil, errors.Wrapf(err, "bad DNS listen address %q", cfg.DNSListen)
		}
	}
	return &client.Options{
		Listen:      listen,
		DNSListen:   dnsListen,
		Method:      cfg.Method,
		Subnets:     rules,
		AutoNets:    cfg.AutoNets,
		AutoHosts:   cfg.AutoHosts,
		HostRefresh: cfg.HostRefresh,
		Mux: mux.Options{
			LatencyControl:    cfg.LatencyControl,
			LatencyBufferSize: cfg.LatencyBufferSize,
		},
	}, nil
}

// firewallArgv returns the helper command line for listeners bound to port
// and dnsPort. dnsPort is 0 when DNS forwarding is off.
func firewallArgv(cfg *config.Config, exe string, port, dnsPort uint16) []string {
	argv := append([]string(nil), cfg.FirewallCommand...)
	if len(argv) == 0 {
		argv = []string{exe, "firewall"}
	}
	return append(argv, fmt.Sprintf("-port=%d", port), fmt.Sprintf("-dnsport=%d", dnsPort))
}

func startTransport(ctx context.Context, cfg *config.Config) (*transport.Transport, error) {
	if !cfg.SSHInProcess {
		argv, err := transport.SSHArgv(cfg.SSHCommand, cfg.Remote, cfg.RemoteCommand)
		if err != nil {
			return nil, err
		}
		return transport.StartCommand(ctx, argv)
	}
	o := &transport.SSHOptions{
		KeyFile:              cfg.KeyFile,
		KeyDir:               cfg.KeyDir,
		KnownHosts:           cfg.KnownHosts,
		Command:              cfg.RemoteCommand,
		ConnectTimeout:       sshConnectTimeout,
		ConnectRetries:       sshConnectRetries,
		ConnectRetryInterval: sshConnectRetryDelay,
	}
	if err := transport.ParseTarget(cfg.Remote, o); err != nil {
		return nil, err
	}
	return transport.DialSSH(ctx, o)
}

// run connects to the remote host, starts the firewall helper and relays
// traffic until ctx is canceled or the connection ends.
func run(ctx context.Context, cfg *config.Config) (retErr error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return err
	}

	tr, err := startTransport(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	defer tr.Close()

	cl, err := client.New(ctx, tr.FD(), opts)
	if err != nil {
		return err
	}
	defer cl.Close()

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to locate executable")
	}
	fw, err := firewall.NewClient(ctx, &firewall.Options{
		Argv: firewallArgv(cfg, exe, cl.ListenAddr().Port(), cl.DNSAddr().Port()),
	})
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), firewallDoneTimeout)
		defer cancel()
		if err := fw.Done(dctx); err != nil && retErr == nil {
			retErr = err
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return cl.Run(ctx, fw)
	})
	g.Go(func() error {
		err := tr.Wait(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "connection lost")
		}
		return nil
	})
	err = g.Wait()

	st := cl.Stats()
	logging.Debugf(ctx, "Transport: %d bytes in, %d bytes out", st.BytesIn, st.BytesOut)
	return err
}
