// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"

	"go.chromium.org/sshuttle/internal/config"
	"go.chromium.org/sshuttle/testutil"
)

func parseRunFlags(t *testing.T, args ...string) (*runCmd, *flag.FlagSet) {
	t.Helper()
	cmd := newRunCmd(&bytes.Buffer{})
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal("Parse: ", err)
	}
	return cmd, fs
}

func TestResolveConfigFlags(t *testing.T) {
	cmd, fs := parseRunFlags(t, "-subnets=10.0.0.0/8,192.168.0.0/16", "-dns-listen=127.0.0.1:12353", "user@gw:2222")
	cfg, err := cmd.resolveConfig(fs)
	if err != nil {
		t.Fatal("resolveConfig: ", err)
	}
	if cfg.Remote != "user@gw:2222" {
		t.Errorf("Remote = %q; want %q", cfg.Remote, "user@gw:2222")
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		t.Fatal("clientOptions: ", err)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:12300"); opts.Listen != want {
		t.Errorf("Listen = %v; want %v", opts.Listen, want)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:12353"); opts.DNSListen != want {
		t.Errorf("DNSListen = %v; want %v", opts.DNSListen, want)
	}
	var subnets []string
	for _, s := range opts.Subnets {
		subnets = append(subnets, s.String())
	}
	if diff := cmp.Diff([]string{"10.0.0.0/8", "192.168.0.0/16"}, subnets); diff != "" {
		t.Errorf("Subnets mismatch (-want +got):\n%s", diff)
	}
	if !opts.Mux.LatencyControl {
		t.Error("LatencyControl is off by default")
	}
}

func TestResolveConfigFile(t *testing.T) {
	td := testutil.TempDir(t)
	if err := testutil.WriteFiles(td, map[string]string{
		"sshuttle.yaml": strings.Join([]string{
			"remote: gw.example.com",
			"subnets: [10.0.0.0/8]",
			"exclude: [10.9.0.0/16]",
			"host_refresh: 1m",
			"method: tproxy",
		}, "\n"),
	}); err != nil {
		t.Fatal(err)
	}
	cmd, fs := parseRunFlags(t, "-config="+filepath.Join(td, "sshuttle.yaml"), "-method=nat", "-verbose")
	cfg, err := cmd.resolveConfig(fs)
	if err != nil {
		t.Fatal("resolveConfig: ", err)
	}
	if cfg.Remote != "gw.example.com" || cfg.Method != "nat" || !cfg.Verbose || cfg.HostRefresh != time.Minute {
		t.Errorf("resolveConfig = %+v; want file values overridden by flags", cfg)
	}
	opts, err := clientOptions(cfg)
	if err != nil {
		t.Fatal("clientOptions: ", err)
	}
	if len(opts.Subnets) != 2 || !opts.Subnets[1].Exclude {
		t.Errorf("Subnets = %v; want an include and an exclude", opts.Subnets)
	}
}

func TestResolveConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"no remote", []string{"-subnets=10.0.0.0/8"}},
		{"no subnets", []string{"gw"}},
		{"two remotes", []string{"-subnets=10.0.0.0/8", "gw1", "gw2"}},
		{"bad subnet", []string{"-subnets=10.0.0.300/8", "gw"}},
		{"missing config", []string{"-config=/nonexistent/sshuttle.yaml", "gw"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cmd, fs := parseRunFlags(t, tc.args...)
			if cfg, err := cmd.resolveConfig(fs); err == nil {
				t.Errorf("resolveConfig succeeded with %+v; want error", cfg)
			}
		})
	}
}

func TestRunCmdUsageError(t *testing.T) {
	var stderr bytes.Buffer
	cmd := newRunCmd(&stderr)
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	if status := cmd.Execute(context.Background(), fs); status != subcommands.ExitUsageError {
		t.Errorf("Execute = %v; want %v", status, subcommands.ExitUsageError)
	}
	if !strings.Contains(stderr.String(), "Usage: run") {
		t.Errorf("stderr = %q; want usage", stderr.String())
	}
}

func TestFirewallArgv(t *testing.T) {
	cfg := config.Default()
	if diff := cmp.Diff(
		[]string{"/usr/bin/sshuttle", "firewall", "-port=12300", "-dnsport=0"},
		firewallArgv(cfg, "/usr/bin/sshuttle", 12300, 0),
	); diff != "" {
		t.Errorf("Default argv mismatch (-want +got):\n%s", diff)
	}

	cfg.FirewallCommand = []string{"helper", "-method=log"}
	if diff := cmp.Diff(
		[]string{"helper", "-method=log", "-port=1", "-dnsport=2"},
		firewallArgv(cfg, "/usr/bin/sshuttle", 1, 2),
	); diff != "" {
		t.Errorf("Custom argv mismatch (-want +got):\n%s", diff)
	}
	if len(cfg.FirewallCommand) != 2 {
		t.Errorf("firewallArgv modified the config: %q", cfg.FirewallCommand)
	}
}
