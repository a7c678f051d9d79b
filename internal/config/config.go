// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the client configuration, read from a YAML file and
// overridden by command line flags.
package config

import (
	"flag"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"

	"go.chromium.org/sshuttle/internal/command"
	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/internal/mux"
)

// Methods are the supported ways of learning a connection's original
// destination.
var Methods = []string{"nat", "tproxy"}

const (
	defaultListen        = "127.0.0.1:12300"
	defaultRemoteCommand = "sshuttle --server"
	defaultHostRefresh   = 30 * time.Second
)

// Config is the client configuration.
type Config struct {
	// Remote is the SSH destination, "[user@]host[:port]".
	Remote string `yaml:"remote"`
	// RemoteCommand starts the server on the remote host.
	RemoteCommand string `yaml:"remote_command"`
	// SSHCommand is the external ssh client and its arguments.
	SSHCommand []string `yaml:"ssh_command"`
	// SSHInProcess uses the built-in SSH client instead of SSHCommand.
	SSHInProcess bool   `yaml:"ssh_in_process"`
	KeyFile      string `yaml:"key_file"`
	KeyDir       string `yaml:"key_dir"`
	// KnownHosts is the known_hosts file for the built-in client. Host keys
	// are not checked when it is empty.
	KnownHosts string `yaml:"known_hosts"`

	// Listen is the address of the transparent TCP listener.
	Listen string `yaml:"listen"`
	// DNSListen is the address of the DNS listener, or empty to disable it.
	DNSListen string `yaml:"dns_listen"`

	Subnets []string `yaml:"subnets"`
	Exclude []string `yaml:"exclude"`
	// AutoNets adds the routes reported by the server.
	AutoNets bool `yaml:"auto_nets"`
	// AutoHosts are host names to resolve on the server and pin locally.
	AutoHosts   []string      `yaml:"auto_hosts"`
	HostRefresh time.Duration `yaml:"host_refresh"`

	LatencyControl    bool `yaml:"latency_control"`
	LatencyBufferSize int  `yaml:"latency_buffer_size"`

	Method string `yaml:"method"`
	// FirewallCommand is the helper command line. By default the current
	// executable's firewall subcommand is used.
	FirewallCommand []string `yaml:"firewall_command"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		RemoteCommand:     defaultRemoteCommand,
		SSHCommand:        []string{"ssh"},
		Listen:            defaultListen,
		HostRefresh:       defaultHostRefresh,
		LatencyControl:    true,
		LatencyBufferSize: mux.DefaultLatencyBufferSize,
		Method:            "nat",
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return c, nil
}

// SetFlags registers flags that override fields of c.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.Remote, "remote", c.Remote, "SSH destination ([user@]host[:port])")
	f.StringVar(&c.RemoteCommand, "remote-cmd", c.RemoteCommand, "command starting the server on the remote host")
	f.Var(command.NewListFlag(" ", &c.SSHCommand, c.SSHCommand), "ssh-cmd", "external ssh command")
	f.BoolVar(&c.SSHInProcess, "ssh-in-process", c.SSHInProcess, "use the built-in SSH client")
	f.StringVar(&c.KeyFile, "keyfile", c.KeyFile, "private key for the built-in SSH client")
	f.StringVar(&c.KeyDir, "keydir", c.KeyDir, "directory of private keys for the built-in SSH client")
	f.StringVar(&c.KnownHosts, "known-hosts", c.KnownHosts, "known_hosts file for the built-in SSH client")
	f.StringVar(&c.Listen, "listen", c.Listen, "transparent proxy listen address")
	f.StringVar(&c.DNSListen, "dns-listen", c.DNSListen, "DNS listen address (empty disables DNS forwarding)")
	f.Var(command.NewListFlag(",", &c.Subnets, c.Subnets), "subnets", "comma-separated subnets to forward")
	f.Var(command.NewListFlag(",", &c.Exclude, c.Exclude), "exclude", "comma-separated subnets not to forward")
	f.BoolVar(&c.AutoNets, "auto-nets", c.AutoNets, "forward routes reported by the server")
	f.Var(command.NewListFlag(",", &c.AutoHosts, c.AutoHosts), "auto-hosts", "comma-separated host names to resolve remotely")
	f.DurationVar(&c.HostRefresh, "host-refresh", c.HostRefresh, "interval between host list refreshes")
	f.BoolVar(&c.LatencyControl, "latency-control", c.LatencyControl, "throttle to keep interactive latency low")
	f.IntVar(&c.LatencyBufferSize, "latency-buffer-size", c.LatencyBufferSize, "bytes in flight before waiting for the server")

	valid := make(map[string]int)
	for i, m := range Methods {
		valid[m] = i
	}
	orig := c.Method
	def := orig
	if _, ok := valid[def]; !ok {
		def = Methods[0]
	}
	mf := command.NewEnumFlag(valid, func(i int) { c.Method = Methods[i] }, def)
	c.Method = orig
	f.Var(mf, "method", "how to find the original destination ("+mf.QuotedValues()+")")
	f.Var(command.NewListFlag(" ", &c.FirewallCommand, c.FirewallCommand), "firewall-cmd", "firewall helper command")
	f.BoolVar(&c.Verbose, "verbose", c.Verbose, "emit debug logs")
}

// Overlay applies the flags explicitly given in set on top of base.
func Overlay(set *flag.FlagSet, base *Config) error {
	fs := flag.NewFlagSet("overlay", flag.ContinueOnError)
	base.SetFlags(fs)
	var err error
	set.Visit(func(f *flag.Flag) {
		if err != nil || fs.Lookup(f.Name) == nil {
			return
		}
		if serr := fs.Set(f.Name, f.Value.String()); serr != nil {
			err = errors.Wrapf(serr, "-%s", f.Name)
		}
	})
	return err
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.Remote == "" {
		return errors.New("no remote host given")
	}
	if !c.SSHInProcess && len(c.SSHCommand) == 0 {
		return errors.New("empty ssh command")
	}
	if !slices.Contains(Methods, c.Method) {
		return errors.Errorf("unknown method %q", c.Method)
	}
	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		return errors.Wrapf(err, "bad listen address %q", c.Listen)
	}
	if c.DNSListen != "" {
		if _, err := netip.ParseAddrPort(c.DNSListen); err != nil {
			return errors.Wrapf(err, "bad DNS listen address %q", c.DNSListen)
		}
	}
	if len(c.Subnets) == 0 && !c.AutoNets {
		return errors.New("no subnets to forward")
	}
	if c.HostRefresh <= 0 {
		return errors.Errorf("bad host refresh interval %v", c.HostRefresh)
	}
	if c.LatencyBufferSize <= 0 {
		return errors.Errorf("bad latency buffer size %d", c.LatencyBufferSize)
	}
	_, err := c.Rules()
	return err
}

// Rules returns the configured subnets and excludes as firewall rules.
func (c *Config) Rules() ([]firewall.Subnet, error) {
	var rules []firewall.Subnet
	for _, list := range []struct {
		subnets []string
		exclude bool
	}{{c.Subnets, false}, {c.Exclude, true}} {
		for _, s := range list.subnets {
			p, err := ParseSubnet(s)
			if err != nil {
				return nil, err
			}
			rules = append(rules, firewall.Subnet{Prefix: p, Exclude: list.exclude})
		}
	}
	return rules, nil
}

// ParseSubnet parses "a.b.c.d[/width]" or an IPv6 address with an optional
// width. A missing width selects the single address. "0/0" is accepted as
// shorthand for 0.0.0.0/0.
func ParseSubnet(s string) (netip.Prefix, error) {
	addr, width, hasWidth := strings.Cut(strings.TrimSpace(s), "/")
	if addr == "0" {
		addr = "0.0.0.0"
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "bad subnet %q", s)
	}
	bits := ip.BitLen()
	if hasWidth {
		if bits, err = strconv.Atoi(width); err != nil {
			return netip.Prefix{}, errors.Wrapf(err, "bad subnet width in %q", s)
		}
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "bad subnet %q", s)
	}
	return p, nil
}
