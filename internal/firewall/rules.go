// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/sshuttle/internal/errors"
)

// Subnet is one redirection rule. Traffic to Prefix is redirected unless
// Exclude is set, in which case it is left alone.
type Subnet struct {
	Prefix  netip.Prefix
	Exclude bool
}

func (s Subnet) String() string {
	if s.Exclude {
		return "!" + s.Prefix.String()
	}
	return s.Prefix.String()
}

// Line returns the wire form "width,exclude,ip".
func (s Subnet) Line() string {
	ex := 0
	if s.Exclude {
		ex = 1
	}
	return fmt.Sprintf("%d,%d,%s", s.Prefix.Bits(), ex, s.Prefix.Addr())
}

// ParseSubnetLine parses the wire form produced by Line.
func ParseSubnetLine(line string) (Subnet, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return Subnet{}, errors.Errorf("malformed route %q", line)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return Subnet{}, errors.Wrapf(err, "malformed route width %q", parts[0])
	}
	var ex bool
	switch parts[1] {
	case "0":
	case "1":
		ex = true
	default:
		return Subnet{}, errors.Errorf("malformed route exclude flag %q", parts[1])
	}
	ip, err := netip.ParseAddr(parts[2])
	if err != nil {
		return Subnet{}, errors.Wrapf(err, "malformed route address %q", parts[2])
	}
	p, err := ip.Prefix(width)
	if err != nil {
		return Subnet{}, errors.Wrapf(err, "bad route %q", line)
	}
	return Subnet{Prefix: p, Exclude: ex}, nil
}

// SortSubnets orders subnets most specific first, excludes before includes of
// the same width, so that the first matching rule wins.
func SortSubnets(subnets []Subnet) []Subnet {
	sorted := append([]Subnet(nil), subnets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Prefix.Bits() != b.Prefix.Bits() {
			return a.Prefix.Bits() > b.Prefix.Bits()
		}
		return a.Exclude && !b.Exclude
	})
	return sorted
}

// Host is a name to address override.
type Host struct {
	Name string
	IP   netip.Addr
}

func (h Host) String() string { return h.Name + "," + h.IP.String() }

// ParseHost parses "name,ip".
func ParseHost(s string) (Host, error) {
	name, addr, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok || name == "" || strings.ContainsAny(name, " \t#") {
		return Host{}, errors.Errorf("malformed host %q", s)
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return Host{}, errors.Wrapf(err, "malformed host address in %q", s)
	}
	return Host{Name: name, IP: ip}, nil
}
