// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/logging"
)

// HostsFile is a Method that writes host overrides to a hosts(5) file. Every
// line it adds carries a marker comment so Restore can strip exactly those
// lines. Redirection rules are only logged.
type HostsFile struct {
	// Path is the hosts file, usually /etc/hosts.
	Path string
	// Tag identifies this helper instance in marker comments, e.g. the
	// listen port.
	Tag string

	hosts []Host
}

var _ Method = (*HostsFile)(nil)

func (f *HostsFile) marker() string {
	return "# sshuttle-firewall-" + f.Tag + " AUTOCREATED"
}

// Setup implements Method.
func (f *HostsFile) Setup(ctx context.Context, subnets []Subnet) error {
	for _, s := range subnets {
		logging.Debugf(ctx, "Route %v", s)
	}
	// Leftovers of a crashed run with the same tag.
	return f.rewrite(nil)
}

// AddHost implements Method.
func (f *HostsFile) AddHost(ctx context.Context, h Host) error {
	for i, old := range f.hosts {
		if old.Name == h.Name {
			f.hosts = append(f.hosts[:i], f.hosts[i+1:]...)
			break
		}
	}
	f.hosts = append(f.hosts, h)
	logging.Debugf(ctx, "Host %s -> %v", h.Name, h.IP)
	return f.rewrite(f.hosts)
}

// Restore implements Method.
func (f *HostsFile) Restore(ctx context.Context) error {
	f.hosts = nil
	return f.rewrite(nil)
}

// rewrite replaces all marked lines of the file with entries for hosts.
func (f *HostsFile) rewrite(hosts []Host) error {
	data, err := os.ReadFile(f.Path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "read %s", f.Path)
	}
	mode := os.FileMode(0644)
	if fi, err := os.Stat(f.Path); err == nil {
		mode = fi.Mode().Perm()
	}

	marker := f.marker()
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasSuffix(line, marker) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	for _, h := range hosts {
		fmt.Fprintf(&out, "%s %s %s\n", h.IP, h.Name, marker)
	}
	if bytes.Equal(out.Bytes(), data) {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".hosts.*")
	if err != nil {
		return errors.Wrap(err, "create temporary hosts file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.Wrapf(err, "replace %s", f.Path)
	}
	return nil
}

// LogOnly is a Method that only logs what it is asked to do.
type LogOnly struct{}

var _ Method = LogOnly{}

// Setup implements Method.
func (LogOnly) Setup(ctx context.Context, subnets []Subnet) error {
	for _, s := range subnets {
		logging.Infof(ctx, "Would redirect %v", s)
	}
	return nil
}

// AddHost implements Method.
func (LogOnly) AddHost(ctx context.Context, h Host) error {
	logging.Infof(ctx, "Would map %s to %v", h.Name, h.IP)
	return nil
}

// Restore implements Method.
func (LogOnly) Restore(ctx context.Context) error {
	logging.Info(ctx, "Would restore rules")
	return nil
}
