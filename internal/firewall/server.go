// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.chromium.org/sshuttle/internal/logging"
)

// Method applies rules to the system on behalf of the helper.
type Method interface {
	// Setup installs redirection for subnets, sorted most specific first.
	Setup(ctx context.Context, subnets []Subnet) error
	// AddHost installs one host override.
	AddHost(ctx context.Context, h Host) error
	// Restore undoes everything Setup and AddHost did.
	Restore(ctx context.Context) error
}

// Serve runs the helper side of the protocol over r and w with method, and
// returns the process exit status.
func Serve(ctx context.Context, r io.Reader, w io.Writer, method Method) int {
	sc := bufio.NewScanner(r)
	if _, err := fmt.Fprintln(w, "READY"); err != nil {
		logging.Infof(ctx, "Failed to greet client: %v", err)
		return 1
	}

	if !sc.Scan() {
		logging.Debug(ctx, "Client went away before sending routes")
		return 0
	}
	if line := sc.Text(); line != "ROUTES" {
		logging.Infof(ctx, "Expected ROUTES, got %q", line)
		return 1
	}
	var subnets []Subnet
	for {
		if !sc.Scan() {
			logging.Info(ctx, "Client went away while sending routes")
			return 1
		}
		line := sc.Text()
		if line == "GO" {
			break
		}
		s, err := ParseSubnetLine(line)
		if err != nil {
			logging.Infof(ctx, "Bad route: %v", err)
			return 1
		}
		subnets = append(subnets, s)
	}

	if err := method.Setup(ctx, SortSubnets(subnets)); err != nil {
		logging.Infof(ctx, "Setup failed: %v", err)
		if rerr := method.Restore(ctx); rerr != nil {
			logging.Infof(ctx, "Restore failed: %v", rerr)
			return ExitNeedsReboot
		}
		return 1
	}
	if _, err := fmt.Fprintln(w, "STARTED"); err != nil {
		logging.Infof(ctx, "Failed to report start: %v", err)
	}

	for sc.Scan() {
		line := sc.Text()
		rest, ok := strings.CutPrefix(line, "HOST ")
		if !ok {
			logging.Warningf(ctx, "Ignoring unknown command %q", line)
			continue
		}
		h, err := ParseHost(rest)
		if err != nil {
			logging.Warningf(ctx, "Ignoring host: %v", err)
			continue
		}
		if err := method.AddHost(ctx, h); err != nil {
			logging.Warningf(ctx, "Failed to add host %v: %v", h, err)
		}
	}
	if err := sc.Err(); err != nil {
		logging.Infof(ctx, "Reading from client: %v", err)
	}

	if err := method.Restore(ctx); err != nil {
		logging.Infof(ctx, "Restore failed: %v", err)
		return ExitNeedsReboot
	}
	return 0
}
