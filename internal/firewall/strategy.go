// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"os"

	"go.chromium.org/sshuttle/internal/shutil"
)

// sudoPrompt distinguishes our password prompt from the remote one.
const sudoPrompt = "[local sudo] Password: "

// Strategy is one way of running the helper with privileges.
type Strategy interface {
	String() string
	// Wrap returns the command line running argv through this strategy, or a
	// *SpawnError if the strategy is unavailable.
	Wrap(argv []string) ([]string, error)
}

// SpawnError means a strategy could not start the helper. The next strategy
// is tried.
type SpawnError struct {
	Strategy string
	Err      error
}

func (e *SpawnError) Error() string {
	return e.Strategy + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Sudo runs the helper through sudo.
type Sudo struct{}

func (Sudo) String() string { return "sudo" }

// Wrap implements Strategy.
func (Sudo) Wrap(argv []string) ([]string, error) {
	return append([]string{"sudo", "-p", sudoPrompt, "--"}, argv...), nil
}

// Su runs the helper through su, which takes a single shell command.
type Su struct{}

func (Su) String() string { return "su" }

// Wrap implements Strategy.
func (Su) Wrap(argv []string) ([]string, error) {
	return []string{"su", "-c", shutil.Join(argv)}, nil
}

// Direct runs the helper as is. It is only available to root unless AnyUser
// is set.
type Direct struct {
	AnyUser bool
}

func (Direct) String() string { return "direct" }

// Wrap implements Strategy.
func (d Direct) Wrap(argv []string) ([]string, error) {
	if !d.AnyUser && os.Geteuid() != 0 {
		return nil, &SpawnError{Strategy: "direct", Err: errNotRoot}
	}
	return append([]string(nil), argv...), nil
}

// DefaultStrategies is the order in which strategies are tried.
var DefaultStrategies = []Strategy{Sudo{}, Su{}, Direct{}}
