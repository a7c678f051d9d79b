// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil quotes arguments for the command lines sshuttle hands to a
// shell: `su -c` for the firewall helper and the remote command run by ssh.
package shutil

import (
	"regexp"
	"strings"
)

// plainRE matches words that a POSIX shell reads literally. A leading '=' is
// excluded because zsh expands it.
var plainRE = regexp.MustCompile(`^[-\w@%+:,./][-\w@%+:,./=]*$`)

// Quote returns s quoted for a POSIX shell. Plain words are returned as is.
func Quote(s string) string {
	if plainRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes each of args and joins them into one command line.
func Join(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = Quote(a)
	}
	return strings.Join(q, " ")
}
