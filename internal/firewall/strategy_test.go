// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/sshuttle/internal/errors"
)

func TestStrategyWrap(t *testing.T) {
	argv := []string{"/usr/bin/sshuttle", "firewall", "-port=12300", "-hosts-file=/tmp/my hosts"}
	for _, tc := range []struct {
		s    Strategy
		want []string
	}{
		{Sudo{}, []string{"sudo", "-p", "[local sudo] Password: ", "--", "/usr/bin/sshuttle", "firewall", "-port=12300", "-hosts-file=/tmp/my hosts"}},
		{Su{}, []string{"su", "-c", "/usr/bin/sshuttle firewall -port=12300 '-hosts-file=/tmp/my hosts'"}},
		{Direct{AnyUser: true}, argv},
	} {
		got, err := tc.s.Wrap(argv)
		if err != nil {
			t.Errorf("%v: Wrap failed: %v", tc.s, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("%v: Wrap mismatch (-got +want):\n%s", tc.s, diff)
		}
	}
}

func TestDirectNeedsRoot(t *testing.T) {
	_, err := Direct{}.Wrap([]string{"helper"})
	if os.Geteuid() == 0 {
		if err != nil {
			t.Errorf("Direct.Wrap as root: %v", err)
		}
		return
	}
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Errorf("Direct.Wrap as non-root = %v; want *SpawnError", err)
	}
}
