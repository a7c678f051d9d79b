// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/sshuttle/internal/errors"
)

type recordMethod struct {
	subnets    []string
	hosts      []string
	restored   bool
	setupErr   error
	restoreErr error
}

func (m *recordMethod) Setup(ctx context.Context, subnets []Subnet) error {
	for _, s := range subnets {
		m.subnets = append(m.subnets, s.String())
	}
	return m.setupErr
}

func (m *recordMethod) AddHost(ctx context.Context, h Host) error {
	m.hosts = append(m.hosts, h.String())
	return nil
}

func (m *recordMethod) Restore(ctx context.Context) error {
	m.restored = true
	return m.restoreErr
}

func TestServe(t *testing.T) {
	in := strings.Join([]string{
		"ROUTES",
		"8,0,10.0.0.0",
		"32,1,10.0.0.1",
		"GO",
		"HOST db.internal,10.1.2.3",
		"HOST bad",
		"NOISE",
		"HOST web.internal,10.1.2.4",
		"",
	}, "\n")
	var out bytes.Buffer
	m := &recordMethod{}

	if code := Serve(context.Background(), strings.NewReader(in), &out, m); code != 0 {
		t.Errorf("Serve = %d; want 0", code)
	}
	if got, want := out.String(), "READY\nSTARTED\n"; got != want {
		t.Errorf("Serve wrote %q; want %q", got, want)
	}
	if diff := cmp.Diff(m.subnets, []string{"!10.0.0.1/32", "10.0.0.0/8"}); diff != "" {
		t.Errorf("Subnets mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(m.hosts, []string{"db.internal,10.1.2.3", "web.internal,10.1.2.4"}); diff != "" {
		t.Errorf("Hosts mismatch (-got +want):\n%s", diff)
	}
	if !m.restored {
		t.Error("Restore not called")
	}
}

func TestServeErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		method  *recordMethod
		code    int
		started bool
	}{
		{"no input", "", &recordMethod{}, 0, false},
		{"not routes", "HELLO\n", &recordMethod{}, 1, false},
		{"bad route", "ROUTES\n8,0,nowhere\nGO\n", &recordMethod{}, 1, false},
		{"truncated routes", "ROUTES\n8,0,10.0.0.0\n", &recordMethod{}, 1, false},
		{"setup fails", "ROUTES\nGO\n", &recordMethod{setupErr: errors.New("no iptables")}, 1, false},
		{"setup and restore fail", "ROUTES\nGO\n", &recordMethod{setupErr: errors.New("x"), restoreErr: errors.New("y")}, ExitNeedsReboot, false},
		{"restore fails", "ROUTES\nGO\n", &recordMethod{restoreErr: errors.New("busy")}, ExitNeedsReboot, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if code := Serve(context.Background(), strings.NewReader(tc.in), &out, tc.method); code != tc.code {
				t.Errorf("Serve = %d; want %d", code, tc.code)
			}
			if started := strings.Contains(out.String(), "STARTED"); started != tc.started {
				t.Errorf("STARTED written = %v; want %v", started, tc.started)
			}
		})
	}
}
