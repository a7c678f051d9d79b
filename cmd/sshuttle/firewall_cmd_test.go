// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"

	"go.chromium.org/sshuttle/testutil"
)

// eofHook runs f when the reader reaches it and then reports EOF.
type eofHook struct{ f func() }

func (h *eofHook) Read([]byte) (int, error) {
	if h.f != nil {
		h.f()
		h.f = nil
	}
	return 0, io.EOF
}

func executeFirewall(t *testing.T, in io.Reader, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newFirewallCmd(in, &stdout, &stderr)
	fs := flag.NewFlagSet("firewall", flag.ContinueOnError)
	cmd.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal("Parse: ", err)
	}
	status := cmd.Execute(context.Background(), fs)
	t.Log("stderr: ", stderr.String())
	return status, stdout.String()
}

func TestFirewallCmdHostsFile(t *testing.T) {
	const orig = "127.0.0.1 localhost\n"
	td := testutil.TempDir(t)
	if err := testutil.WriteFiles(td, map[string]string{"hosts": orig}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(td, "hosts")

	var during string
	in := io.MultiReader(
		strings.NewReader("ROUTES\n24,1,10.0.1.0\n8,0,10.0.0.0\nGO\nHOST db,10.0.0.5\n"),
		&eofHook{f: func() {
			b, err := os.ReadFile(path)
			if err != nil {
				t.Error(err)
			}
			during = string(b)
		}},
	)
	status, out := executeFirewall(t, in, "-port=12300", "-dnsport=12353", "-hosts-file="+path)
	if status != subcommands.ExitSuccess {
		t.Errorf("Execute = %v; want %v", status, subcommands.ExitSuccess)
	}
	if want := "READY\nSTARTED\n"; out != want {
		t.Errorf("Helper wrote %q; want %q", out, want)
	}
	if want := orig + "10.0.0.5 db # sshuttle-firewall-12300 AUTOCREATED\n"; during != want {
		t.Errorf("Hosts while running = %q; want %q", during, want)
	}

	files, err := testutil.ReadFiles(td)
	if err != nil {
		t.Fatal(err)
	}
	if got := files["hosts"]; got != orig {
		t.Errorf("Hosts after exit = %q; want %q", got, orig)
	}
}

func TestFirewallCmdLogMethod(t *testing.T) {
	in := strings.NewReader("ROUTES\n0,0,0.0.0.0\nGO\nHOST db,10.0.0.5\n")
	status, out := executeFirewall(t, in, "-port=12300", "-method=log")
	if status != subcommands.ExitSuccess {
		t.Errorf("Execute = %v; want %v", status, subcommands.ExitSuccess)
	}
	if want := "READY\nSTARTED\n"; out != want {
		t.Errorf("Helper wrote %q; want %q", out, want)
	}
}

func TestFirewallCmdBadInput(t *testing.T) {
	status, out := executeFirewall(t, strings.NewReader("HELLO\n"), "-port=12300", "-method=log")
	if status != subcommands.ExitFailure {
		t.Errorf("Execute = %v; want %v", status, subcommands.ExitFailure)
	}
	if out != "READY\n" {
		t.Errorf("Helper wrote %q; want %q", out, "READY\n")
	}
}

func TestFirewallCmdMissingPort(t *testing.T) {
	status, out := executeFirewall(t, strings.NewReader(""), "-method=log")
	if status != subcommands.ExitUsageError {
		t.Errorf("Execute = %v; want %v", status, subcommands.ExitUsageError)
	}
	if out != "" {
		t.Errorf("Helper wrote %q; want nothing", out)
	}
}
