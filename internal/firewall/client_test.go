// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firewall_test

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/sshuttle/internal/errors"
	"go.chromium.org/sshuttle/internal/fakeexec"
	"go.chromium.org/sshuttle/internal/firewall"
	"go.chromium.org/sshuttle/testutil"
)

type helperParams struct {
	Mode      string
	HostsPath string
}

type failingRestore struct{ firewall.LogOnly }

func (failingRestore) Restore(ctx context.Context) error { return errors.New("rules busy") }

var helperMain = fakeexec.NewAuxMain("firewall_helper", func(p helperParams) {
	ctx := context.Background()
	switch p.Mode {
	case "hosts":
		os.Exit(firewall.Serve(ctx, os.Stdin, os.Stdout, &firewall.HostsFile{Path: p.HostsPath, Tag: "test"}))
	case "reboot":
		os.Exit(firewall.Serve(ctx, os.Stdin, os.Stdout, failingRestore{}))
	case "exit3":
		firewall.Serve(ctx, os.Stdin, os.Stdout, firewall.LogOnly{})
		os.Exit(3)
	case "garbage":
		fmt.Println("HELLO")
	case "nostart":
		fmt.Println("READY")
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() && sc.Text() != "GO" {
		}
		fmt.Println("NOPE")
	case "crash":
		fmt.Println("READY")
		os.Exit(1)
	}
})

// missingBinary is a Strategy whose command cannot be started.
type missingBinary struct{}

func (missingBinary) String() string { return "missing" }
func (missingBinary) Wrap(argv []string) ([]string, error) {
	return append([]string{"/nonexistent/sshuttle-test-sudo"}, argv...), nil
}

func helperOptions(t *testing.T, p helperParams) *firewall.Options {
	t.Helper()
	ap, err := helperMain.Params(p)
	if err != nil {
		t.Fatal(err)
	}
	return &firewall.Options{
		Argv:       []string{ap.Executable()},
		Env:        ap.Envs(),
		Strategies: []firewall.Strategy{missingBinary{}, firewall.Direct{AnyUser: true}},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testSubnets = []firewall.Subnet{
	{Prefix: netip.MustParsePrefix("0.0.0.0/0")},
	{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Exclude: true},
}

func TestClient(t *testing.T) {
	ctx := testContext(t)
	td := testutil.TempDir(t)
	hostsPath := filepath.Join(td, "hosts")
	if err := testutil.WriteFiles(td, map[string]string{"hosts": "127.0.0.1 localhost\n"}); err != nil {
		t.Fatal(err)
	}

	c, err := firewall.NewClient(ctx, helperOptions(t, helperParams{Mode: "hosts", HostsPath: hostsPath}))
	if err != nil {
		t.Fatal("NewClient: ", err)
	}
	if s := c.State(); s != firewall.StateReady {
		t.Errorf("State = %v; want %v", s, firewall.StateReady)
	}
	if pid := c.Pid(); pid <= 0 || pid == os.Getpid() {
		t.Errorf("Pid = %d; want the helper's pid", pid)
	}
	if err := c.Start(ctx, testSubnets); err != nil {
		t.Fatal("Start: ", err)
	}
	if s := c.State(); s != firewall.StateRunning {
		t.Errorf("State = %v; want %v", s, firewall.StateRunning)
	}
	if err := c.SetHost(ctx, firewall.Host{Name: "db.internal", IP: netip.MustParseAddr("10.1.2.3")}); err != nil {
		t.Fatal("SetHost: ", err)
	}

	// The helper handles HOST lines asynchronously.
	want := "127.0.0.1 localhost\n10.1.2.3 db.internal # sshuttle-firewall-test AUTOCREATED\n"
	for {
		b, err := os.ReadFile(hostsPath)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) == want {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("Hosts file = %q; want %q", b, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Done(ctx); err != nil {
		t.Fatal("Done: ", err)
	}
	b, err := os.ReadFile(hostsPath)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "127.0.0.1 localhost\n"; got != want {
		t.Errorf("Hosts file after Done = %q; want %q", got, want)
	}
}

func TestClientNeedsReboot(t *testing.T) {
	ctx := testContext(t)
	c, err := firewall.NewClient(ctx, helperOptions(t, helperParams{Mode: "reboot"}))
	if err != nil {
		t.Fatal("NewClient: ", err)
	}
	if err := c.Start(ctx, testSubnets); err != nil {
		t.Fatal("Start: ", err)
	}
	err = c.Done(ctx)
	var rerr *firewall.NeedsRebootError
	if !errors.As(err, &rerr) {
		t.Errorf("Done = %v; want *NeedsRebootError", err)
	}
}

func TestClientHelperFailure(t *testing.T) {
	ctx := testContext(t)
	c, err := firewall.NewClient(ctx, helperOptions(t, helperParams{Mode: "exit3"}))
	if err != nil {
		t.Fatal("NewClient: ", err)
	}
	if err := c.Start(ctx, nil); err != nil {
		t.Fatal("Start: ", err)
	}
	err = c.Done(ctx)
	var rerr *firewall.NeedsRebootError
	if err == nil || errors.As(err, &rerr) {
		t.Errorf("Done = %v; want a generic failure", err)
	}
}

func TestClientBadGreeting(t *testing.T) {
	ctx := testContext(t)
	if _, err := firewall.NewClient(ctx, helperOptions(t, helperParams{Mode: "garbage"})); err == nil {
		t.Error("NewClient succeeded without READY")
	}
}

func TestClientStartFailures(t *testing.T) {
	for _, mode := range []string{"nostart", "crash"} {
		t.Run(mode, func(t *testing.T) {
			ctx := testContext(t)
			c, err := firewall.NewClient(ctx, helperOptions(t, helperParams{Mode: mode}))
			if err != nil {
				t.Fatal("NewClient: ", err)
			}
			if err := c.Start(ctx, testSubnets); err == nil {
				t.Error("Start succeeded")
			}
			if s := c.State(); s != firewall.StateDone {
				t.Errorf("State = %v; want %v", s, firewall.StateDone)
			}
		})
	}
}

func TestClientNoStrategy(t *testing.T) {
	ctx := testContext(t)
	opts := helperOptions(t, helperParams{Mode: "hosts"})
	opts.Strategies = []firewall.Strategy{missingBinary{}}
	_, err := firewall.NewClient(ctx, opts)
	var serr *firewall.SpawnError
	if !errors.As(err, &serr) {
		t.Errorf("NewClient = %v; want a *SpawnError", err)
	}
}
