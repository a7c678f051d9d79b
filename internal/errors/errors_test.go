// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"
)

func check(t *testing.T, err error, msg string, traceRegexp *regexp.Regexp) {
	t.Helper()
	if s := err.Error(); s != msg {
		t.Errorf("Wrong error message %q; want %q", s, msg)
	}
	if s := fmt.Sprintf("%v", err); s != msg {
		t.Errorf("Wrong default value %q; want %q", s, msg)
	}
	if tr := fmt.Sprintf("%+v", err); !traceRegexp.MatchString(tr) {
		t.Errorf("Wrong trace %q; should match %q", tr, traceRegexp)
	}
}

func TestNew(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^mux closed
	at go\.chromium\.org/sshuttle/internal/errors\.TestNew \(errors_test.go:\d+\)`)
	check(t, New("mux closed"), "mux closed", traceRegexp)
}

func TestErrorf(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^channel 7 not open
	at go\.chromium\.org/sshuttle/internal/errors\.TestErrorf \(errors_test.go:\d+\)`)
	check(t, Errorf("channel %d not open", 7), "channel 7 not open", traceRegexp)
}

func TestWrap(t *testing.T) {
	traceRegexp := regexp.MustCompile(`(?s)^firewall
	at go\.chromium\.org/sshuttle/internal/errors\.TestWrap \(errors_test.go:\d+\)
.*
no READY
	at go\.chromium\.org/sshuttle/internal/errors\.TestWrap \(errors_test.go:\d+\)`)
	check(t, Wrap(New("no READY"), "firewall"), "firewall: no READY", traceRegexp)
}

func TestWrapForeignError(t *testing.T) {
	traceRegexp := regexp.MustCompile(`(?s)^read transport
	at go\.chromium\.org/sshuttle/internal/errors\.TestWrapForeignError \(errors_test.go:\d+\)
.*
EOF
	at \?\?\?$`)
	check(t, Wrap(io.EOF, "read transport"), "read transport: EOF", traceRegexp)
}

func TestWrapNil(t *testing.T) {
	traceRegexp := regexp.MustCompile(`^helper exited
	at go\.chromium\.org/sshuttle/internal/errors\.TestWrapNil \(errors_test.go:\d+\)`)
	check(t, Wrap(nil, "helper exited"), "helper exited", traceRegexp)
}

type codeError struct{ code int }

func (e *codeError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestIsAs(t *testing.T) {
	err := Wrapf(Wrap(&codeError{111}, "cleanup"), "firewall %s", "helper")
	var ce *codeError
	if !As(err, &ce) || ce.code != 111 {
		t.Errorf("As(%v) failed to find *codeError", err)
	}
	if !Is(Wrap(io.EOF, "x"), io.EOF) {
		t.Error("Is(Wrap(io.EOF), io.EOF) = false; want true")
	}
	if Is(New("EOF"), io.EOF) {
		t.Error(`Is(New("EOF"), io.EOF) = true; want false`)
	}
	if !errors.Is(err, err) {
		t.Error("errors.Is(err, err) = false")
	}
}
