// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"
	"time"
)

func TestSinkLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSinkLogger(LevelInfo, false, NewWriterSink(&buf))
	ts := time.Unix(0, 0)

	l.Log(LevelDebug, ts, "hidden")
	l.Log(LevelInfo, ts, "shown")
	l.Log(LevelWarning, ts, "careful")

	const want = "shown\nwarning: careful\n"
	if got := buf.String(); got != want {
		t.Errorf("Sink got %q; want %q", got, want)
	}
}

func TestSinkLoggerTimestamp(t *testing.T) {
	var got []string
	l := NewSinkLogger(LevelDebug, true, NewFuncSink(func(msg string) { got = append(got, msg) }))
	l.Log(LevelDebug, time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC), "x")

	const want = "2026-01-02T03:04:05.000006Z x"
	if len(got) != 1 || got[0] != want {
		t.Errorf("Sink got %q; want [%q]", got, want)
	}
}
