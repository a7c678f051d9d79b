// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command contains code shared by the sshuttle subcommands.
package command

import (
	"fmt"
	"sort"
	"strings"
)

// EnumFlag implements flag.Value to map a user-supplied string to an enum value.
type EnumFlag struct {
	valid  map[string]int
	assign func(val int)
	cur    string
}

// NewEnumFlag returns an EnumFlag accepting the keys of valid. assign is
// called with the mapped value; def is assigned immediately.
func NewEnumFlag(valid map[string]int, assign func(val int), def string) *EnumFlag {
	f := &EnumFlag{valid: valid, assign: assign}
	if err := f.Set(def); err != nil {
		panic(err)
	}
	return f
}

// QuotedValues returns a comma-separated list of quoted accepted values.
func (f *EnumFlag) QuotedValues() string {
	var qn []string
	for n := range f.valid {
		qn = append(qn, fmt.Sprintf("%q", n))
	}
	sort.Strings(qn)
	return strings.Join(qn, ", ")
}

func (f *EnumFlag) String() string { return f.cur }

// Set implements flag.Value.
func (f *EnumFlag) Set(v string) error {
	ev, ok := f.valid[v]
	if !ok {
		return fmt.Errorf("must be in %s", f.QuotedValues())
	}
	f.cur = v
	f.assign(ev)
	return nil
}

// ListFlag implements flag.Value to split a string into a list. Repeating the
// flag appends to the list; the default is discarded on first use.
type ListFlag struct {
	sep     string
	dst     *[]string
	touched bool
}

// NewListFlag returns a ListFlag storing values in dst, which keeps def until
// the flag is given.
func NewListFlag(sep string, dst *[]string, def []string) *ListFlag {
	*dst = append([]string(nil), def...)
	return &ListFlag{sep: sep, dst: dst}
}

func (f *ListFlag) String() string {
	if f.dst == nil {
		return ""
	}
	return strings.Join(*f.dst, f.sep)
}

// Set implements flag.Value.
func (f *ListFlag) Set(v string) error {
	if !f.touched {
		*f.dst = nil
		f.touched = true
	}
	for _, s := range strings.Split(v, f.sep) {
		if s = strings.TrimSpace(s); s != "" {
			*f.dst = append(*f.dst, s)
		}
	}
	return nil
}
