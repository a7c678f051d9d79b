// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package netloop

import (
	"context"
	"io"

	"go.chromium.org/sshuttle/internal/logging"
)

// maxProxyBuffer is the per-direction buffer size above which a Proxy stops
// reading from the source.
const maxProxyBuffer = 256 * 1024

// Proxy is a Handler that pumps bytes in both directions between two
// Endpoints.
//
// A Proxy finishes when either endpoint has reached EOF and nothing is left
// buffered in either direction, or as soon as either endpoint fails. Both
// endpoints are closed when it finishes.
type Proxy struct {
	ctx    context.Context
	a, b   Endpoint
	ab, ba []byte
	done   bool
}

var _ Handler = (*Proxy)(nil)

// NewProxy returns a Proxy between a and b. ctx is used for logging.
func NewProxy(ctx context.Context, a, b Endpoint) *Proxy {
	return &Proxy{ctx: ctx, a: a, b: b}
}

func canFill(src Endpoint, buf []byte) bool {
	return src.WantsRead() && len(buf) < maxProxyBuffer
}

// PreSelect implements Handler.
func (p *Proxy) PreSelect(ps *PollSet) {
	if p.done {
		return
	}
	p.a.PreSelect(ps, canFill(p.a, p.ab), len(p.ba) > 0)
	p.b.PreSelect(ps, canFill(p.b, p.ba), len(p.ab) > 0)
}

// Callback implements Handler.
func (p *Proxy) Callback(ps *PollSet) {
	if p.done {
		return
	}
	if err := fill(p.a, &p.ab); err != nil {
		p.finish(err)
		return
	}
	if err := fill(p.b, &p.ba); err != nil {
		p.finish(err)
		return
	}
	if err := flush(p.b, &p.ab); err != nil {
		p.finish(err)
		return
	}
	if err := flush(p.a, &p.ba); err != nil {
		p.finish(err)
		return
	}
	if (p.a.Finished() || p.b.Finished()) && len(p.ab) == 0 && len(p.ba) == 0 {
		p.finish(nil)
	}
}

// Finished implements Handler.
func (p *Proxy) Finished() bool { return p.done }

func fill(src Endpoint, buf *[]byte) error {
	if !canFill(src, *buf) {
		return nil
	}
	data, err := src.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	*buf = append(*buf, data...)
	return nil
}

func flush(dst Endpoint, buf *[]byte) error {
	if len(*buf) == 0 {
		return nil
	}
	if !dst.WantsWrite() {
		if dst.Finished() {
			// The destination will never take these bytes.
			*buf = nil
		}
		return nil
	}
	n, err := dst.Write(*buf)
	if err != nil {
		return err
	}
	if n == len(*buf) {
		*buf = nil
	} else {
		*buf = (*buf)[n:]
	}
	return nil
}

func (p *Proxy) finish(err error) {
	p.done = true
	if err != nil {
		logging.Debugf(p.ctx, "Proxy %v <-> %v: %v", p.a, p.b, err)
	} else {
		logging.Debugf(p.ctx, "Proxy %v <-> %v done", p.a, p.b)
	}
	for _, e := range []Endpoint{p.a, p.b} {
		if err := e.Close(); err != nil {
			logging.Debugf(p.ctx, "Closing %v: %v", e, err)
		}
	}
	p.ab, p.ba = nil, nil
}
