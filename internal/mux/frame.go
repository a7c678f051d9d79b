// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mux

import (
	"encoding/binary"
	"fmt"

	"go.chromium.org/sshuttle/internal/errors"
)

// Command identifies the meaning of a frame.
type Command uint32

// Commands carried in frames.
const (
	CmdExit Command = 0x4200 + iota
	CmdPing
	CmdPong
	CmdConnect
	CmdData
	CmdRoutes
	CmdHostReq
	CmdHostList
	CmdDNSReq
	CmdDNSResp
)

var commandNames = map[Command]string{
	CmdExit:     "EXIT",
	CmdPing:     "PING",
	CmdPong:     "PONG",
	CmdConnect:  "CONNECT",
	CmdData:     "DATA",
	CmdRoutes:   "ROUTES",
	CmdHostReq:  "HOST_REQ",
	CmdHostList: "HOST_LIST",
	CmdDNSReq:   "DNS_REQ",
	CmdDNSResp:  "DNS_RESP",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%#x)", uint32(c))
}

const (
	// HeaderSize is the size of the fixed frame header: channel, command and
	// payload length, each a big-endian uint32.
	HeaderSize = 12
	// MaxPayload is the largest payload a frame may carry.
	MaxPayload = 1 << 20
	// MaxFrameSize is the largest frame on the wire.
	MaxFrameSize = HeaderSize + MaxPayload
)

// Frame is one unit of the multiplexing protocol.
type Frame struct {
	Channel uint32
	Cmd     Command
	Data    []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%v on channel %d (%d bytes)", f.Cmd, f.Channel, len(f.Data))
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if len(f.Data) > MaxPayload {
		return dst, errors.Errorf("%v payload of %d bytes exceeds %d", f.Cmd, len(f.Data), MaxPayload)
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], f.Channel)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.Cmd))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Data...), nil
}

// ParseFrame decodes the frame at the start of b. It returns n = 0 and a nil
// error if b does not yet hold a complete frame. The returned Data aliases b.
func ParseFrame(b []byte) (f Frame, n int, err error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, nil
	}
	size := binary.BigEndian.Uint32(b[8:12])
	if size > MaxPayload {
		return Frame{}, 0, errors.Errorf("frame payload of %d bytes exceeds %d", size, MaxPayload)
	}
	n = HeaderSize + int(size)
	if len(b) < n {
		return Frame{}, 0, nil
	}
	return Frame{
		Channel: binary.BigEndian.Uint32(b[0:4]),
		Cmd:     Command(binary.BigEndian.Uint32(b[4:8])),
		Data:    b[HeaderSize:n],
	}, n, nil
}
