// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-u2f-conformance.
//
// go-u2f-conformance is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package u2fhid

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// AllocationError reports a failed channel allocation handshake. Channel
// allocation failing at all is fatal to a conformance run, so callers treat
// it as a harness fault rather than a test outcome.
type AllocationError struct {
	Reason string
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("u2fhid: channel allocation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("u2fhid: channel allocation failed: %s", e.Reason)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// InitResponse is the parsed 17-byte INIT handshake response.
type InitResponse struct {
	Channel      uint32
	Protocol     byte
	VersionMajor byte
	VersionMinor byte
	VersionBuild byte
	Capabilities byte
}

// HasCapability reports whether the device advertised a capability flag.
func (r InitResponse) HasCapability(flag byte) bool {
	return r.Capabilities&flag != 0
}

// ParseInitResponse validates an INIT response payload against the nonce
// sent in the request and extracts the assigned channel.
func ParseInitResponse(nonce, payload []byte) (InitResponse, error) {
	if len(payload) != InitRespSize {
		return InitResponse{}, fmt.Errorf("u2fhid: INIT response is %d bytes, want %d", len(payload), InitRespSize)
	}
	if !bytes.Equal(payload[:InitNonceSize], nonce) {
		return InitResponse{}, fmt.Errorf("u2fhid: INIT response nonce mismatch")
	}
	return InitResponse{
		Channel:      binary.BigEndian.Uint32(payload[8:12]),
		Protocol:     payload[12],
		VersionMajor: payload[13],
		VersionMinor: payload[14],
		VersionBuild: payload[15],
		Capabilities: payload[16],
	}, nil
}

// ChannelManager owns channel-ID allocation over the broadcast channel.
// It tracks the active channel for the conformance run; multi-channel
// stress cases allocate additional channels through the same handshake.
type ChannelManager struct {
	dev    Device
	codec  *Codec
	rand   io.Reader
	active uint32
}

// NewChannelManager returns a manager bound to an open device.
func NewChannelManager(dev Device, codec *Codec) *ChannelManager {
	return &ChannelManager{dev: dev, codec: codec, rand: rand.Reader}
}

// Active returns the most recently allocated channel, or 0 if none.
func (m *ChannelManager) Active() uint32 { return m.active }

// Allocate performs the broadcast INIT handshake with a random nonce and
// adopts the channel the device assigns.
func (m *ChannelManager) Allocate(timeout time.Duration) (InitResponse, error) {
	nonce := make([]byte, InitNonceSize)
	if _, err := io.ReadFull(m.rand, nonce); err != nil {
		return InitResponse{}, &AllocationError{Reason: "nonce generation", Err: err}
	}
	return m.AllocateWithNonce(nonce, timeout)
}

// AllocateWithNonce performs the handshake with a caller-chosen nonce so
// conformance cases can assert on the exact echoed bytes.
func (m *ChannelManager) AllocateWithNonce(nonce []byte, timeout time.Duration) (InitResponse, error) {
	if len(nonce) != InitNonceSize {
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("nonce must be %d bytes, got %d", InitNonceSize, len(nonce))}
	}

	report, err := m.codec.EncodeInit(CIDBroadcast, CmdInit, uint16(len(nonce)), nonce)
	if err != nil {
		return InitResponse{}, &AllocationError{Reason: "request encoding", Err: err}
	}
	if err := m.dev.WriteReport(report); err != nil {
		return InitResponse{}, &AllocationError{Reason: "request write", Err: err}
	}

	raw, err := m.dev.ReadReport(timeout)
	if err == ErrReadTimeout {
		return InitResponse{}, &AllocationError{Reason: "no response before timeout", Err: err}
	}
	if err != nil {
		return InitResponse{}, &AllocationError{Reason: "report read", Err: err}
	}

	frame := m.codec.Decode(raw)
	switch frame.Type {
	case FrameMalformed:
		return InitResponse{}, &AllocationError{Reason: "malformed response frame: " + frame.Reason}
	case FrameCont:
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("continuation frame on channel 0x%08X during handshake", frame.Channel)}
	}

	if frame.Channel != CIDBroadcast {
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("response on channel 0x%08X instead of broadcast", frame.Channel)}
	}
	if frame.Command == CmdError {
		code := ErrOther
		if frame.Length >= 1 && len(frame.Data) >= 1 {
			code = frame.Data[0]
		}
		return InitResponse{}, &AllocationError{Reason: "device reported " + ErrorName(code)}
	}
	if frame.Command != CmdInit {
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("unexpected %s response", CommandName(frame.Command))}
	}
	if int(frame.Length) > len(frame.Data) {
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("INIT response declares %d bytes beyond a single frame", frame.Length)}
	}

	resp, err := ParseInitResponse(nonce, frame.Data[:frame.Length])
	if err != nil {
		return InitResponse{}, &AllocationError{Reason: "response validation", Err: err}
	}
	if resp.Channel == CIDBroadcast || resp.Channel == CIDReserved {
		return InitResponse{}, &AllocationError{Reason: fmt.Sprintf("device assigned reserved channel 0x%08X", resp.Channel)}
	}

	m.active = resp.Channel
	return resp, nil
}
