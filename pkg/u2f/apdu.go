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

package u2f

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrRequestTooLong   = errors.New("u2f: request data exceeds extended APDU limit")
	ErrResponseTooShort = errors.New("u2f: response shorter than a status word")
)

// maxExtendedData is the largest Lc an extended-length APDU can express.
const maxExtendedData = 65535

// Request is one ISO 7816-4 command APDU carried inside a transport MSG
// payload. U2F uses class 0 and extended-length encoding exclusively.
type Request struct {
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
}

// Encode serializes the request in extended-length form:
// CLA INS P1 P2 0x00 Lc(2) data Le(2, 0x0000 = maximum). The Lc block is
// omitted when there is no data, per 7816-4.
func (r Request) Encode() ([]byte, error) {
	if len(r.Data) > maxExtendedData {
		return nil, fmt.Errorf("%w: %d bytes", ErrRequestTooLong, len(r.Data))
	}

	out := make([]byte, 0, 9+len(r.Data))
	out = append(out, 0x00, r.Ins, r.P1, r.P2, 0x00)
	if len(r.Data) > 0 {
		var lc [2]byte
		binary.BigEndian.PutUint16(lc[:], uint16(len(r.Data)))
		out = append(out, lc[:]...)
		out = append(out, r.Data...)
	}
	out = append(out, 0x00, 0x00)
	return out, nil
}

// Response is a decoded response APDU: returned data plus the trailing
// two-byte status word.
type Response struct {
	Data []byte
	SW   uint16
}

// OK reports whether the status word signals success.
func (r Response) OK() bool { return r.SW == SWNoError }

// ParseResponse splits a raw response payload into data and status word.
func ParseResponse(payload []byte) (Response, error) {
	if len(payload) < 2 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrResponseTooShort, len(payload))
	}
	n := len(payload) - 2
	return Response{
		Data: payload[:n],
		SW:   binary.BigEndian.Uint16(payload[n:]),
	}, nil
}
