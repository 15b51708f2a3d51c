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
	ErrParamSize       = errors.New("u2f: parameter block has wrong size")
	ErrKeyHandleSize   = errors.New("u2f: key handle size out of range")
	ErrMalformedRecord = errors.New("u2f: malformed response record")
)

// RegisterRequest builds a registration request APDU: 32-byte challenge
// parameter followed by 32-byte application parameter.
func RegisterRequest(challenge, appParam []byte) (Request, error) {
	if len(challenge) != ChallengeSize || len(appParam) != AppParamSize {
		return Request{}, fmt.Errorf("%w: challenge %d, application %d", ErrParamSize, len(challenge), len(appParam))
	}
	data := make([]byte, 0, ChallengeSize+AppParamSize)
	data = append(data, challenge...)
	data = append(data, appParam...)
	return Request{Ins: InsRegister, Data: data}, nil
}

// AuthenticateRequest builds an authentication request APDU. The control
// byte selects check-only probing versus a full signing operation.
func AuthenticateRequest(control byte, challenge, appParam, keyHandle []byte) (Request, error) {
	if len(challenge) != ChallengeSize || len(appParam) != AppParamSize {
		return Request{}, fmt.Errorf("%w: challenge %d, application %d", ErrParamSize, len(challenge), len(appParam))
	}
	if len(keyHandle) == 0 || len(keyHandle) > MaxKeyHandleLen {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrKeyHandleSize, len(keyHandle))
	}
	data := make([]byte, 0, ChallengeSize+AppParamSize+1+len(keyHandle))
	data = append(data, challenge...)
	data = append(data, appParam...)
	data = append(data, byte(len(keyHandle)))
	data = append(data, keyHandle...)
	return Request{Ins: InsAuthenticate, P1: control, Data: data}, nil
}

// VersionRequest builds a version query APDU. It carries no data.
func VersionRequest() Request {
	return Request{Ins: InsVersion}
}

// RegisterResponse is the structurally parsed registration success record.
// The attestation certificate and signature are kept as one opaque tail:
// splitting them requires ASN.1 length parsing, and conformance checking
// here is structural, not cryptographic.
type RegisterResponse struct {
	PublicKey   []byte // 65-byte uncompressed P-256 point
	KeyHandle   []byte
	Attestation []byte // DER certificate followed by ECDSA signature
}

// ParseRegisterResponse validates the fixed-format prefix of a
// registration record: reserved byte 0x05, public key, length-prefixed
// key handle, non-empty attestation tail.
func ParseRegisterResponse(data []byte) (RegisterResponse, error) {
	if len(data) < 1+PublicKeySize+1 {
		return RegisterResponse{}, fmt.Errorf("%w: %d bytes is shorter than the fixed prefix", ErrMalformedRecord, len(data))
	}
	if data[0] != RegisterReservedByte {
		return RegisterResponse{}, fmt.Errorf("%w: reserved byte 0x%02X, want 0x%02X", ErrMalformedRecord, data[0], RegisterReservedByte)
	}
	pub := data[1 : 1+PublicKeySize]
	if pub[0] != 0x04 {
		return RegisterResponse{}, fmt.Errorf("%w: public key is not an uncompressed point", ErrMalformedRecord)
	}
	khLen := int(data[1+PublicKeySize])
	rest := data[1+PublicKeySize+1:]
	if khLen == 0 || len(rest) < khLen {
		return RegisterResponse{}, fmt.Errorf("%w: key handle length %d exceeds remaining %d bytes", ErrMalformedRecord, khLen, len(rest))
	}
	attestation := rest[khLen:]
	if len(attestation) == 0 {
		return RegisterResponse{}, fmt.Errorf("%w: missing attestation material", ErrMalformedRecord)
	}
	return RegisterResponse{
		PublicKey:   pub,
		KeyHandle:   rest[:khLen],
		Attestation: attestation,
	}, nil
}

// AuthenticateResponse is the parsed signing record.
type AuthenticateResponse struct {
	UserPresence byte
	Counter      uint32
	Signature    []byte
}

// UserPresent reports whether the user-presence bit is set.
func (r AuthenticateResponse) UserPresent() bool { return r.UserPresence&0x01 != 0 }

// ParseAuthenticateResponse validates a signing record: user-presence
// byte, big-endian 32-bit counter, non-empty signature.
func ParseAuthenticateResponse(data []byte) (AuthenticateResponse, error) {
	if len(data) < 6 {
		return AuthenticateResponse{}, fmt.Errorf("%w: %d bytes is shorter than presence byte, counter and signature", ErrMalformedRecord, len(data))
	}
	return AuthenticateResponse{
		UserPresence: data[0],
		Counter:      binary.BigEndian.Uint32(data[1:5]),
		Signature:    data[5:],
	}, nil
}

// ValidateVersionResponse checks a version query response for the exact
// fixed version string.
func ValidateVersionResponse(resp Response) error {
	if resp.SW != SWNoError {
		return fmt.Errorf("u2f: version query returned %s", StatusName(resp.SW))
	}
	if string(resp.Data) != VersionString {
		return fmt.Errorf("%w: version string %q, want %q", ErrMalformedRecord, resp.Data, VersionString)
	}
	return nil
}
