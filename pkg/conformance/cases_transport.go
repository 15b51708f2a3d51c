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

package conformance

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

// Catalog returns the full case catalog in execution order: transport
// behavior first, then the raw message layer that depends on it.
func Catalog() []Case {
	return append(transportCases(), u2fCases()...)
}

func transportCases() []Case {
	return []Case{
		{
			Name:        "init/nonce-echo",
			Description: "INIT on the broadcast channel echoes the request nonce and assigns a usable channel",
			Severity:    SeverityHard,
			Run:         caseInitNonceEcho,
		},
		{
			Name:        "init/protocol-version",
			Description: "INIT response carries interface protocol version 2",
			Severity:    SeverityHard,
			Run:         caseInitProtocolVersion,
		},
		{
			Name:        "ping/echo-hello",
			Description: "PING returns its payload byte-identically",
			Severity:    SeverityHard,
			Run:         casePingHello,
		},
		{
			Name:        "ping/echo-empty",
			Description: "PING with an empty payload returns an empty payload",
			Severity:    SeverityHard,
			Run:         casePingEmpty,
		},
		{
			Name:        "ping/echo-boundaries",
			Description: "PING round-trips payloads straddling every frame boundary",
			Severity:    SeverityHard,
			Run:         casePingBoundaries,
		},
		{
			Name:        "ping/echo-max",
			Description: "PING round-trips the maximum addressable message length",
			Severity:    SeverityHard,
			Run:         casePingMax,
		},
		{
			Name:        "cmd/unknown",
			Description: "an unassigned command code is rejected with ERR_INVALID_CMD",
			Severity:    SeverityHard,
			Run:         caseUnknownCommand,
		},
		{
			Name:        "frame/skipped-sequence",
			Description: "a continuation frame with a skipped sequence number is rejected with ERR_INVALID_SEQ",
			Severity:    SeverityHard,
			Run:         caseSkippedSequence,
		},
		{
			Name:        "frame/oversize-length",
			Description: "an initial frame declaring more than the maximum message length is rejected with ERR_INVALID_LEN",
			Severity:    SeverityHard,
			Run:         caseOversizeLength,
		},
		{
			Name:        "frame/orphan-continuation",
			Description: "a continuation frame with no message in progress is ignored",
			Severity:    SeverityHard,
			Run:         caseOrphanContinuation,
		},
		{
			Name:        "frame/incomplete-timeout",
			Description: "an unfinished message is abandoned with ERR_MSG_TIMEOUT",
			Severity:    SeverityAdvisory,
			Run:         caseIncompleteTimeout,
		},
		{
			Name:        "channel/resync-init",
			Description: "INIT on an allocated channel resynchronizes and echoes the nonce",
			Severity:    SeverityHard,
			Run:         caseChannelResync,
		},
		{
			Name:        "channel/busy-isolation",
			Description: "a second channel transacting while the first holds an unfinished message gets ERR_CHANNEL_BUSY",
			Severity:    SeverityHard,
			Run:         caseChannelBusy,
		},
		{
			Name:        "channel/broadcast-misuse",
			Description: "a non-INIT command on the broadcast channel is not serviced",
			Severity:    SeverityHard,
			Run:         caseBroadcastMisuse,
		},
		{
			Name:        "channel/zero-misuse",
			Description: "traffic on the reserved zero channel is not serviced",
			Severity:    SeverityHard,
			Run:         caseZeroChannelMisuse,
		},
		{
			Name:        "cap/lock",
			Description: "LOCK takes and releases the channel lock when the capability is advertised",
			Severity:    SeverityAdvisory,
			Run:         caseLock,
		},
		{
			Name:        "cap/wink",
			Description: "WINK returns an empty payload when the capability is advertised",
			Severity:    SeverityAdvisory,
			Run:         caseWink,
		},
		{
			Name:        "cap/cbor-getinfo",
			Description: "CTAP2 getInfo returns a decodable CBOR map when the capability is advertised",
			Severity:    SeverityAdvisory,
			Run:         caseCBORGetInfo,
		},
	}
}

// fixedNonce is the handshake challenge used by the nonce-echo case so
// the trace is reproducible run to run.
var fixedNonce = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

func caseInitNonceEcho(env *Env) (*Result, error) {
	resp, err := env.Channels.AllocateWithNonce(fixedNonce, env.Timeout)
	if err != nil {
		return Fail("nonce echoed, fresh channel assigned", err.Error()), nil
	}
	// The probed channel is never used again; the run keeps env.CID.
	res := Check(resp.Channel != env.CID,
		"nonce echoed, fresh channel assigned",
		fmt.Sprintf("channel 0x%08X assigned", resp.Channel))
	if resp.Channel == env.CID {
		res.Detail = "device reassigned the channel already held by this run"
	}
	return res, nil
}

func caseInitProtocolVersion(env *Env) (*Result, error) {
	return Check(env.Init.Protocol == u2fhid.ProtocolVersion,
		fmt.Sprintf("protocol version %d", u2fhid.ProtocolVersion),
		fmt.Sprintf("protocol version %d", env.Init.Protocol)), nil
}

func pingEcho(env *Env, payload []byte) (*Result, error) {
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdPing, payload, env.Timeout)
	if err != nil {
		return nil, err
	}
	expected := fmt.Sprintf("echo of %d bytes", len(payload))
	if out.Status != u2fhid.OutcomeSuccess {
		return withTrace(Fail(expected, out.Describe()), out), nil
	}
	res := Check(out.Command == u2fhid.CmdPing && bytes.Equal(out.Payload, payload),
		expected,
		fmt.Sprintf("%s response, %d bytes, match=%t",
			u2fhid.CommandName(out.Command), len(out.Payload), bytes.Equal(out.Payload, payload)))
	return withTrace(res, out), nil
}

func casePingHello(env *Env) (*Result, error) {
	return pingEcho(env, []byte("HELLO"))
}

func casePingEmpty(env *Env) (*Result, error) {
	return pingEcho(env, nil)
}

func casePingBoundaries(env *Env) (*Result, error) {
	codec := env.Engine.Codec()
	sizes := []int{
		codec.InitCapacity() - 1,
		codec.InitCapacity(),
		codec.InitCapacity() + 1,
		codec.InitCapacity() + codec.ContCapacity(),
		codec.InitCapacity() + codec.ContCapacity() + 1,
	}
	for _, size := range sizes {
		res, err := pingEcho(env, patternPayload(size))
		if err != nil || res.Status != StatusPass {
			if res != nil {
				res.Detail = fmt.Sprintf("payload length %d", size)
			}
			return res, err
		}
	}
	return Pass("echo across frame boundaries", fmt.Sprintf("%d lengths round-tripped", len(sizes))), nil
}

func casePingMax(env *Env) (*Result, error) {
	return pingEcho(env, patternPayload(env.Engine.Codec().MaxMessageLen()))
}

// patternPayload builds a deterministic non-repeating-per-frame payload.
func patternPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + i>>8)
	}
	return p
}

func caseUnknownCommand(env *Env) (*Result, error) {
	// 0xBD sits between SYNC and ERROR and is assigned to nothing.
	out, err := env.Engine.Execute(env.CID, 0xBD, nil, env.Timeout)
	if err != nil {
		return nil, err
	}
	return withTrace(expectDeviceError(out, u2fhid.ErrInvalidCmd), out), nil
}

func caseSkippedSequence(env *Env) (*Result, error) {
	codec := env.Engine.Codec()
	total := codec.InitCapacity() + 2*codec.ContCapacity()
	payload := patternPayload(total)

	if err := env.Engine.SendInit(env.CID, u2fhid.CmdPing, uint16(total), payload[:codec.InitCapacity()]); err != nil {
		return nil, err
	}
	// Continuation 0 deliberately skipped.
	if err := env.Engine.SendCont(env.CID, 1, payload[codec.InitCapacity():codec.InitCapacity()+codec.ContCapacity()]); err != nil {
		return nil, err
	}
	out, err := env.Engine.Receive(env.CID, env.Timeout)
	if err != nil {
		return nil, err
	}
	return withTrace(expectDeviceError(out, u2fhid.ErrInvalidSeq), out), nil
}

func caseOversizeLength(env *Env) (*Result, error) {
	codec := env.Engine.Codec()
	declared := uint16(codec.MaxMessageLen() + 1)
	if err := env.Engine.SendInit(env.CID, u2fhid.CmdPing, declared, patternPayload(codec.InitCapacity())); err != nil {
		return nil, err
	}
	out, err := env.Engine.Receive(env.CID, env.Timeout)
	if err != nil {
		return nil, err
	}
	res := expectDeviceError(out, u2fhid.ErrInvalidLen)
	res.Detail = fmt.Sprintf("declared length %d, maximum %d", declared, codec.MaxMessageLen())
	return withTrace(res, out), nil
}

func caseOrphanContinuation(env *Env) (*Result, error) {
	if err := env.Engine.SendCont(env.CID, 0, []byte{0xDE, 0xAD}); err != nil {
		return nil, err
	}
	// The orphan frame must be ignored outright; a subsequent ping on the
	// same channel proves the device did not wedge or respond to it.
	res, err := pingEcho(env, []byte("after-orphan"))
	if err != nil {
		return nil, err
	}
	res.Expected = "orphan continuation ignored, channel still usable"
	return res, nil
}

func caseIncompleteTimeout(env *Env) (*Result, error) {
	codec := env.Engine.Codec()
	total := codec.InitCapacity() + codec.ContCapacity()
	if err := env.Engine.SendInit(env.CID, u2fhid.CmdPing, uint16(total), patternPayload(codec.InitCapacity())); err != nil {
		return nil, err
	}
	// Never send the continuation; the device must abandon the message.
	out, err := env.Engine.Receive(env.CID, env.Timeout)
	if err != nil {
		return nil, err
	}
	return withTrace(expectDeviceError(out, u2fhid.ErrMsgTimeout), out), nil
}

func caseChannelResync(env *Env) (*Result, error) {
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdInit, fixedNonce, env.Timeout)
	if err != nil {
		return nil, err
	}
	expected := "INIT response echoing nonce on the allocated channel"
	if out.Status != u2fhid.OutcomeSuccess || out.Command != u2fhid.CmdInit {
		return withTrace(Fail(expected, out.Describe()), out), nil
	}
	resp, perr := u2fhid.ParseInitResponse(fixedNonce, out.Payload)
	if perr != nil {
		return withTrace(Fail(expected, perr.Error()), out), nil
	}
	return withTrace(Check(resp.Channel == env.CID,
		expected,
		fmt.Sprintf("INIT response for channel 0x%08X", resp.Channel)), out), nil
}

func caseChannelBusy(env *Env) (*Result, error) {
	second, err := env.Channels.Allocate(env.Timeout)
	if err != nil {
		return Fail("second channel allocated for interleaving", err.Error()), nil
	}

	codec := env.Engine.Codec()
	total := codec.InitCapacity() + codec.ContCapacity()
	// Park an unfinished message on the run channel, then transact on the
	// second channel before the first completes.
	if err := env.Engine.SendInit(env.CID, u2fhid.CmdPing, uint16(total), patternPayload(codec.InitCapacity())); err != nil {
		return nil, err
	}
	out, err := env.Engine.Execute(second.Channel, u2fhid.CmdPing, []byte("busy?"), env.Timeout)
	if err != nil {
		return nil, err
	}

	res := expectDeviceError(out, u2fhid.ErrChannelBusy)
	res.Expected = "ERR_CHANNEL_BUSY on the second channel"

	// Let the parked message expire so later cases start clean.
	drain, derr := env.Engine.Receive(env.CID, env.Timeout)
	if derr == nil && drain.Status == u2fhid.OutcomeTimeout {
		res.Anomalies = append(res.Anomalies, "device never reported ERR_MSG_TIMEOUT for the abandoned message")
	}
	return withTrace(res, out), nil
}

// reservedChannelMisuse sends a PING on a channel the device must never
// service. Both an ERROR frame and silence prove the command was refused;
// only an echo is a failure.
func reservedChannelMisuse(env *Env, cid uint32) (*Result, error) {
	out, err := env.Engine.Execute(cid, u2fhid.CmdPing, []byte("misuse"), env.Timeout)
	if err != nil {
		return nil, err
	}
	expected := "command refused: ERROR frame or no response"
	switch out.Status {
	case u2fhid.OutcomeDeviceError, u2fhid.OutcomeTimeout:
		return withTrace(Pass(expected, out.Describe()), out), nil
	default:
		return withTrace(Fail(expected, out.Describe()), out), nil
	}
}

func caseBroadcastMisuse(env *Env) (*Result, error) {
	return reservedChannelMisuse(env, u2fhid.CIDBroadcast)
}

func caseZeroChannelMisuse(env *Env) (*Result, error) {
	return reservedChannelMisuse(env, u2fhid.CIDReserved)
}

func caseLock(env *Env) (*Result, error) {
	if !env.Init.HasCapability(u2fhid.CapLock) {
		return Skip("device does not advertise CAPFLAG_LOCK"), nil
	}
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdLock, []byte{3}, env.Timeout)
	if err != nil {
		return nil, err
	}
	expected := "empty LOCK response for a 3 second lock"
	if out.Status != u2fhid.OutcomeSuccess || out.Command != u2fhid.CmdLock || len(out.Payload) != 0 {
		return withTrace(Fail(expected, out.Describe()), out), nil
	}
	// Release immediately so the rest of the run is not serialized
	// behind the lock.
	release, err := env.Engine.Execute(env.CID, u2fhid.CmdLock, []byte{0}, env.Timeout)
	if err != nil {
		return nil, err
	}
	res := Check(release.Status == u2fhid.OutcomeSuccess && release.Command == u2fhid.CmdLock,
		"lock taken and released",
		fmt.Sprintf("lock acknowledged, release %s", release.Describe()))
	return withTrace(withTrace(res, out), release), nil
}

func caseWink(env *Env) (*Result, error) {
	if !env.Init.HasCapability(u2fhid.CapWink) {
		return Skip("device does not advertise CAPFLAG_WINK"), nil
	}
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdWink, nil, env.Timeout)
	if err != nil {
		return nil, err
	}
	if out.Status != u2fhid.OutcomeSuccess {
		return withTrace(Fail("empty WINK response", out.Describe()), out), nil
	}
	return withTrace(Check(out.Command == u2fhid.CmdWink && len(out.Payload) == 0,
		"empty WINK response",
		fmt.Sprintf("%s response, %d bytes", u2fhid.CommandName(out.Command), len(out.Payload))), out), nil
}

// ctapGetInfo is the CTAP2 authenticatorGetInfo command byte carried as
// the first CBOR request byte.
const ctapGetInfo byte = 0x04

func caseCBORGetInfo(env *Env) (*Result, error) {
	if !env.Init.HasCapability(u2fhid.CapCBOR) {
		return Skip("device does not advertise CAPFLAG_CBOR"), nil
	}
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdCBOR, []byte{ctapGetInfo}, env.Timeout)
	if err != nil {
		return nil, err
	}
	expected := "CTAP2 status 0x00 followed by a CBOR map listing versions"
	if out.Status != u2fhid.OutcomeSuccess {
		return withTrace(Fail(expected, out.Describe()), out), nil
	}
	if len(out.Payload) < 2 || out.Payload[0] != 0x00 {
		return withTrace(Fail(expected, fmt.Sprintf("%d byte payload, status 0x%02X", len(out.Payload), firstByte(out.Payload))), out), nil
	}
	var info map[uint64]interface{}
	if err := cbor.Unmarshal(out.Payload[1:], &info); err != nil {
		return withTrace(Fail(expected, "undecodable CBOR: "+err.Error()), out), nil
	}
	_, hasVersions := info[1]
	return withTrace(Check(hasVersions, expected,
		fmt.Sprintf("CBOR map with %d entries, versions present=%t", len(info), hasVersions)), out), nil
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// expectDeviceError checks an outcome against one expected transport
// error code.
func expectDeviceError(out *u2fhid.Outcome, code byte) *Result {
	expected := "device error " + u2fhid.ErrorName(code)
	if out.Status != u2fhid.OutcomeDeviceError {
		return Fail(expected, out.Describe())
	}
	return Check(out.ErrorCode == code, expected, out.Describe())
}

// withTrace copies an outcome's capture onto the result.
func withTrace(res *Result, out *u2fhid.Outcome) *Result {
	res.Trace = append(res.Trace, out.Trace...)
	res.Anomalies = append(res.Anomalies, out.Anomalies...)
	return res
}
