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
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2f"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

func u2fCases() []Case {
	return []Case{
		{
			Name:        "msg/version",
			Description: "a version query returns the fixed version string with SW_NO_ERROR",
			Severity:    SeverityHard,
			Run:         caseVersion,
		},
		{
			Name:        "msg/version-wrong-cla",
			Description: "a version query with a non-zero class byte is rejected with SW_CLA_NOT_SUPPORTED",
			Severity:    SeverityHard,
			Run:         caseVersionWrongCLA,
		},
		{
			Name:        "msg/version-wrong-length",
			Description: "a version query carrying a data field is rejected with SW_WRONG_LENGTH",
			Severity:    SeverityAdvisory,
			Run:         caseVersionWrongLength,
		},
		{
			Name:        "msg/register-presence-gate",
			Description: "registration is gated on user presence",
			Severity:    SeverityHard,
			Run:         caseRegisterPresenceGate,
		},
		{
			Name:             "msg/register",
			Description:      "registration with a touch yields a well-formed registration record",
			Severity:         SeverityHard,
			RequiresPresence: true,
			Run:              caseRegister,
		},
		{
			Name:        "msg/authenticate-unknown-handle",
			Description: "authentication with an unknown key handle is rejected with SW_WRONG_DATA",
			Severity:    SeverityHard,
			Run:         caseAuthUnknownHandle,
		},
		{
			Name:        "msg/authenticate-check-only",
			Description: "a check-only probe of a valid handle reports presence-required, never a signature",
			Severity:    SeverityHard,
			Run:         caseAuthCheckOnly,
		},
		{
			Name:             "msg/authenticate-sign",
			Description:      "authentication with a touch yields a well-formed signing record",
			Severity:         SeverityHard,
			RequiresPresence: true,
			Run:              caseAuthSign,
		},
		{
			Name:             "msg/counter-monotonic",
			Description:      "a second signature carries a strictly larger counter",
			Severity:         SeverityAdvisory,
			RequiresPresence: true,
			Run:              caseCounterMonotonic,
		},
	}
}

// Conformance parameters are fixed hashes so every run issues identical
// request bytes.
var (
	testChallenge = sha256.Sum256([]byte("go-u2f-conformance challenge"))
	testAppParam  = sha256.Sum256([]byte("https://conformance.example"))
)

// presenceWindow bounds how long a presence-gated case waits for a touch.
const (
	presenceWindow = 20 * time.Second
	presenceRetry  = 300 * time.Millisecond
)

// transact encodes one APDU, runs it through the transport and splits
// the response. A non-Success transport outcome fails the case; a device
// error or timeout at this layer is never the expected behavior.
func transact(env *Env, req u2f.Request, expected string) (u2f.Response, *Result, error) {
	raw, err := req.Encode()
	if err != nil {
		return u2f.Response{}, nil, err
	}
	return transactRaw(env, raw, expected)
}

// transactRaw sends pre-encoded APDU bytes, for deliberately malformed
// envelopes the Request type cannot express.
func transactRaw(env *Env, raw []byte, expected string) (u2f.Response, *Result, error) {
	out, err := env.Engine.Execute(env.CID, u2fhid.CmdMsg, raw, env.Timeout)
	if err != nil {
		return u2f.Response{}, nil, err
	}
	if out.Status != u2fhid.OutcomeSuccess {
		return u2f.Response{}, withTrace(Fail(expected, out.Describe()), out), nil
	}
	resp, perr := u2f.ParseResponse(out.Payload)
	if perr != nil {
		return u2f.Response{}, withTrace(Fail(expected, perr.Error()), out), nil
	}
	return resp, nil, nil
}

// awaitPresence retries a request while the device reports
// SW_CONDITIONS_NOT_SATISFIED, giving the operator a touch window.
func awaitPresence(env *Env, req u2f.Request, expected string) (u2f.Response, *Result, error) {
	deadline := time.Now().Add(presenceWindow)
	for {
		resp, res, err := transact(env, req, expected)
		if res != nil || err != nil {
			return u2f.Response{}, res, err
		}
		if resp.SW != u2f.SWConditionsNotSatisfied {
			return resp, nil, nil
		}
		if time.Now().After(deadline) {
			return u2f.Response{}, Fail(expected, "SW_CONDITIONS_NOT_SATISFIED for the whole presence window"), nil
		}
		time.Sleep(presenceRetry)
	}
}

func caseVersion(env *Env) (*Result, error) {
	expected := fmt.Sprintf("%q with SW_NO_ERROR", u2f.VersionString)
	resp, res, err := transact(env, u2f.VersionRequest(), expected)
	if res != nil || err != nil {
		return res, err
	}
	if verr := u2f.ValidateVersionResponse(resp); verr != nil {
		return Fail(expected, verr.Error()), nil
	}
	return Pass(expected, fmt.Sprintf("%q with %s", resp.Data, u2f.StatusName(resp.SW))), nil
}

func caseVersionWrongCLA(env *Env) (*Result, error) {
	raw, err := u2f.VersionRequest().Encode()
	if err != nil {
		return nil, err
	}
	raw[0] = 0x80 // proprietary class

	expected := "SW_CLA_NOT_SUPPORTED"
	resp, res, terr := transactRaw(env, raw, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	return Check(resp.SW == u2f.SWClaNotSupported, expected, u2f.StatusName(resp.SW)), nil
}

func caseVersionWrongLength(env *Env) (*Result, error) {
	// The version command takes no data field.
	req := u2f.Request{Ins: u2f.InsVersion, Data: []byte{0x00}}

	expected := "SW_WRONG_LENGTH"
	resp, res, err := transact(env, req, expected)
	if res != nil || err != nil {
		return res, err
	}
	return Check(resp.SW == u2f.SWWrongLength, expected, u2f.StatusName(resp.SW)), nil
}

func caseRegisterPresenceGate(env *Env) (*Result, error) {
	req, err := u2f.RegisterRequest(testChallenge[:], testAppParam[:])
	if err != nil {
		return nil, err
	}
	expected := "SW_CONDITIONS_NOT_SATISFIED until touched, or immediate success"
	resp, res, terr := transact(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	switch resp.SW {
	case u2f.SWConditionsNotSatisfied:
		return Pass(expected, u2f.StatusName(resp.SW)), nil
	case u2f.SWNoError:
		// Buttonless or self-presence devices answer immediately; keep
		// the handle for the authentication cases.
		rec, perr := u2f.ParseRegisterResponse(resp.Data)
		if perr != nil {
			return Fail(expected, "SW_NO_ERROR with malformed record: "+perr.Error()), nil
		}
		env.KeyHandle = rec.KeyHandle
		return Pass(expected, fmt.Sprintf("immediate success, %d byte key handle", len(rec.KeyHandle))), nil
	default:
		return Fail(expected, u2f.StatusName(resp.SW)), nil
	}
}

func caseRegister(env *Env) (*Result, error) {
	req, err := u2f.RegisterRequest(testChallenge[:], testAppParam[:])
	if err != nil {
		return nil, err
	}
	expected := "well-formed registration record with SW_NO_ERROR"
	resp, res, terr := awaitPresence(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	if resp.SW != u2f.SWNoError {
		return Fail(expected, u2f.StatusName(resp.SW)), nil
	}
	rec, perr := u2f.ParseRegisterResponse(resp.Data)
	if perr != nil {
		return Fail(expected, perr.Error()), nil
	}
	env.KeyHandle = rec.KeyHandle
	return Pass(expected, fmt.Sprintf("record with %d byte key handle, %d byte attestation",
		len(rec.KeyHandle), len(rec.Attestation))), nil
}

func caseAuthUnknownHandle(env *Env) (*Result, error) {
	bogus := bytes.Repeat([]byte{0xA5}, 64)
	req, err := u2f.AuthenticateRequest(u2f.CtrlEnforcePresenceSign, testChallenge[:], testAppParam[:], bogus)
	if err != nil {
		return nil, err
	}
	expected := "SW_WRONG_DATA"
	resp, res, terr := transact(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	return Check(resp.SW == u2f.SWWrongData, expected, u2f.StatusName(resp.SW)), nil
}

func caseAuthCheckOnly(env *Env) (*Result, error) {
	if env.KeyHandle == nil {
		return Skip("no key handle registered in this run"), nil
	}
	req, err := u2f.AuthenticateRequest(u2f.CtrlCheckOnly, testChallenge[:], testAppParam[:], env.KeyHandle)
	if err != nil {
		return nil, err
	}
	// Check-only never signs: a valid handle answers
	// SW_CONDITIONS_NOT_SATISFIED even with presence available.
	expected := "SW_CONDITIONS_NOT_SATISFIED for a valid handle"
	resp, res, terr := transact(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	return Check(resp.SW == u2f.SWConditionsNotSatisfied, expected, u2f.StatusName(resp.SW)), nil
}

func caseAuthSign(env *Env) (*Result, error) {
	if env.KeyHandle == nil {
		return Skip("no key handle registered in this run"), nil
	}
	req, err := u2f.AuthenticateRequest(u2f.CtrlEnforcePresenceSign, testChallenge[:], testAppParam[:], env.KeyHandle)
	if err != nil {
		return nil, err
	}
	expected := "signing record with presence bit set and SW_NO_ERROR"
	resp, res, terr := awaitPresence(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	if resp.SW != u2f.SWNoError {
		return Fail(expected, u2f.StatusName(resp.SW)), nil
	}
	rec, perr := u2f.ParseAuthenticateResponse(resp.Data)
	if perr != nil {
		return Fail(expected, perr.Error()), nil
	}
	env.Counter = rec.Counter
	env.Signed = true
	return Check(rec.UserPresent(), expected,
		fmt.Sprintf("counter %d, presence=%t, %d byte signature", rec.Counter, rec.UserPresent(), len(rec.Signature))), nil
}

func caseCounterMonotonic(env *Env) (*Result, error) {
	if !env.Signed {
		return Skip("no prior signature in this run"), nil
	}
	req, err := u2f.AuthenticateRequest(u2f.CtrlEnforcePresenceSign, testChallenge[:], testAppParam[:], env.KeyHandle)
	if err != nil {
		return nil, err
	}
	expected := fmt.Sprintf("counter strictly greater than %d", env.Counter)
	resp, res, terr := awaitPresence(env, req, expected)
	if res != nil || terr != nil {
		return res, terr
	}
	if resp.SW != u2f.SWNoError {
		return Fail(expected, u2f.StatusName(resp.SW)), nil
	}
	rec, perr := u2f.ParseAuthenticateResponse(resp.Data)
	if perr != nil {
		return Fail(expected, perr.Error()), nil
	}
	return Check(rec.Counter > env.Counter, expected, fmt.Sprintf("counter %d", rec.Counter)), nil
}
