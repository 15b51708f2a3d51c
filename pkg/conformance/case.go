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

// Package conformance runs a fixed catalog of protocol test cases against
// one attached U2F security key and accumulates a pass/fail report.
package conformance

import (
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

// Severity classifies how a case failure affects the run verdict.
type Severity int

const (
	// SeverityHard failures make the whole run fail.
	SeverityHard Severity = iota
	// SeverityAdvisory failures are reported but do not fail the run.
	SeverityAdvisory
)

func (s Severity) String() string {
	if s == SeverityAdvisory {
		return "advisory"
	}
	return "hard"
}

// CaseStatus is the terminal state of one executed case.
type CaseStatus int

const (
	StatusPass CaseStatus = iota
	StatusFail
	StatusSkip
)

func (s CaseStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusFail:
		return "FAIL"
	default:
		return "SKIP"
	}
}

// Env is the shared harness state a case runs against. The transaction
// engine owns the device handle; cases never touch the device directly.
type Env struct {
	Engine   *u2fhid.Engine
	Channels *u2fhid.ChannelManager
	Init     u2fhid.InitResponse
	CID      uint32
	Timeout  time.Duration

	// Buttonless marks a device with no user-presence button; cases that
	// need a touch are skipped instead of timing out.
	Buttonless bool

	// KeyHandle carries a handle obtained by a registration case into the
	// authentication cases that follow it in declaration order.
	KeyHandle []byte

	// Counter is the signature counter observed by the most recent
	// signing case; Signed marks it as valid.
	Counter uint32
	Signed  bool
}

// Case is one independent stimulus/expectation pair. Run returns the
// observed result; an error return is a harness fault that aborts the
// whole run.
type Case struct {
	Name             string
	Description      string
	Severity         Severity
	RequiresPresence bool
	Run              func(env *Env) (*Result, error)
}

// Result records one executed case.
type Result struct {
	Name       string              `json:"name" yaml:"name"`
	Status     CaseStatus          `json:"-" yaml:"-"`
	StatusText string              `json:"status" yaml:"status"`
	Severity   Severity            `json:"-" yaml:"-"`
	Expected   string              `json:"expected" yaml:"expected"`
	Observed   string              `json:"observed" yaml:"observed"`
	Detail     string              `json:"detail,omitempty" yaml:"detail,omitempty"`
	Elapsed    time.Duration       `json:"elapsed" yaml:"elapsed"`
	Trace      []u2fhid.TraceEntry `json:"-" yaml:"-"`
	Anomalies  []string            `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
}

// Pass builds a passing result.
func Pass(expected, observed string) *Result {
	return &Result{Status: StatusPass, Expected: expected, Observed: observed}
}

// Fail builds a failing result.
func Fail(expected, observed string) *Result {
	return &Result{Status: StatusFail, Expected: expected, Observed: observed}
}

// Skip builds a skipped result with the reason it did not run.
func Skip(reason string) *Result {
	return &Result{Status: StatusSkip, Detail: reason}
}

// Check builds a result from a boolean verdict.
func Check(ok bool, expected, observed string) *Result {
	if ok {
		return Pass(expected, observed)
	}
	return Fail(expected, observed)
}

// Report is the accumulated outcome of one conformance run.
type Report struct {
	RunID      uuid.UUID     `json:"run_id" yaml:"run_id"`
	DevicePath string        `json:"device" yaml:"device"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
	Results    []*Result     `json:"results" yaml:"results"`
	Passed     int           `json:"passed" yaml:"passed"`
	Failed     int           `json:"failed" yaml:"failed"`
	Advisories int           `json:"advisories" yaml:"advisories"`
	Skipped    int           `json:"skipped" yaml:"skipped"`
}

// HardFailed reports whether any hard-severity case failed.
func (r *Report) HardFailed() bool { return r.Failed > 0 }

func (r *Report) record(res *Result) {
	res.StatusText = res.Status.String()
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusPass:
		r.Passed++
	case StatusSkip:
		r.Skipped++
	case StatusFail:
		if res.Severity == SeverityAdvisory {
			r.Advisories++
		} else {
			r.Failed++
		}
	}
}
