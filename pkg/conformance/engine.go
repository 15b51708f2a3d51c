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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/logging"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

// Verbosity selects how much of each case the reporter prints.
type Verbosity int

const (
	// VerbositySummary prints the run summary plus one line per failure.
	VerbositySummary Verbosity = iota
	// VerbosityCases adds a per-case expected/observed line.
	VerbosityCases
	// VerbosityFrames adds raw dumps of every transmitted and received
	// report.
	VerbosityFrames
)

// RunControl is the run policy threaded through a conformance run. It is
// a value, not process state, so runs are reproducible from configuration
// alone.
type RunControl struct {
	// ContinueOnError runs every case instead of stopping at the first
	// hard failure.
	ContinueOnError bool

	// PauseOnError blocks for operator acknowledgment after each failure.
	// Meaningful only with ContinueOnError; without it the run has
	// already stopped.
	PauseOnError bool

	Verbosity Verbosity

	// Buttonless skips cases that require a user-presence touch.
	Buttonless bool

	// StrictChannel terminates transactions on foreign-channel traffic
	// instead of recording it as an anomaly.
	StrictChannel bool

	// Timeout is the per-transaction receive bound.
	Timeout time.Duration
}

// HarnessFault is a failure of the harness itself rather than of the
// device under test: the device cannot be opened or a channel cannot be
// allocated at all. It aborts the run before or between cases.
type HarnessFault struct {
	Stage string
	Err   error
}

func (f *HarnessFault) Error() string {
	return fmt.Sprintf("conformance: harness fault during %s: %v", f.Stage, f.Err)
}

func (f *HarnessFault) Unwrap() error { return f.Err }

// Prompter blocks until the operator acknowledges a failure.
type Prompter interface {
	Acknowledge(caseName string) error
}

// Runner executes the case catalog in declaration order against one
// device. Order is fixed so failures reproduce run to run.
type Runner struct {
	dev      u2fhid.Device
	control  RunControl
	reporter *Reporter
	prompter Prompter
	logger   *logging.Logger
	cases    []Case
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPrompter installs the pause-on-error acknowledgment hook.
func WithPrompter(p Prompter) RunnerOption {
	return func(r *Runner) { r.prompter = p }
}

// WithCases replaces the default catalog, used by focused runs and tests.
func WithCases(cases []Case) RunnerOption {
	return func(r *Runner) { r.cases = cases }
}

// WithLogger overrides the default logger.
func WithLogger(logger *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner builds a runner over an open device with the full catalog.
func NewRunner(dev u2fhid.Device, control RunControl, reporter *Reporter, opts ...RunnerOption) *Runner {
	if control.Timeout <= 0 {
		control.Timeout = 3 * time.Second
	}
	r := &Runner{
		dev:      dev,
		control:  control,
		reporter: reporter,
		logger:   logging.NewLogger(false),
		cases:    Catalog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the catalog and returns the accumulated report. The error
// is non-nil only for a HarnessFault; every device misbehavior is a
// Result inside the report.
func (r *Runner) Run() (*Report, error) {
	report := &Report{
		RunID:      uuid.New(),
		DevicePath: r.dev.Path(),
		StartedAt:  time.Now(),
	}

	env, err := r.setup()
	if err != nil {
		return nil, err
	}
	r.reporter.RunHeader(report, len(r.cases))
	log := r.logger.With("run_id", report.RunID.String())

	for _, c := range r.cases {
		res, err := r.runCase(env, &c)
		if err != nil {
			// Device I/O broke mid-case; nothing further can run.
			return nil, &HarnessFault{Stage: "case " + c.Name, Err: err}
		}
		report.record(res)
		r.reporter.Case(res)
		log.With("case", c.Name).Debugf("%s in %s", res.StatusText, res.Elapsed)

		if res.Status == StatusFail {
			// Pause applies to every failure; only hard failures end
			// the run.
			if r.control.PauseOnError && r.prompter != nil {
				if err := r.prompter.Acknowledge(c.Name); err != nil {
					return nil, &HarnessFault{Stage: "operator prompt", Err: err}
				}
			}
			if res.Severity == SeverityHard && !r.control.ContinueOnError {
				log.Warnf("stopping at first hard failure: %s", c.Name)
				break
			}
		}
	}

	report.Elapsed = time.Since(report.StartedAt)
	r.reporter.Summary(report)
	return report, nil
}

// setup opens the conformance channel. Failure here is fatal: without a
// working channel no case result would be meaningful.
func (r *Runner) setup() (*Env, error) {
	codec, err := u2fhid.NewCodec(r.dev.ReportSize())
	if err != nil {
		return nil, &HarnessFault{Stage: "codec setup", Err: err}
	}

	engine := u2fhid.NewEngine(r.dev, codec,
		u2fhid.WithCapture(r.control.Verbosity >= VerbosityFrames),
		u2fhid.WithStrictChannel(r.control.StrictChannel))

	channels := u2fhid.NewChannelManager(r.dev, codec)
	init, err := channels.Allocate(r.control.Timeout)
	if err != nil {
		return nil, &HarnessFault{Stage: "channel allocation", Err: err}
	}
	r.logger.Debugf("allocated channel 0x%08X, device version %d.%d.%d",
		init.Channel, init.VersionMajor, init.VersionMinor, init.VersionBuild)

	return &Env{
		Engine:     engine,
		Channels:   channels,
		Init:       init,
		CID:        init.Channel,
		Timeout:    r.control.Timeout,
		Buttonless: r.control.Buttonless,
	}, nil
}

// runCase executes one case, converting panics into hard failures so a
// misbehaving case body cannot take down the run.
func (r *Runner) runCase(env *Env, c *Case) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Fail("case completes", fmt.Sprintf("panic: %v", rec))
			res.Name = c.Name
			res.Severity = c.Severity
			err = nil
		}
	}()

	start := time.Now()
	if c.RequiresPresence && env.Buttonless {
		res = Skip("device marked buttonless")
	} else {
		res, err = c.Run(env)
		if err != nil {
			r.logger.Errorf("case %s: %v", c.Name, err)
			return nil, err
		}
	}
	res.Name = c.Name
	res.Severity = c.Severity
	res.Elapsed = time.Since(start)
	return res, nil
}
