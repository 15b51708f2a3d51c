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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
	"gopkg.in/yaml.v3"
)

// OutputFormat defines the report output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

var (
	passLabel = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	skipLabel = color.New(color.FgYellow).SprintFunc()
	dimText   = color.New(color.Faint).SprintFunc()
)

// Reporter renders run progress and the final report. In JSON and YAML
// modes all incremental output is suppressed and the report is emitted
// once at the end of the run.
type Reporter struct {
	format    OutputFormat
	writer    io.Writer
	verbosity Verbosity
}

// NewReporter creates a new Reporter
func NewReporter(format string, writer io.Writer, verbosity Verbosity) *Reporter {
	return &Reporter{
		format:    OutputFormat(format),
		writer:    writer,
		verbosity: verbosity,
	}
}

func (p *Reporter) structured() bool {
	return p.format == OutputFormatJSON || p.format == OutputFormatYAML
}

// RunHeader prints the run preamble.
func (p *Reporter) RunHeader(report *Report, total int) {
	if p.structured() {
		return
	}
	fmt.Fprintf(p.writer, "U2F conformance run %s\n", report.RunID)
	fmt.Fprintf(p.writer, "Device: %s\n", report.DevicePath)
	fmt.Fprintf(p.writer, "Cases:  %d\n\n", total)
}

// Case prints one executed case according to the verbosity level. Every
// failure prints its expected/observed summary regardless of verbosity.
func (p *Reporter) Case(res *Result) {
	if p.structured() {
		return
	}

	switch res.Status {
	case StatusPass:
		if p.verbosity >= VerbosityCases {
			fmt.Fprintf(p.writer, "%s %s %s\n", passLabel("PASS"), res.Name, dimText(res.Elapsed.String()))
			fmt.Fprintf(p.writer, "     expected: %s\n     observed: %s\n", res.Expected, res.Observed)
		} else {
			fmt.Fprintf(p.writer, "%s %s\n", passLabel("PASS"), res.Name)
		}
	case StatusSkip:
		fmt.Fprintf(p.writer, "%s %s (%s)\n", skipLabel("SKIP"), res.Name, res.Detail)
	case StatusFail:
		label := failLabel("FAIL")
		if res.Severity == SeverityAdvisory {
			label = skipLabel("WARN")
		}
		fmt.Fprintf(p.writer, "%s %s\n", label, res.Name)
		fmt.Fprintf(p.writer, "     expected: %s\n     observed: %s\n", res.Expected, res.Observed)
		if res.Detail != "" {
			fmt.Fprintf(p.writer, "     detail:   %s\n", res.Detail)
		}
	}

	for _, anomaly := range res.Anomalies {
		fmt.Fprintf(p.writer, "     anomaly:  %s\n", anomaly)
	}
	if p.verbosity >= VerbosityFrames {
		p.printTrace(res.Trace)
	}
}

func (p *Reporter) printTrace(trace []u2fhid.TraceEntry) {
	for _, entry := range trace {
		fmt.Fprintf(p.writer, "     %s %s\n", entry.Dir, dimText(hex.EncodeToString(entry.Report)))
	}
}

// Summary prints the final report. In structured modes this is the only
// output.
func (p *Reporter) Summary(report *Report) error {
	switch p.format {
	case OutputFormatJSON:
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case OutputFormatYAML:
		return yaml.NewEncoder(p.writer).Encode(report)
	}

	fmt.Fprintf(p.writer, "\n%d passed, %d failed, %d advisories, %d skipped in %s\n",
		report.Passed, report.Failed, report.Advisories, report.Skipped, report.Elapsed.Round(1e6))
	if report.HardFailed() {
		fmt.Fprintf(p.writer, "%s\n", failLabel("CONFORMANCE FAILED"))
	} else {
		fmt.Fprintf(p.writer, "%s\n", passLabel("CONFORMANCE PASSED"))
	}
	return nil
}
