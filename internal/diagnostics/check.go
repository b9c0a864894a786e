// Package diagnostics polices the evidence of a finished run: it retrieves
// logs, scans them against the forbidden-pattern policy, checks resource
// usage, and bundles everything into the retained artifact. Every check
// runs to completion before failures are reported, so one run surfaces the
// complete diagnostic picture.
package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrChecksFailed indicates at least one log check failed.
	ErrChecksFailed = errors.New("log checks failed")
)

// Verdict is the outcome of a single check.
type Verdict struct {
	Check  string
	Passed bool
	Detail string
}

// Check inspects a collected log and produces a verdict. Checks are policy
// data: independent values evaluated over the same input.
type Check interface {
	Name() string
	Evaluate(log []byte) Verdict
}

// ForbiddenCheck fails when its pattern appears anywhere in the log.
type ForbiddenCheck struct {
	Pattern string
}

func (c ForbiddenCheck) Name() string { return "forbidden: " + c.Pattern }

func (c ForbiddenCheck) Evaluate(log []byte) Verdict {
	count := bytes.Count(log, []byte(c.Pattern))
	if count > 0 {
		return Verdict{
			Check:  c.Name(),
			Passed: false,
			Detail: fmt.Sprintf("found %d occurrence(s)", count),
		}
	}
	return Verdict{Check: c.Name(), Passed: true, Detail: "not present"}
}

// ThresholdCheck fails when its pattern occurs more than Max times. A count
// of exactly Max passes.
type ThresholdCheck struct {
	Pattern string
	Max     int
}

func (c ThresholdCheck) Name() string {
	return fmt.Sprintf("threshold: %s (max %d)", c.Pattern, c.Max)
}

func (c ThresholdCheck) Evaluate(log []byte) Verdict {
	count := bytes.Count(log, []byte(c.Pattern))
	return Verdict{
		Check:  c.Name(),
		Passed: count <= c.Max,
		Detail: fmt.Sprintf("%d occurrence(s), ceiling %d", count, c.Max),
	}
}

// RunChecks evaluates every check against the log. It never short-circuits:
// all verdicts are produced, then failures are folded into one error.
func RunChecks(log []byte, checks []Check) ([]Verdict, error) {
	verdicts := make([]Verdict, 0, len(checks))
	var failures []error

	for _, check := range checks {
		verdict := check.Evaluate(log)
		verdicts = append(verdicts, verdict)

		if !verdict.Passed {
			failures = append(failures, fmt.Errorf("%s: %s", verdict.Check, verdict.Detail))
		}
	}

	if len(failures) > 0 {
		return verdicts, errors.Join(append([]error{ErrChecksFailed}, failures...)...)
	}
	return verdicts, nil
}
