package diagnostics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrCPUHogDetected indicates a process exceeded the CPU ceiling.
	ErrCPUHogDetected = errors.New("cpu hog detected")
)

// processTableCommand lists per-process CPU usage on the primary node,
// busiest first.
var processTableCommand = []string{"ps", "-eo", "pcpu,comm", "--no-headers", "--sort=-pcpu"}

// ProcessSample is one row of the remote process table.
type ProcessSample struct {
	Command    string
	CPUPercent float64
}

// CPUHogPolicy flags processes above a CPU threshold, with one named
// exemption.
type CPUHogPolicy struct {
	// ThresholdPercent is the CPU ceiling; processes strictly above it
	// are violations.
	ThresholdPercent float64
	// ExcludeProcess is exempt from the ceiling. The platform's
	// housekeeping daemon legitimately saturates a core while compacting
	// the event store, so flagging it would make every long run red.
	ExcludeProcess string
}

// DefaultCPUHogPolicy returns the policy applied when none is configured.
func DefaultCPUHogPolicy() CPUHogPolicy {
	return CPUHogPolicy{
		ThresholdPercent: 80,
		ExcludeProcess:   "stratus-cleaner",
	}
}

// Violations returns the samples that breach the policy.
func (p CPUHogPolicy) Violations(samples []ProcessSample) []ProcessSample {
	var out []ProcessSample
	for _, s := range samples {
		if s.Command == p.ExcludeProcess {
			continue
		}
		if s.CPUPercent > p.ThresholdPercent {
			out = append(out, s)
		}
	}
	return out
}

// ParseProcessTable parses `ps -eo pcpu,comm` output. Unparseable lines are
// skipped: the table is diagnostic input, not a contract.
func ParseProcessTable(output string) []ProcessSample {
	var samples []ProcessSample

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		cpu, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}

		samples = append(samples, ProcessSample{
			CPUPercent: cpu,
			Command:    strings.Join(fields[1:], " "),
		})
	}

	return samples
}

func formatViolations(violations []ProcessSample) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("%s (%.1f%%)", v.Command, v.CPUPercent))
	}
	return strings.Join(parts, ", ")
}
