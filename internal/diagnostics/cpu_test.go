package diagnostics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/diagnostics"
)

func TestParseProcessTable(t *testing.T) {
	output := " 97.5 stratus-cleaner\n 12.0 stratus-api\ngarbage line\n  0.0 sshd\n"

	samples := diagnostics.ParseProcessTable(output)

	require.Len(t, samples, 3)
	assert.Equal(t, diagnostics.ProcessSample{Command: "stratus-cleaner", CPUPercent: 97.5}, samples[0])
	assert.Equal(t, "sshd", samples[2].Command)
}

func TestCPUHogPolicy_ExcludedProcessNeverFlagged(t *testing.T) {
	policy := diagnostics.DefaultCPUHogPolicy()

	samples := []diagnostics.ProcessSample{
		// Over threshold but exempt by policy.
		{Command: "stratus-cleaner", CPUPercent: 99.0},
		// Over threshold, must be flagged.
		{Command: "qemu-system-x86_64", CPUPercent: 91.2},
		// Under threshold.
		{Command: "stratus-api", CPUPercent: 30.0},
	}

	violations := policy.Violations(samples)

	require.Len(t, violations, 1)
	assert.Equal(t, "qemu-system-x86_64", violations[0].Command)
}

func TestCPUHogPolicy_ThresholdIsExclusive(t *testing.T) {
	policy := diagnostics.CPUHogPolicy{ThresholdPercent: 80, ExcludeProcess: "stratus-cleaner"}

	samples := []diagnostics.ProcessSample{{Command: "etcd", CPUPercent: 80.0}}
	assert.Empty(t, policy.Violations(samples), "exactly the threshold is not a violation")

	samples[0].CPUPercent = 80.1
	assert.Len(t, policy.Violations(samples), 1)
}
