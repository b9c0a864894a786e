package diagnostics_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/diagnostics"
)

// syntheticLog builds a log containing n occurrences of line, surrounded by
// benign noise.
func syntheticLog(line string, n int) []byte {
	var b strings.Builder
	b.WriteString("INFO stratus daemon started\n")
	for i := 0; i < n; i++ {
		b.WriteString(line)
		b.WriteString("\n")
		b.WriteString("INFO stratus heartbeat ok\n")
	}
	return []byte(b.String())
}

func TestThresholdCheck_ExactCeilingPasses(t *testing.T) {
	check := diagnostics.ThresholdCheck{
		Pattern: "Building new etcd connection",
		Max:     diagnostics.EtcdConnectionCeiling,
	}

	log := syntheticLog("Building new etcd connection", 5000)

	verdict := check.Evaluate(log)
	assert.True(t, verdict.Passed, "exactly 5000 occurrences must pass: %s", verdict.Detail)
}

func TestThresholdCheck_CeilingPlusOneFails(t *testing.T) {
	check := diagnostics.ThresholdCheck{
		Pattern: "Building new etcd connection",
		Max:     diagnostics.EtcdConnectionCeiling,
	}

	log := syntheticLog("Building new etcd connection", 5001)

	verdict := check.Evaluate(log)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Detail, "5001")
}

func TestForbiddenCheck_AnyOccurrenceFails(t *testing.T) {
	check := diagnostics.ForbiddenCheck{Pattern: "Traceback (most recent call last):"}

	clean := []byte("INFO all good\nINFO still good\n")
	assert.True(t, check.Evaluate(clean).Passed)

	// A single traceback fails regardless of any other content.
	dirty := append(syntheticLog("INFO busy", 1000),
		[]byte("Traceback (most recent call last):\n  File \"agent.py\", line 12\n")...)
	assert.False(t, check.Evaluate(dirty).Passed)
}

func TestRunChecks_AllChecksRunDespiteFailures(t *testing.T) {
	checks := []diagnostics.Check{
		diagnostics.ForbiddenCheck{Pattern: "Traceback (most recent call last):"},
		diagnostics.ThresholdCheck{Pattern: "Received SIGTERM", Max: 1},
		diagnostics.ForbiddenCheck{Pattern: "Cannot release lock"},
	}

	log := []byte(strings.Join([]string{
		"Traceback (most recent call last):",
		"Received SIGTERM",
		"Received SIGTERM",
		"Cannot release lock",
	}, "\n"))

	verdicts, err := diagnostics.RunChecks(log, checks)

	// Every check produced a verdict: no short-circuit on first failure.
	require.Len(t, verdicts, 3)
	for _, v := range verdicts {
		assert.False(t, v.Passed, v.Check)
	}

	require.ErrorIs(t, err, diagnostics.ErrChecksFailed)
	// The aggregate error names every failing check.
	assert.Contains(t, err.Error(), "Traceback")
	assert.Contains(t, err.Error(), "SIGTERM")
	assert.Contains(t, err.Error(), "Cannot release lock")
}

func TestRunChecks_CleanLog(t *testing.T) {
	log := syntheticLog("INFO stratus scheduler placed instance", 200)

	verdicts, err := diagnostics.RunChecks(log, diagnostics.DefaultChecks())

	require.NoError(t, err)
	assert.Len(t, verdicts, len(diagnostics.DefaultChecks()))
}

func TestDefaultChecks_CoversPolicy(t *testing.T) {
	var names []string
	for _, c := range diagnostics.DefaultChecks() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, "\n")

	// Spot-check the policy entries that gate real incidents.
	assert.Contains(t, joined, "Building new etcd connection")
	assert.Contains(t, joined, "Received SIGTERM")
	assert.Contains(t, joined, "Traceback (most recent call last):")
	assert.Contains(t, joined, `apparmor="DENIED"`)
	assert.Contains(t, joined, "Acquired lock, but it was slow")
}
