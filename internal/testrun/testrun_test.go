package testrun_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/testrun"
	"github.com/stratus-cloud/stratus-ci/internal/util/fakes/runnerfake"
	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

func testRunContext(t *testing.T) *runctx.RunContext {
	t.Helper()

	resolver := &runctx.Resolver{
		ArtifactRoot: t.TempDir(),
		SSHKeyPath:   "/home/ci/.ssh/id_ed25519",
	}
	rc, err := resolver.Resolve(runctx.Variant{
		Name:        "debian-12-localhost",
		BaseImage:   "debian:12",
		OSUser:      "debian",
		Topology:    "localhost",
		Concurrency: 4,
	})
	require.NoError(t, err)
	return rc.WithPrimary("192.0.2.10")
}

func newRunner(remote *runnerfake.Fake) *testrun.Runner {
	r := testrun.New(remote, logr.Discard())
	r.RunCommand = func(*exec.Cmd) error { return nil }
	return r
}

func TestRun_Success(t *testing.T) {
	remote := runnerfake.New()
	rc := testRunContext(t)

	r := newRunner(remote)
	require.NoError(t, r.Run(context.Background(), rc))

	lines := remote.CommandLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "install-test-deps.sh")
	assert.Contains(t, lines[1], "run-tests.sh --concurrency 4")
}

func TestRun_RemoteCommandsCarryRunEnvPastOperators(t *testing.T) {
	remote := runnerfake.New()
	rc := testRunContext(t)

	require.NoError(t, newRunner(remote).Run(context.Background(), rc))

	calls := remote.Calls()
	require.Len(t, calls, 2)

	// Both remote invocations are compound lines (cd && script). The
	// script after the operator must still see the run's environment once
	// the line is rendered for the remote shell.
	for _, call := range calls {
		line := execcontext.FormatCmd(rc.ExecContext(), call.Cmd...)

		_, after, found := strings.Cut(line, "&&")
		require.True(t, found, line)
		assert.Contains(t, after, `STRATUS_NAMESPACE=`)
		assert.Contains(t, after, `STRATUS_CI_CONCURRENCY="4"`)
	}
}

func TestRun_RsyncArguments(t *testing.T) {
	remote := runnerfake.New()
	rc := testRunContext(t)

	r := testrun.New(remote, logr.Discard())
	var args []string
	r.RunCommand = func(cmd *exec.Cmd) error {
		args = cmd.Args
		return nil
	}

	require.NoError(t, r.Run(context.Background(), rc))

	line := strings.Join(args, " ")
	assert.Contains(t, line, "rsync")
	assert.Contains(t, line, "--exclude .git")
	assert.Contains(t, line, "--exclude artifacts")
	assert.Contains(t, line, "debian@192.0.2.10:stratus-src/")
	assert.Contains(t, line, "-i /home/ci/.ssh/id_ed25519")
}

func TestRun_CopyFailureShortCircuits(t *testing.T) {
	remote := runnerfake.New()

	r := testrun.New(remote, logr.Discard())
	r.RunCommand = func(*exec.Cmd) error { return errors.New("rsync error") }

	err := r.Run(context.Background(), testRunContext(t))
	require.ErrorIs(t, err, testrun.ErrTreeCopyFailed)
	assert.Empty(t, remote.Calls(), "no remote command may run after a failed copy")
}

func TestRun_InstallFailure(t *testing.T) {
	remote := runnerfake.New()
	remote.Handler = func(call runnerfake.Call) runnerfake.Response {
		if strings.Contains(call.Line(), "install-test-deps.sh") {
			return runnerfake.Response{Err: errors.New("exit status 1")}
		}
		return runnerfake.Response{}
	}

	err := newRunner(remote).Run(context.Background(), testRunContext(t))
	require.ErrorIs(t, err, testrun.ErrDepsInstallFailed)
}

func TestRun_SuiteFailurePropagates(t *testing.T) {
	remote := runnerfake.New()
	remote.Handler = func(call runnerfake.Call) runnerfake.Response {
		if strings.Contains(call.Line(), "run-tests.sh") {
			return runnerfake.Response{
				Stdout: "FAILED tests/test_instances.py::test_boot",
				Err:    errors.New("exit status 2"),
			}
		}
		return runnerfake.Response{}
	}

	rc := testRunContext(t)
	err := newRunner(remote).Run(context.Background(), rc)
	require.ErrorIs(t, err, testrun.ErrSuiteFailed)

	// The transcript is retained even on failure.
	data, rerr := os.ReadFile(filepath.Join(rc.ArtifactDir, "test-suite.log"))
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "test_boot")
}

func TestRun_SlowestReportIsAdvisory(t *testing.T) {
	remote := runnerfake.New()
	remote.Handler = func(call runnerfake.Call) runnerfake.Response {
		if strings.Contains(call.Line(), "run-tests.sh") {
			return runnerfake.Response{Stdout: "== Slowest test durations ==\n12.3s test_boot\n1.2s test_net\n\nall passed\n"}
		}
		return runnerfake.Response{}
	}

	// A present report with a passing suite must not fail the run.
	err := newRunner(remote).Run(context.Background(), testRunContext(t))
	assert.NoError(t, err)
}

func TestExtractSlowestReport(t *testing.T) {
	output := "collected 42 items\n== Slowest test durations ==\n12.3s test_boot\n1.2s test_net\n\ntrailing summary\n"

	report := testrun.ExtractSlowestReport(output)

	assert.Contains(t, report, "12.3s test_boot")
	assert.Contains(t, report, "1.2s test_net")
	assert.NotContains(t, report, "trailing summary")
}

func TestExtractSlowestReport_Absent(t *testing.T) {
	assert.Empty(t, testrun.ExtractSlowestReport("collected 42 items\nall passed\n"))
}
