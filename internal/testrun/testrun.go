// Package testrun pushes the working tree to the primary node and executes
// the platform test suite there. The suite's exit status is the only
// pass/fail signal; its slowest-tests report is captured as advisory
// output.
package testrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
)

var (
	// ErrTreeCopyFailed indicates the source tree could not be copied to
	// the primary node.
	ErrTreeCopyFailed = errors.New("source tree copy failed")
	// ErrDepsInstallFailed indicates remote test dependencies could not
	// be installed.
	ErrDepsInstallFailed = errors.New("test dependency install failed")
	// ErrSuiteFailed indicates the remote test suite exited non-zero.
	ErrSuiteFailed = errors.New("remote test suite failed")
)

const (
	// DefaultRemoteDir is where the source tree lands on the primary
	// node, relative to the login account's home.
	DefaultRemoteDir = "stratus-src"

	// slowestMarker introduces the suite's advisory slowest-tests
	// report.
	slowestMarker = "slowest test durations"

	// slowestReportLimit caps how many report lines are kept.
	slowestReportLimit = 15
)

// Runner executes the platform test suite on the primary node.
type Runner struct {
	Remote ssh.Runner
	Log    logr.Logger

	// SourceDir is the local tree to copy. Empty means the current
	// directory.
	SourceDir string
	// RemoteDir overrides DefaultRemoteDir when set.
	RemoteDir string

	// RunCommand is injectable for tests. Nil means cmd.Run().
	RunCommand func(cmd *exec.Cmd) error
}

// New creates a Runner.
func New(remote ssh.Runner, log logr.Logger) *Runner {
	return &Runner{Remote: remote, Log: log}
}

// Run copies the tree, installs dependencies, and executes the suite with
// the variant's concurrency factor. It fails iff the remote suite command
// exits non-zero (or an earlier step could not complete).
func (r *Runner) Run(ctx context.Context, rc *runctx.RunContext) error {
	if err := r.copyTree(ctx, rc); err != nil {
		return err
	}

	if err := r.installDeps(rc); err != nil {
		return err
	}

	return r.runSuite(rc)
}

// copyTree rsyncs the working tree to the primary node, excluding VCS
// metadata and local artifacts.
func (r *Runner) copyTree(ctx context.Context, rc *runctx.RunContext) error {
	src := r.SourceDir
	if src == "" {
		src = "."
	}
	remoteDir := r.remoteDir()

	sshCommand := fmt.Sprintf(
		"ssh -i %s -p %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null",
		rc.SSHKeyPath, rc.SSHPort,
	)

	cmd := exec.CommandContext(ctx, "rsync",
		"-az", "--delete",
		"--exclude", ".git",
		"--exclude", "artifacts",
		"-e", sshCommand,
		src+"/",
		fmt.Sprintf("%s@%s:%s/", rc.SSHUser, rc.PrimaryAddress, remoteDir),
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := r.runLocal(cmd); err != nil {
		return fmt.Errorf("%w: rsync: %v: %s", ErrTreeCopyFailed, err, output.String())
	}

	r.Log.Info("source tree copied", "run", rc.RunID, "dest", remoteDir)
	return nil
}

func (r *Runner) installDeps(rc *runctx.RunContext) error {
	_, stderr, err := r.Remote.Run(rc.ExecContext(),
		"cd", r.remoteDir(), "&&", "./deploy/install-test-deps.sh")
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrDepsInstallFailed, err, stderr)
	}
	return nil
}

func (r *Runner) runSuite(rc *runctx.RunContext) error {
	stdout, stderr, err := r.Remote.Run(rc.ExecContext(),
		"cd", r.remoteDir(), "&&",
		"./deploy/run-tests.sh", "--concurrency", strconv.Itoa(rc.Variant.Concurrency),
	)

	// The transcript is evidence whether or not the suite passed.
	transcriptPath := filepath.Join(rc.ArtifactDir, "test-suite.log")
	transcript := stdout + stderr
	if werr := os.WriteFile(transcriptPath, []byte(transcript), 0o644); werr != nil {
		r.Log.Error(werr, "unable to write suite transcript")
	}

	if report := ExtractSlowestReport(stdout); report != "" {
		// Advisory only: slow tests never fail the run.
		r.Log.Info("slowest tests", "run", rc.RunID, "report", report)
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrSuiteFailed, err)
	}

	r.Log.Info("test suite passed", "run", rc.RunID)
	return nil
}

func (r *Runner) remoteDir() string {
	if r.RemoteDir != "" {
		return r.RemoteDir
	}
	return DefaultRemoteDir
}

func (r *Runner) runLocal(cmd *exec.Cmd) error {
	if r.RunCommand != nil {
		return r.RunCommand(cmd)
	}
	return cmd.Run()
}

// ExtractSlowestReport returns the suite's slowest-tests section, or empty
// when the output carries none. The section starts at a line containing the
// marker (case-insensitive) and ends at the first blank line.
func ExtractSlowestReport(output string) string {
	lines := strings.Split(output, "\n")

	start := -1
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), slowestMarker) {
			start = i
			break
		}
	}
	if start == -1 {
		return ""
	}

	var report []string
	for _, line := range lines[start:] {
		if len(report) > 0 && strings.TrimSpace(line) == "" {
			break
		}
		report = append(report, line)
		if len(report) == slowestReportLimit {
			break
		}
	}

	return strings.Join(report, "\n")
}
