package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
)

var (
	// ErrLogFetchFailed indicates the platform log could not be
	// retrieved from the primary node.
	ErrLogFetchFailed = errors.New("log retrieval failed")
	// ErrInventoryMissing indicates the run carries no readable host
	// inventory.
	ErrInventoryMissing = errors.New("host inventory missing")
	// ErrBundleFailed indicates the evidence bundle could not be
	// produced or persisted.
	ErrBundleFailed = errors.New("evidence bundle failed")
)

// Collector gathers and polices a run's diagnostic evidence. It always
// executes after the test runner, regardless of its outcome, and runs
// every step to completion before reporting the aggregate failure.
type Collector struct {
	Remote ssh.RunnerFetcher
	Log    logr.Logger

	// Checks overrides DefaultChecks when non-nil.
	Checks []Check
	// CPU overrides DefaultCPUHogPolicy when its threshold is non-zero.
	CPU CPUHogPolicy
	// Uploader persists the bundle when non-nil. Upload failure is
	// fatal.
	Uploader Uploader
}

// NewCollector creates a Collector with the default policy.
func NewCollector(remote ssh.RunnerFetcher, log logr.Logger) *Collector {
	return &Collector{Remote: remote, Log: log}
}

// BundlePath returns where Collect writes the run's evidence bundle.
func BundlePath(rc *runctx.RunContext) string {
	return filepath.Join(filepath.Dir(rc.ArtifactDir), rc.RunID+"-evidence.tar.gz")
}

// Collect retrieves logs, evaluates the diagnostic policy, rewrites the
// inventory, and bundles the evidence. Any single failing step marks the
// run failed, but never stops the remaining steps.
func (c *Collector) Collect(ctx context.Context, rc *runctx.RunContext) error {
	var failures []error

	// 1. Log retrieval.
	logData := c.fetchLog(rc, &failures)

	// 2+3. Quantitative and deny-list checks, evaluated over whatever
	// log content was retrieved.
	c.runChecks(rc, logData, &failures)

	// 4. Resource-usage anomalies.
	c.checkCPUHogs(rc, &failures)

	// 5. Inventory rewrite.
	c.rewriteInventory(rc, &failures)

	// 6. Bundle and persist. Runs last so it captures the evidence the
	// earlier steps wrote.
	c.bundle(ctx, rc, &failures)

	return errors.Join(failures...)
}

func (c *Collector) fetchLog(rc *runctx.RunContext, failures *[]error) []byte {
	logData, err := c.Remote.Fetch(rc.RemoteLogPath)
	if err != nil {
		*failures = append(*failures, fmt.Errorf("%w: %v", ErrLogFetchFailed, err))
		return nil
	}

	logsDir := filepath.Join(rc.ArtifactDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		*failures = append(*failures, fmt.Errorf("%w: %v", ErrLogFetchFailed, err))
		return logData
	}

	localPath := filepath.Join(logsDir, filepath.Base(rc.RemoteLogPath))
	if err := os.WriteFile(localPath, logData, 0o644); err != nil {
		*failures = append(*failures, fmt.Errorf("%w: %v", ErrLogFetchFailed, err))
	}

	return logData
}

func (c *Collector) runChecks(rc *runctx.RunContext, logData []byte, failures *[]error) {
	checks := c.Checks
	if checks == nil {
		checks = DefaultChecks()
	}

	verdicts, err := RunChecks(logData, checks)
	if err != nil {
		*failures = append(*failures, err)
	}

	// The verdict sheet is evidence in its own right.
	var sheet strings.Builder
	for _, v := range verdicts {
		status := "PASS"
		if !v.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&sheet, "%s  %s: %s\n", status, v.Check, v.Detail)
	}

	sheetPath := filepath.Join(rc.ArtifactDir, "log-checks.txt")
	if werr := os.WriteFile(sheetPath, []byte(sheet.String()), 0o644); werr != nil {
		c.Log.Error(werr, "unable to write check verdicts")
	}
}

func (c *Collector) checkCPUHogs(rc *runctx.RunContext, failures *[]error) {
	policy := c.CPU
	if policy.ThresholdPercent == 0 {
		policy = DefaultCPUHogPolicy()
	}

	stdout, stderr, err := c.Remote.Run(rc.ExecContext(), processTableCommand...)
	if err != nil {
		*failures = append(*failures,
			fmt.Errorf("querying process table: %v: %s", err, stderr))
		return
	}

	tablePath := filepath.Join(rc.ArtifactDir, "process-table.txt")
	if werr := os.WriteFile(tablePath, []byte(stdout), 0o644); werr != nil {
		c.Log.Error(werr, "unable to write process table")
	}

	violations := policy.Violations(ParseProcessTable(stdout))
	if len(violations) > 0 {
		*failures = append(*failures,
			fmt.Errorf("%w: %s", ErrCPUHogDetected, formatViolations(violations)))
	}
}

func (c *Collector) rewriteInventory(rc *runctx.RunContext, failures *[]error) {
	if rc.InventoryPath == "" {
		*failures = append(*failures, ErrInventoryMissing)
		return
	}

	data, err := os.ReadFile(rc.InventoryPath)
	if err != nil {
		*failures = append(*failures, fmt.Errorf("%w: %v", ErrInventoryMissing, err))
		return
	}

	rewritten := RewriteInventoryPaths(data, filepath.Dir(rc.InventoryPath), rc.ArtifactDir)

	outPath := filepath.Join(rc.ArtifactDir, "inventory.yaml")
	if err := os.WriteFile(outPath, rewritten, 0o644); err != nil {
		*failures = append(*failures, fmt.Errorf("writing rewritten inventory: %w", err))
	}
}

func (c *Collector) bundle(ctx context.Context, rc *runctx.RunContext, failures *[]error) {
	bundlePath := BundlePath(rc)

	if err := BundleDir(rc.ArtifactDir, bundlePath); err != nil {
		*failures = append(*failures, errors.Join(ErrBundleFailed, err))
		return
	}

	c.Log.Info("evidence bundle written", "run", rc.RunID, "bundle", bundlePath)

	if c.Uploader == nil {
		return
	}

	objectName := filepath.Base(bundlePath)
	if err := c.Uploader.Upload(ctx, bundlePath, objectName); err != nil {
		*failures = append(*failures, errors.Join(ErrBundleFailed, err))
		return
	}

	c.Log.Info("evidence bundle uploaded", "run", rc.RunID, "object", objectName)
}
