package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/stratus-cloud/stratus-ci/internal/diagnostics"
	"github.com/stratus-cloud/stratus-ci/internal/issues"
	"github.com/stratus-cloud/stratus-ci/internal/pipeline"
	"github.com/stratus-cloud/stratus-ci/internal/probe"
	"github.com/stratus-cloud/stratus-ci/internal/provision"
	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/seed"
	"github.com/stratus-cloud/stratus-ci/internal/store"
	"github.com/stratus-cloud/stratus-ci/internal/testrun"
	"github.com/stratus-cloud/stratus-ci/internal/topology"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
)

// toolchain bundles the long-lived components shared by every run of one
// invocation.
type toolchain struct {
	cfg        *Config
	log        logr.Logger
	topologies *topology.Registry
	runs       store.RunStore
	metrics    *pipeline.Metrics
	uploader   diagnostics.Uploader
	filer      issues.Filer
	groups     *pipeline.GroupManager
}

// newToolchain builds the shared components from the configuration.
func newToolchain(cfg *Config, log logr.Logger, metrics *pipeline.Metrics) (*toolchain, error) {
	topologies := topology.Defaults()
	if cfg.TopologyDir != "" {
		var err error
		topologies, err = topology.LoadDir(cfg.TopologyDir)
		if err != nil {
			return nil, err
		}
	}

	runs, err := store.NewJSONRunStore(cfg.RunStoreDir())
	if err != nil {
		return nil, err
	}

	tc := &toolchain{
		cfg:        cfg,
		log:        log,
		topologies: topologies,
		runs:       runs,
		metrics:    metrics,
		groups:     pipeline.NewGroupManager(),
	}

	if cfg.Upload != nil {
		tc.uploader, err = diagnostics.NewObjectUploader(*cfg.Upload)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Tracker != nil {
		tc.filer = issues.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Repo,
			trackerToken())
	}

	return tc, nil
}

// runOne executes the full pipeline for one matrix variant and records the
// outcome. The returned error is the aggregate run failure.
func (tc *toolchain) runOne(parent context.Context, variant runctx.Variant) error {
	ctx, done := tc.groups.Begin(parent, variant.Group())
	defer done()

	resolver := &runctx.Resolver{
		ArtifactRoot:  tc.cfg.ArtifactRoot,
		SSHUser:       tc.cfg.SSH.User,
		SSHKeyPath:    tc.cfg.SSH.KeyPath,
		SSHPort:       tc.cfg.SSH.Port,
		RemoteLogPath: tc.cfg.RemoteLogPath,
	}

	rc, err := resolver.Resolve(variant)
	if err != nil {
		return err
	}

	record := &store.Record{
		RunID:     rc.RunID,
		Variant:   variant.Name,
		Namespace: rc.Namespace,
		Status:    store.StatusRunning,
		StartedAt: rc.StartedAt,
	}
	if err := tc.runs.Save(record); err != nil {
		tc.log.Error(err, "unable to record run start", "run", rc.RunID)
	}

	runErr := tc.pipeline().Execute(ctx, rc)
	if tc.metrics != nil {
		tc.metrics.ObserveRun(runErr)
	}

	record.FinishedAt = time.Now()
	record.BundlePath = diagnostics.BundlePath(rc)
	if runErr != nil {
		record.Status = store.StatusFailed
		record.Failure = runErr.Error()
	} else {
		record.Status = store.StatusPassed
	}
	if err := tc.runs.Save(record); err != nil {
		tc.log.Error(err, "unable to record run outcome", "run", rc.RunID)
	}

	if runErr != nil && variant.LongLived && tc.filer != nil {
		issue, err := tc.filer.FileOrUpdate(parent,
			issues.FailureTitle(variant.Name),
			issues.FailureBody(rc.RunID, record.BundlePath, runErr),
		)
		if err != nil {
			tc.log.Error(err, "unable to file tracking issue", "run", rc.RunID)
		} else {
			tc.log.Info("tracking issue filed", "run", rc.RunID, "issue", issue.ID)
		}
	}

	return runErr
}

// runAll executes every configured variant concurrently, one goroutine per
// variant. Failures are aggregated; one variant failing never stops the
// others.
func (tc *toolchain) runAll(ctx context.Context) error {
	var group errgroup.Group

	for _, variant := range tc.cfg.Variants {
		group.Go(func() error {
			if err := tc.runOne(ctx, variant); err != nil {
				return fmt.Errorf("variant %s: %w", variant.Name, err)
			}
			return nil
		})
	}

	return group.Wait()
}

// pipeline assembles the stage sequence of one run. Remote clients are built
// per stage because the primary address only exists after provisioning.
func (tc *toolchain) pipeline() *pipeline.Pipeline {
	provisioner := provision.New(tc.cfg.Playbook, tc.cfg.WorkDir, tc.topologies, tc.log)

	return pipeline.New(tc.log, tc.metrics,
		pipeline.Stage{
			Name: "provision",
			Run: func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				return provisioner.Provision(ctx, rc)
			},
		},
		pipeline.Stage{
			Name: "probe",
			Run: func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				remote, err := tc.remote(rc)
				if err != nil {
					return nil, err
				}
				return nil, probe.New(remote, tc.log).Await(ctx, rc)
			},
		},
		pipeline.Stage{
			Name: "seed",
			Run: func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				remote, err := tc.remote(rc)
				if err != nil {
					return nil, err
				}
				seeder := seed.New(remote, tc.log)
				seeder.Catalog = tc.cfg.Seed.Artifacts
				seeder.NetworkCount = tc.cfg.Seed.NetworkCount
				return nil, seeder.Seed(ctx, rc)
			},
		},
		pipeline.Stage{
			Name: "test-suite",
			Run: func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				remote, err := tc.remote(rc)
				if err != nil {
					return nil, err
				}
				runner := testrun.New(remote, tc.log)
				runner.SourceDir = tc.cfg.SourceDir
				return nil, runner.Run(ctx, rc)
			},
		},
		pipeline.Stage{
			Name:      "diagnostics",
			AlwaysRun: true,
			Run: func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				remote, err := tc.remote(rc)
				if err != nil {
					return nil, err
				}
				collector := diagnostics.NewCollector(remote, tc.log)
				collector.Checks = tc.cfg.Checks()
				collector.Uploader = tc.uploader
				return nil, collector.Collect(ctx, rc)
			},
		},
	)
}

func (tc *toolchain) remote(rc *runctx.RunContext) (*ssh.Client, error) {
	if rc.PrimaryAddress == "" {
		return nil, fmt.Errorf("no primary node address for run %s", rc.RunID)
	}
	return ssh.NewClient(rc.PrimaryAddress, rc.SSHUser, rc.SSHKeyPath, rc.SSHPort)
}
