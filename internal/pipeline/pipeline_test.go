package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/pipeline"
	"github.com/stratus-cloud/stratus-ci/internal/runctx"
)

func pipelineRunContext(t *testing.T) *runctx.RunContext {
	t.Helper()

	resolver := &runctx.Resolver{ArtifactRoot: t.TempDir()}
	rc, err := resolver.Resolve(runctx.Variant{
		Name:        "debian-12-localhost",
		BaseImage:   "debian:12",
		OSUser:      "debian",
		Topology:    "localhost",
		Concurrency: 3,
	})
	require.NoError(t, err)
	return rc
}

func stage(name string, alwaysRun bool, ran *[]string, err error) pipeline.Stage {
	return pipeline.Stage{
		Name:      name,
		AlwaysRun: alwaysRun,
		Run: func(_ context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
			*ran = append(*ran, name)
			return rc, err
		},
	}
}

func TestExecute_AllStagesPass(t *testing.T) {
	var ran []string
	p := pipeline.New(logr.Discard(), nil,
		stage("provision", false, &ran, nil),
		stage("probe", false, &ran, nil),
		stage("diagnostics", true, &ran, nil),
	)

	require.NoError(t, p.Execute(context.Background(), pipelineRunContext(t)))
	assert.Equal(t, []string{"provision", "probe", "diagnostics"}, ran)
}

func TestExecute_FailureSkipsOrdinaryStages(t *testing.T) {
	boom := errors.New("ansible exploded")

	var ran []string
	p := pipeline.New(logr.Discard(), nil,
		stage("provision", false, &ran, boom),
		stage("probe", false, &ran, nil),
		stage("seed", false, &ran, nil),
		stage("diagnostics", true, &ran, nil),
	)

	err := p.Execute(context.Background(), pipelineRunContext(t))
	require.ErrorIs(t, err, boom)

	// Ordinary stages after the failure never run; the always-run stage does.
	assert.Equal(t, []string{"provision", "diagnostics"}, ran)
}

func TestExecute_AggregatesFailures(t *testing.T) {
	suiteErr := errors.New("suite failed")
	checkErr := errors.New("log checks failed")

	var ran []string
	p := pipeline.New(logr.Discard(), nil,
		stage("test-suite", false, &ran, suiteErr),
		stage("diagnostics", true, &ran, checkErr),
	)

	err := p.Execute(context.Background(), pipelineRunContext(t))
	require.ErrorIs(t, err, suiteErr)
	require.ErrorIs(t, err, checkErr)
}

func TestExecute_FailedAlwaysRunStageSkipsLaterOrdinaryStages(t *testing.T) {
	boom := errors.New("collection exploded")

	var ran []string
	p := pipeline.New(logr.Discard(), nil,
		stage("diagnostics", true, &ran, boom),
		stage("report", false, &ran, nil),
		stage("archive", true, &ran, nil),
	)

	err := p.Execute(context.Background(), pipelineRunContext(t))
	require.ErrorIs(t, err, boom)

	// Any failure trips the skip latch; only always-run stages execute
	// afterwards.
	assert.Equal(t, []string{"diagnostics", "archive"}, ran)
}

func TestExecute_ThreadsRunContextBetweenStages(t *testing.T) {
	var sawPrimary string
	p := pipeline.New(logr.Discard(), nil,
		pipeline.Stage{
			Name: "provision",
			Run: func(_ context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				return rc.WithPrimary("192.0.2.10"), nil
			},
		},
		pipeline.Stage{
			Name: "probe",
			Run: func(_ context.Context, rc *runctx.RunContext) (*runctx.RunContext, error) {
				sawPrimary = rc.PrimaryAddress
				return nil, nil
			},
		},
	)

	require.NoError(t, p.Execute(context.Background(), pipelineRunContext(t)))
	assert.Equal(t, "192.0.2.10", sawPrimary)
}

func TestExecute_RecordsStageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)

	var ran []string
	p := pipeline.New(logr.Discard(), metrics,
		stage("provision", false, &ran, errors.New("boom")),
	)

	require.Error(t, p.Execute(context.Background(), pipelineRunContext(t)))

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "stratus_ci_stage_duration_seconds")
	assert.Contains(t, names, "stratus_ci_stage_failures_total")
}

func TestGroupManager_NewerRunCancelsOlder(t *testing.T) {
	manager := pipeline.NewGroupManager()

	first, cancelFirst := manager.Begin(context.Background(), "sequential")
	defer cancelFirst()

	second, cancelSecond := manager.Begin(context.Background(), "sequential")
	defer cancelSecond()

	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())
}

func TestGroupManager_GroupsAreIndependent(t *testing.T) {
	manager := pipeline.NewGroupManager()

	slow, cancelSlow := manager.Begin(context.Background(), "slow")
	defer cancelSlow()

	_, cancelFast := manager.Begin(context.Background(), "fast")
	defer cancelFast()

	assert.NoError(t, slow.Err())
}

func TestGroupManager_FinishedRunDoesNotCancelSuccessor(t *testing.T) {
	manager := pipeline.NewGroupManager()

	_, cancelFirst := manager.Begin(context.Background(), "sequential")

	second, cancelSecond := manager.Begin(context.Background(), "sequential")
	defer cancelSecond()

	// The first run finishing must not disturb the run that superseded it.
	cancelFirst()
	assert.NoError(t, second.Err())
}
