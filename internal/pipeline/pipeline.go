// Package pipeline sequences the stages of one test run. Ordinary stages
// short-circuit the rest of the pipeline on first failure; stages marked
// AlwaysRun execute regardless, so diagnostics are gathered even from a
// broken run. The pipeline reports the worst failure observed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
)

// StageFunc executes one stage. Stages that extend the run context return
// the completed copy; others return the context they received (or nil,
// meaning unchanged).
type StageFunc func(ctx context.Context, rc *runctx.RunContext) (*runctx.RunContext, error)

// Stage is one named unit of the pipeline.
type Stage struct {
	Name string
	// AlwaysRun stages execute even after an earlier failure.
	AlwaysRun bool
	Run       StageFunc
}

// Pipeline executes stages in order against a resolved run context.
type Pipeline struct {
	stages  []Stage
	log     logr.Logger
	metrics *Metrics
}

// New creates a Pipeline. metrics may be nil.
func New(log logr.Logger, metrics *Metrics, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, log: log, metrics: metrics}
}

// Execute runs the pipeline. It returns the aggregate of every stage
// failure; skipped stages contribute nothing.
func (p *Pipeline) Execute(ctx context.Context, rc *runctx.RunContext) error {
	var failures []error
	skipping := false

	for _, stage := range p.stages {
		if skipping && !stage.AlwaysRun {
			p.log.Info("stage skipped", "run", rc.RunID, "stage", stage.Name)
			continue
		}

		p.log.Info("stage starting", "run", rc.RunID, "stage", stage.Name)
		started := time.Now()

		next, err := stage.Run(ctx, rc)

		elapsed := time.Since(started)
		if p.metrics != nil {
			p.metrics.observeStage(stage.Name, elapsed, err)
		}

		if err != nil {
			p.log.Error(err, "stage failed",
				"run", rc.RunID, "stage", stage.Name, "elapsed", elapsed.String())
			failures = append(failures, fmt.Errorf("stage %s: %w", stage.Name, err))

			skipping = true
			continue
		}

		p.log.Info("stage complete",
			"run", rc.RunID, "stage", stage.Name, "elapsed", elapsed.String())

		if next != nil {
			rc = next
		}
	}

	return errors.Join(failures...)
}
