// Package probe gates the pipeline on the platform's control API. Nothing
// runs against the cluster until the management command has answered
// successfully at least once.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
	"github.com/stratus-cloud/stratus-ci/pkg/retry"
)

var (
	// ErrControlAPINotReady indicates the control API never answered
	// within the retry budget. Fatal for the run.
	ErrControlAPINotReady = errors.New("control API not ready")
)

const (
	// DefaultAttempts and DefaultInterval bound the probe loop: 60
	// attempts spaced 5 seconds apart, a 300 second deadline horizon.
	DefaultAttempts = 60
	DefaultInterval = 5 * time.Second
)

// defaultProbeCommand asks the control API for its version; any successful
// answer proves the management plane is serving.
var defaultProbeCommand = []string{"stratus-client", "version"}

// Prober polls the management command on the primary node until the control
// API responds.
type Prober struct {
	Runner ssh.Runner
	Log    logr.Logger

	// Policy overrides the default retry bounds when Attempts > 0.
	Policy retry.Policy
	// Command overrides the default probe command when non-empty.
	Command []string
	// Clock is injectable for tests. Nil means the real clock.
	Clock retry.Clock
}

// New creates a Prober with the default policy and probe command.
func New(runner ssh.Runner, log logr.Logger) *Prober {
	return &Prober{
		Runner: runner,
		Log:    log,
		Policy: retry.Policy{Attempts: DefaultAttempts, Interval: DefaultInterval},
	}
}

// Await blocks until the control API answers or the retry budget is
// exhausted.
func (p *Prober) Await(ctx context.Context, rc *runctx.RunContext) error {
	policy := p.Policy
	if policy.Attempts <= 0 {
		policy = retry.Policy{Attempts: DefaultAttempts, Interval: DefaultInterval}
	}

	command := p.Command
	if len(command) == 0 {
		command = defaultProbeCommand
	}

	var clock retry.Clock = realClock{}
	if p.Clock != nil {
		clock = p.Clock
	}

	execCtx := rc.ExecContext()
	attempt := 0

	result := retry.DoWithClock(ctx, policy, clock, func(context.Context) error {
		attempt++

		_, stderr, err := p.Runner.Run(execCtx, command...)
		if err != nil {
			p.Log.V(1).Info("control API probe failed",
				"run", rc.RunID,
				"attempt", attempt,
				"stderr", stderr,
			)
			return err
		}
		return nil
	})

	switch result.Outcome {
	case retry.Ready:
		p.Log.Info("control API ready", "run", rc.RunID, "attempts", result.Attempts)
		return nil
	case retry.Canceled:
		return fmt.Errorf("probing canceled after %d attempts: %w", result.Attempts, result.LastErr)
	default:
		return fmt.Errorf("%w: %d attempts over %s: %w",
			ErrControlAPINotReady,
			result.Attempts,
			time.Duration(result.Attempts-1)*policy.Interval,
			result.LastErr,
		)
	}
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
