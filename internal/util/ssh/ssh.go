package ssh

import (
	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

// Runner executes commands on a remote host.
type Runner interface {
	Run(ctx execcontext.Context, cmd ...string) (stdout, stderr string, err error)
}

// FileFetcher retrieves files from a remote host.
type FileFetcher interface {
	Fetch(remotePath string) ([]byte, error)
}

// RunnerFetcher combines command execution and file retrieval; the
// diagnostics collector needs both against the primary node.
type RunnerFetcher interface {
	Runner
	FileFetcher
}
