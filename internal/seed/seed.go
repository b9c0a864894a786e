// Package seed injects representative load before the test suite runs: a
// catalog of baseline artifacts and a batch of background networks. The
// seeded resources are workload, not fixtures; tests never depend on them
// individually.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
)

var (
	// ErrBaselineUploadFailed indicates a baseline artifact could not be
	// uploaded.
	ErrBaselineUploadFailed = errors.New("baseline artifact upload failed")
)

// DefaultNetworkCount is how many background networks are created when the
// caller does not override it.
const DefaultNetworkCount = 10

// Artifact is one baseline artifact of the seed catalog.
type Artifact struct {
	// Name is the artifact name in the platform's store. Uploads are
	// keyed by name and idempotent.
	Name string `json:"name"`
	// Source is the image reference or URL the platform fetches from.
	Source string `json:"source"`
}

// DefaultCatalog returns the baseline artifacts every run seeds. The
// catalog mirrors the images the test suite boots instances from.
func DefaultCatalog() []Artifact {
	return []Artifact{
		{Name: "cirros", Source: "https://download.cirros-cloud.net/0.6.2/cirros-0.6.2-x86_64-disk.img"},
		{Name: "debian-12", Source: "debian:12"},
		{Name: "ubuntu-2404", Source: "ubuntu:24.04"},
	}
}

// Seeder uploads the baseline catalog and creates background networks on
// the primary node.
type Seeder struct {
	Runner ssh.Runner
	Log    logr.Logger

	// Catalog overrides DefaultCatalog when non-nil.
	Catalog []Artifact
	// NetworkCount overrides DefaultNetworkCount when > 0.
	NetworkCount int
}

// New creates a Seeder with the default catalog and network count.
func New(runner ssh.Runner, log logr.Logger) *Seeder {
	return &Seeder{Runner: runner, Log: log}
}

// Seed uploads the baseline catalog, then creates the background networks.
func (s *Seeder) Seed(ctx context.Context, rc *runctx.RunContext) error {
	if err := s.UploadBaseline(ctx, rc); err != nil {
		return err
	}

	s.CreateNetworks(ctx, rc)
	return nil
}

// UploadBaseline uploads every catalog artifact. Repeat uploads under the
// same name are a no-op on the platform side; an "already exists" answer is
// success.
func (s *Seeder) UploadBaseline(_ context.Context, rc *runctx.RunContext) error {
	catalog := s.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}

	execCtx := rc.ExecContext()
	var errs []error

	for _, artifact := range catalog {
		_, stderr, err := s.Runner.Run(execCtx,
			"stratus-client", "artifact", "upload", artifact.Name, artifact.Source)
		if err != nil {
			if alreadyPresent(stderr) {
				s.Log.V(1).Info("baseline artifact already present",
					"run", rc.RunID, "artifact", artifact.Name)
				continue
			}
			errs = append(errs, fmt.Errorf("artifact %s: %w", artifact.Name, err))
			continue
		}

		s.Log.Info("baseline artifact uploaded",
			"run", rc.RunID, "artifact", artifact.Name)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrBaselineUploadFailed}, errs...)...)
	}
	return nil
}

// CreateNetworks issues asynchronous create requests for numbered
// background networks. The requests are fire-and-forget: individual
// failures are logged, never verified and never fatal.
func (s *Seeder) CreateNetworks(_ context.Context, rc *runctx.RunContext) {
	count := s.NetworkCount
	if count <= 0 {
		count = DefaultNetworkCount
	}

	execCtx := rc.ExecContext()

	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("%s-bg-%03d", rc.Namespace, i)
		cidr := fmt.Sprintf("10.200.%d.0/24", i%256)

		_, stderr, err := s.Runner.Run(execCtx,
			"stratus-client", "network", "create", "--async", name, cidr)
		if err != nil {
			s.Log.V(1).Info("background network create not acknowledged",
				"run", rc.RunID, "network", name, "stderr", stderr)
		}
	}

	s.Log.Info("background networks requested", "run", rc.RunID, "count", count)
}

func alreadyPresent(stderr string) bool {
	return strings.Contains(stderr, "already exists")
}
