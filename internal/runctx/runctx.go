// Package runctx defines the per-run context shared by every pipeline
// stage. The context is resolved once, completed at provisioning time, and
// read-only afterwards; stages that need to extend it receive a copy.
package runctx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

const (
	// DefaultRemoteLogPath is where the platform writes its aggregated
	// log on the primary node.
	DefaultRemoteLogPath = "/var/log/stratus/stratus.log"

	// DefaultSSHPort is the SSH port used for all remote operations.
	DefaultSSHPort = "22"

	// namespacePrefix marks namespaces created by CI so leaked resources
	// are identifiable on shared infrastructure.
	namespacePrefix = "ci-"
)

var (
	// ErrInvalidVariant indicates a matrix variant failed validation.
	ErrInvalidVariant = errors.New("invalid matrix variant")
)

// Variant is one parameterized instance of the pipeline: an OS image, an OS
// account, a topology and a test concurrency factor.
type Variant struct {
	// Name identifies the variant (e.g. "debian-12-localhost").
	Name string `json:"name"`
	// BaseImage is the OS image reference to provision from.
	BaseImage string `json:"baseImage"`
	// OSUser is the login account on the provisioned machines.
	OSUser string `json:"osUser"`
	// Topology names the node layout to provision.
	Topology string `json:"topology"`
	// Concurrency is the parallelism factor passed to the remote test
	// suite. It is opaque to the pipeline.
	Concurrency int `json:"concurrency"`
	// ConcurrencyGroup names the cancellation group. Runs sharing a group
	// supersede each other; empty means a group derived from Name.
	ConcurrencyGroup string `json:"concurrencyGroup,omitempty"`
	// LongLived marks the scheduled compatibility variant whose failures
	// file a tracking issue.
	LongLived bool `json:"longLived,omitempty"`
}

// Validate checks the variant is complete enough to run.
func (v Variant) Validate() error {
	var errs []error

	if v.Name == "" {
		errs = append(errs, errors.New("name must be set"))
	}
	if v.BaseImage == "" {
		errs = append(errs, errors.New("baseImage must be set"))
	}
	if v.OSUser == "" {
		errs = append(errs, errors.New("osUser must be set"))
	}
	if v.Topology == "" {
		errs = append(errs, errors.New("topology must be set"))
	}
	if v.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidVariant}, errs...)...)
	}
	return nil
}

// Group returns the cancellation group for this variant.
func (v Variant) Group() string {
	if v.ConcurrencyGroup != "" {
		return v.ConcurrencyGroup
	}
	return "stratus-ci-" + v.Name
}

// RunContext holds the identifiers and addresses of one pipeline run.
// Treat it as immutable: the resolver creates it, the provisioner completes
// it through WithPrimary, and every later stage reads it.
type RunContext struct {
	// RunID uniquely names the run, e.g. "debian-12-localhost-1f3a9c2e".
	RunID string
	// Namespace is the platform namespace owned by this run.
	Namespace string
	// Variant is the matrix variant being executed.
	Variant Variant

	// SSHUser, SSHKeyPath and SSHPort are the credentials for remote
	// operations against the cluster.
	SSHUser    string
	SSHKeyPath string
	SSHPort    string

	// PrimaryAddress is the management endpoint discovered at
	// provisioning time. Empty until the provisioner completes.
	PrimaryAddress string

	// ArtifactDir is the local directory collecting this run's evidence.
	ArtifactDir string
	// InventoryPath is the local path of the generated host inventory.
	InventoryPath string
	// RemoteLogPath is the platform log location on the primary node.
	RemoteLogPath string

	// StartedAt is when the run was resolved.
	StartedAt time.Time
}

// WithPrimary returns a copy of the context with the primary node address
// set. The receiver is not modified.
func (rc *RunContext) WithPrimary(addr string) *RunContext {
	out := *rc
	out.PrimaryAddress = addr
	return &out
}

// WithInventory returns a copy of the context with the local inventory path
// set. The receiver is not modified.
func (rc *RunContext) WithInventory(path string) *RunContext {
	out := *rc
	out.InventoryPath = path
	return &out
}

// ExecContext derives the execution context exported to every remote and
// local command of this run.
func (rc *RunContext) ExecContext() execcontext.Context {
	return execcontext.New(map[string]string{
		"STRATUS_NAMESPACE":      rc.Namespace,
		"STRATUS_PRIMARY":        rc.PrimaryAddress,
		"STRATUS_BASE_IMAGE":     rc.Variant.BaseImage,
		"STRATUS_OS_USER":        rc.Variant.OSUser,
		"STRATUS_CI_CONCURRENCY": strconv.Itoa(rc.Variant.Concurrency),
	}, nil)
}

// Resolver derives the per-run identifiers consumed by every later stage.
type Resolver struct {
	// ArtifactRoot is the directory under which per-run artifact
	// directories are created.
	ArtifactRoot string

	// SSHUser, SSHKeyPath and SSHPort configure remote access. SSHUser
	// empty means the variant's OS user; SSHPort empty means
	// DefaultSSHPort.
	SSHUser    string
	SSHKeyPath string
	SSHPort    string

	// RemoteLogPath overrides DefaultRemoteLogPath when set.
	RemoteLogPath string

	// NewID and Now are injectable for tests. Nil means uuid.New and
	// time.Now.
	NewID func() uuid.UUID
	Now   func() time.Time
}

// Resolve creates the RunContext for one variant and its artifact
// directory on disk.
func (r *Resolver) Resolve(v Variant) (*RunContext, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	newID := r.NewID
	if newID == nil {
		newID = uuid.New
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	// The first uuid segment is enough entropy for concurrent CI runs and
	// keeps resource names readable in platform listings.
	short := strings.SplitN(newID().String(), "-", 2)[0]
	runID := fmt.Sprintf("%s-%s", v.Name, short)

	artifactDir := filepath.Join(r.ArtifactRoot, runID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	sshUser := r.SSHUser
	if sshUser == "" {
		sshUser = v.OSUser
	}
	sshPort := r.SSHPort
	if sshPort == "" {
		sshPort = DefaultSSHPort
	}
	logPath := r.RemoteLogPath
	if logPath == "" {
		logPath = DefaultRemoteLogPath
	}

	return &RunContext{
		RunID:         runID,
		Namespace:     namespacePrefix + short,
		Variant:       v,
		SSHUser:       sshUser,
		SSHKeyPath:    r.SSHKeyPath,
		SSHPort:       sshPort,
		ArtifactDir:   artifactDir,
		RemoteLogPath: logPath,
		StartedAt:     now(),
	}, nil
}
