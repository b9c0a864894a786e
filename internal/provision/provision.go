// Package provision brings up the remote test cluster for one run: it
// drives the provisioning playbook, discovers the primary node from the
// generated inventory, and waits for SSH reachability.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/topology"
	"github.com/stratus-cloud/stratus-ci/internal/util/ssh"
	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

var (
	// ErrProvisionFailed indicates the infrastructure never reached a
	// usable state. Fatal: provisioning is never retried.
	ErrProvisionFailed = errors.New("cluster provisioning failed")
)

const (
	// DefaultSSHWait bounds how long the provisioner waits for the
	// primary node to accept SSH connections after the playbook returns.
	DefaultSSHWait = 5 * time.Minute

	playbookBinary = "ansible-playbook"
)

// Provisioner provisions clusters through the configuration-management
// playbook.
type Provisioner struct {
	// Playbook is the path of the provisioning playbook.
	Playbook string
	// WorkDir is where generated inventories are written.
	WorkDir string
	// Topologies resolves the variant's topology name.
	Topologies *topology.Registry
	// SSHWait overrides DefaultSSHWait when non-zero.
	SSHWait time.Duration

	Log logr.Logger

	// RunCommand and AwaitSSH are injectable for tests. Nil means
	// cmd.Run() and a real SSH reachability wait.
	RunCommand func(cmd *exec.Cmd) error
	AwaitSSH   func(rc *runctx.RunContext) error
}

// New creates a Provisioner.
func New(playbook, workDir string, topologies *topology.Registry, log logr.Logger) *Provisioner {
	return &Provisioner{
		Playbook:   playbook,
		WorkDir:    workDir,
		Topologies: topologies,
		Log:        log,
	}
}

// extraVars is the parameter set handed to the playbook. The playbook owns
// machine creation; the provisioner only declares what to build and where
// to write the resulting inventory.
type extraVars struct {
	Namespace       string         `json:"ci_namespace"`
	BaseImage       string         `json:"base_image"`
	OSUser          string         `json:"os_user"`
	Topology        string         `json:"topology"`
	NodeCounts      map[string]int `json:"node_counts"`
	NetworkCIDR     string         `json:"network_cidr,omitempty"`
	InventoryOutput string         `json:"inventory_output"`
}

// Provision brings up the cluster for rc and returns a completed copy of
// the context carrying the primary node address and inventory path.
func (p *Provisioner) Provision(
	ctx context.Context,
	rc *runctx.RunContext,
) (*runctx.RunContext, error) {
	descriptor, err := p.Topologies.Get(rc.Variant.Topology)
	if err != nil {
		return nil, errors.Join(ErrProvisionFailed, err)
	}

	inventoryPath := filepath.Join(p.WorkDir, rc.RunID+"-inventory.yaml")

	vars := extraVars{
		Namespace:       rc.Namespace,
		BaseImage:       rc.Variant.BaseImage,
		OSUser:          rc.Variant.OSUser,
		Topology:        descriptor.Name,
		NodeCounts:      map[string]int{},
		NetworkCIDR:     descriptor.NetworkCIDR,
		InventoryOutput: inventoryPath,
	}
	for _, role := range descriptor.Roles {
		vars.NodeCounts[role.Name] = role.Count
	}

	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("marshaling extra-vars: %w", err)
	}

	p.Log.Info("provisioning cluster",
		"run", rc.RunID,
		"topology", descriptor.Name,
		"nodes", descriptor.TotalNodes(),
		"image", rc.Variant.BaseImage,
	)

	cmd := exec.CommandContext(ctx, playbookBinary, p.Playbook, "--extra-vars", string(varsJSON))
	cmd.Env = os.Environ()
	execcontext.ApplyToCmd(rc.ExecContext(), cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := p.run(cmd)

	// The playbook transcript is evidence regardless of outcome.
	transcriptPath := filepath.Join(rc.ArtifactDir, "provision.log")
	if err := os.WriteFile(transcriptPath, output.Bytes(), 0o644); err != nil {
		p.Log.Error(err, "unable to write provisioning transcript")
	}

	if runErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProvisionFailed, playbookBinary, runErr)
	}

	data, err := os.ReadFile(inventoryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading generated inventory: %v", ErrProvisionFailed, err)
	}

	inventory, err := ParseInventory(data)
	if err != nil {
		return nil, errors.Join(ErrProvisionFailed, err)
	}

	addr, err := inventory.PrimaryAddress()
	if err != nil {
		return nil, errors.Join(ErrProvisionFailed, err)
	}

	completed := rc.WithInventory(inventoryPath).WithPrimary(addr)

	if err := p.await(completed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	p.Log.Info("cluster provisioned", "run", rc.RunID, "primary", addr)
	return completed, nil
}

func (p *Provisioner) run(cmd *exec.Cmd) error {
	if p.RunCommand != nil {
		return p.RunCommand(cmd)
	}
	return cmd.Run()
}

func (p *Provisioner) await(rc *runctx.RunContext) error {
	if p.AwaitSSH != nil {
		return p.AwaitSSH(rc)
	}

	client, err := ssh.NewClient(rc.PrimaryAddress, rc.SSHUser, rc.SSHKeyPath, rc.SSHPort)
	if err != nil {
		return err
	}

	wait := p.SSHWait
	if wait == 0 {
		wait = DefaultSSHWait
	}
	return client.AwaitServer(wait)
}
