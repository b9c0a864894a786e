package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sigsyaml "sigs.k8s.io/yaml"

	"github.com/stratus-cloud/stratus-ci/internal/diagnostics"
	"github.com/stratus-cloud/stratus-ci/internal/runctx"
	"github.com/stratus-cloud/stratus-ci/internal/seed"
)

const (
	// ConfigPathEnvKey is the environment variable naming the config file.
	ConfigPathEnvKey = "STRATUS_CI_CONFIG"

	// TrackerTokenEnvKey carries the issue-tracker token; it never lives in
	// the config file.
	TrackerTokenEnvKey = "STRATUS_CI_TRACKER_TOKEN"
)

// SSHConfig configures remote access to provisioned clusters.
type SSHConfig struct {
	// User overrides the variant's OS user when set.
	User string `json:"user,omitempty"`
	// KeyPath is the private key used for all remote operations.
	KeyPath string `json:"keyPath"`
	// Port defaults to 22.
	Port string `json:"port,omitempty"`
}

// SeedConfig overrides the workload seeding defaults.
type SeedConfig struct {
	// Artifacts replaces the default baseline catalog when non-empty.
	Artifacts []seed.Artifact `json:"artifacts,omitempty"`
	// NetworkCount replaces the default background network count when > 0.
	NetworkCount int `json:"networkCount,omitempty"`
}

// TrackerConfig configures the issue tracker used for long-lived variant
// failures.
type TrackerConfig struct {
	// BaseURL is the tracker API root, e.g. "https://git.example.com/api/v1".
	BaseURL string `json:"baseURL"`
	// Repo is the "<owner>/<name>" repository receiving issues.
	Repo string `json:"repo"`
}

// Config holds the configuration for stratus-ci.
type Config struct {
	// ArtifactRoot is where per-run artifact directories and bundles land.
	ArtifactRoot string `json:"artifactRoot"`
	// StoreDir holds run records. Defaults to <artifactRoot>/runs.
	StoreDir string `json:"storeDir,omitempty"`

	// Playbook is the provisioning playbook path.
	Playbook string `json:"playbook"`
	// WorkDir is where generated inventories are written.
	WorkDir string `json:"workDir"`
	// TopologyDir holds extra topology descriptors; empty means built-ins
	// only.
	TopologyDir string `json:"topologyDir,omitempty"`

	// SourceDir is the local source tree copied to the primary node. Empty
	// means the current directory.
	SourceDir string `json:"sourceDir,omitempty"`

	// RemoteLogPath overrides the default platform log location.
	RemoteLogPath string `json:"remoteLogPath,omitempty"`

	SSH SSHConfig `json:"ssh"`

	// Variants is the test matrix.
	Variants []runctx.Variant `json:"variants"`

	Seed SeedConfig `json:"seed,omitempty"`

	// ExtraForbiddenPatterns extends the built-in deny-list.
	ExtraForbiddenPatterns []string `json:"extraForbiddenPatterns,omitempty"`

	// Upload configures the bundle object store. Nil disables upload.
	Upload *diagnostics.ObjectStoreConfig `json:"upload,omitempty"`

	// Tracker configures issue filing for long-lived variants. Nil disables
	// filing.
	Tracker *TrackerConfig `json:"tracker,omitempty"`

	// DevelopmentMode enables human-readable debug logging.
	DevelopmentMode bool `json:"developmentMode,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		ArtifactRoot: "artifacts",
		Playbook:     "deploy/provision.yaml",
		WorkDir:      os.TempDir(),
		SSH:          SSHConfig{Port: runctx.DefaultSSHPort},
	}
}

// LoadConfig reads the config file at path, or at $STRATUS_CI_CONFIG when
// path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: pass --config or set %s", ConfigPathEnvKey)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	config := NewDefaultConfig()
	if err := sigsyaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.ArtifactRoot == "" {
		errs = append(errs, errors.New("artifactRoot cannot be empty"))
	}
	if c.Playbook == "" {
		errs = append(errs, errors.New("playbook cannot be empty"))
	}
	if c.SSH.KeyPath == "" {
		errs = append(errs, errors.New("ssh.keyPath cannot be empty"))
	}
	if len(c.Variants) == 0 {
		errs = append(errs, errors.New("at least one variant must be configured"))
	}

	for _, v := range c.Variants {
		if err := v.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("variant %q: %w", v.Name, err))
		}
	}

	if c.Upload != nil {
		if c.Upload.Endpoint == "" || c.Upload.Bucket == "" {
			errs = append(errs, errors.New("upload requires endpoint and bucket"))
		}
	}
	if c.Tracker != nil {
		if c.Tracker.BaseURL == "" || c.Tracker.Repo == "" {
			errs = append(errs, errors.New("tracker requires baseURL and repo"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func trackerToken() string {
	return os.Getenv(TrackerTokenEnvKey)
}

// Variant returns the named matrix variant.
func (c *Config) Variant(name string) (runctx.Variant, error) {
	for _, v := range c.Variants {
		if v.Name == name {
			return v, nil
		}
	}
	return runctx.Variant{}, fmt.Errorf("unknown variant %q", name)
}

// Checks builds the diagnostic check set: the built-in policy plus any
// configured extra forbidden patterns.
func (c *Config) Checks() []diagnostics.Check {
	checks := diagnostics.DefaultChecks()
	for _, pattern := range c.ExtraForbiddenPatterns {
		checks = append(checks, diagnostics.ForbiddenCheck{Pattern: pattern})
	}
	return checks
}

// RunStoreDir returns where run records are kept.
func (c *Config) RunStoreDir() string {
	if c.StoreDir != "" {
		return c.StoreDir
	}
	return filepath.Join(c.ArtifactRoot, "runs")
}

// resolveChecks returns the check set for offline log evaluation: the
// configured policy when a config is available, the built-in policy when
// none was requested. An explicitly requested config that fails to load is
// an error, never a silent fallback to the defaults.
func resolveChecks(configPath string) ([]diagnostics.Check, error) {
	if configPath == "" && os.Getenv(ConfigPathEnvKey) == "" {
		return diagnostics.DefaultChecks(), nil
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Checks(), nil
}
