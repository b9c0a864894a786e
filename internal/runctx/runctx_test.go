package runctx_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/runctx"
)

func testVariant() runctx.Variant {
	return runctx.Variant{
		Name:        "debian-12-localhost",
		BaseImage:   "debian:12",
		OSUser:      "debian",
		Topology:    "localhost",
		Concurrency: 3,
	}
}

func TestResolver_Resolve(t *testing.T) {
	root := t.TempDir()
	fixed := uuid.MustParse("1f3a9c2e-0000-0000-0000-000000000000")

	resolver := &runctx.Resolver{
		ArtifactRoot: root,
		SSHKeyPath:   "/home/ci/.ssh/id_ed25519",
		NewID:        func() uuid.UUID { return fixed },
		Now:          func() time.Time { return time.Unix(1700000000, 0) },
	}

	rc, err := resolver.Resolve(testVariant())
	require.NoError(t, err)

	assert.Equal(t, "debian-12-localhost-1f3a9c2e", rc.RunID)
	assert.Equal(t, "ci-1f3a9c2e", rc.Namespace)
	assert.Equal(t, filepath.Join(root, "debian-12-localhost-1f3a9c2e"), rc.ArtifactDir)
	assert.DirExists(t, rc.ArtifactDir)

	// SSH user falls back to the variant's OS account.
	assert.Equal(t, "debian", rc.SSHUser)
	assert.Equal(t, runctx.DefaultSSHPort, rc.SSHPort)
	assert.Equal(t, runctx.DefaultRemoteLogPath, rc.RemoteLogPath)
	assert.Empty(t, rc.PrimaryAddress)
}

func TestResolver_Resolve_InvalidVariant(t *testing.T) {
	resolver := &runctx.Resolver{ArtifactRoot: t.TempDir()}

	_, err := resolver.Resolve(runctx.Variant{Name: "incomplete"})

	require.ErrorIs(t, err, runctx.ErrInvalidVariant)
}

func TestVariant_Validate(t *testing.T) {
	v := testVariant()
	require.NoError(t, v.Validate())

	v.Concurrency = 0
	assert.ErrorIs(t, v.Validate(), runctx.ErrInvalidVariant)
}

func TestVariant_Group(t *testing.T) {
	v := testVariant()
	assert.Equal(t, "stratus-ci-debian-12-localhost", v.Group())

	v.ConcurrencyGroup = "nightly"
	assert.Equal(t, "nightly", v.Group())
}

func TestRunContext_WithPrimary_DoesNotMutateReceiver(t *testing.T) {
	resolver := &runctx.Resolver{ArtifactRoot: t.TempDir()}
	rc, err := resolver.Resolve(testVariant())
	require.NoError(t, err)

	completed := rc.WithPrimary("192.0.2.10")

	assert.Equal(t, "192.0.2.10", completed.PrimaryAddress)
	assert.Empty(t, rc.PrimaryAddress, "original context must stay untouched")
	assert.Equal(t, rc.RunID, completed.RunID)
}

func TestRunContext_ExecContext(t *testing.T) {
	resolver := &runctx.Resolver{ArtifactRoot: t.TempDir()}
	rc, err := resolver.Resolve(testVariant())
	require.NoError(t, err)
	rc = rc.WithPrimary("192.0.2.10")

	envs := rc.ExecContext().Envs()

	assert.Equal(t, rc.Namespace, envs["STRATUS_NAMESPACE"])
	assert.Equal(t, "192.0.2.10", envs["STRATUS_PRIMARY"])
	assert.Equal(t, "debian:12", envs["STRATUS_BASE_IMAGE"])
	assert.Equal(t, "3", envs["STRATUS_CI_CONCURRENCY"])
}
