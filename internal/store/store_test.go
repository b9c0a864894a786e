package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cloud/stratus-ci/internal/store"
)

func newStore(t *testing.T) *store.JSONRunStore {
	t.Helper()

	s, err := store.NewJSONRunStore(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	return s
}

func record(runID string, startedAt time.Time) *store.Record {
	return &store.Record{
		RunID:     runID,
		Variant:   "debian-12-localhost",
		Namespace: "ci-" + runID,
		Status:    store.StatusPassed,
		StartedAt: startedAt,
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newStore(t)

	want := record("debian-12-localhost-4f2a", time.Now().UTC().Truncate(time.Second))
	want.Status = store.StatusFailed
	want.Failure = "stage test-suite: suite failed"
	want.BundlePath = "/artifacts/debian-12-localhost-4f2a-evidence.tar.gz"

	require.NoError(t, s.Save(want))

	got, err := s.Load(want.RunID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoad_UnknownRun(t *testing.T) {
	s := newStore(t)

	_, err := s.Load("no-such-run")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestLoad_CorruptedRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	s, err := store.NewJSONRunStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	_, err = s.Load("broken")
	assert.ErrorIs(t, err, store.ErrStoreCorrupted)
}

func TestList_NewestFirstAndSkipsCorrupted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	s, err := store.NewJSONRunStore(dir)
	require.NoError(t, err)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(record("run-old", base)))
	require.NoError(t, s.Save(record("run-new", base.Add(time.Hour))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	records, err := s.List()
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "run-new", records[0].RunID)
	assert.Equal(t, "run-old", records[1].RunID)
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Save(record("run-1", time.Now())))
	require.NoError(t, s.Delete("run-1"))

	_, err := s.Load("run-1")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	assert.ErrorIs(t, s.Delete("run-1"), store.ErrRunNotFound)
}
