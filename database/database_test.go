package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := InitDatabase(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInitDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	first, err := InitDatabase(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := InitDatabase(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)

	run := types.RunState{
		ID:        "run-1",
		Status:    types.RunRunning,
		Stage:     "extract",
		Done:      3,
		Total:     10,
		StartedAt: started,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	run.Status = types.RunCompleted
	run.Stage = "consolidate"
	run.FinishedAt = started.Add(time.Minute)
	run.TotalImages = 10
	run.UniqueImages = 7
	run.DuplicateImages = 3
	run.Counters = types.Counters{Total: 7, Obfuscated: 2, NoFace: 4, Clean: 4, QARequired: 1, VerificationFailed: 1}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
	assert.Equal(t, "consolidate", got.Stage)
	assert.True(t, started.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, run.Counters, got.Counters)
	assert.Equal(t, 7, got.UniqueImages)
	assert.Empty(t, got.Error)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := openTestStore(t).GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// sub second differences must still order correctly
	require.NoError(t, store.SaveRun(ctx, types.RunState{ID: "a", Status: types.RunCompleted, StartedAt: base.Add(100 * time.Millisecond)}))
	require.NoError(t, store.SaveRun(ctx, types.RunState{ID: "b", Status: types.RunCompleted, StartedAt: base.Add(120 * time.Millisecond)}))
	require.NoError(t, store.SaveRun(ctx, types.RunState{ID: "c", Status: types.RunFailed, StartedAt: base}))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "a", runs[1].ID)
	assert.Equal(t, "c", runs[2].ID)

	runs, err = store.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSaveImagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.SaveRun(ctx, types.RunState{ID: "run-1", Status: types.RunCompleted, StartedAt: time.Now()}))

	entries := []types.ImageEntry{
		{
			Path:        "/in/IMG_001.jpg",
			Filename:    "IMG_001.jpg",
			CapturedAt:  "2026-02-14T09:30:00Z",
			Obfuscation: &types.ObfuscationResult{Image: "IMG_001.jpg", Action: types.ActionObfuscated, FaceCount: 2, FacesObfuscated: 2, Method: "egoblur"},
		},
		{
			Path:     "/in/IMG_002.jpg",
			Filename: "IMG_002.jpg",
			Verdict:  types.DuplicateVerdict{IsDuplicate: true, DuplicateOf: "/in/IMG_001.jpg", Similarity: 1, MatchReason: "exact duplicate"},
		},
		{
			Path:        "/in/x.heic",
			Filename:    "x.heic",
			Obfuscation: &types.ObfuscationResult{Image: "x.heic", Action: types.ActionNoFace, OutputName: "x.jpg", Renamed: true},
		},
	}
	require.NoError(t, store.SaveImages(ctx, "run-1", entries))
	// saving again replaces
	require.NoError(t, store.SaveImages(ctx, "run-1", entries))

	got, err := store.Images(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	counts, err := store.ActionCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[types.Action]int{types.ActionObfuscated: 1, types.ActionNoFace: 1}, counts)
}

func TestSaveImagesUnknownRun(t *testing.T) {
	err := openTestStore(t).SaveImages(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}
