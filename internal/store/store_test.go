package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/model"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func openTest(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "flowkit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	s.SetNow(clock.now)
	return s, clock
}

func newRun(id string, clock *testClock) (model.RunState, model.RunConfig) {
	cfg := model.DefaultRunConfig()
	cfg.Prompts = []string{"a cat", "a dog", "a bird"}
	cfg.Subfolder = "out"
	return model.RunState{
		RunID:        id,
		IsProcessing: true,
		Total:        len(cfg.Prompts),
		StartedAt:    clock.t,
	}, cfg
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)
	st, cfg := newRun("run-1", clock)
	require.NoError(t, s.CreateRun(ctx, st, cfg))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, "a cat", run.CurrentPrompt)
	assert.Equal(t, "out", run.Subfolder)
	assert.Equal(t, cfg.Prompts, run.Config.Prompts)
	assert.Equal(t, cfg.Delay, run.Config.Delay)
	assert.True(t, run.StartedAt.Equal(clock.t))
	assert.Nil(t, run.CompletedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)
	st, cfg := newRun("run-1", clock)
	require.NoError(t, s.CreateRun(ctx, st, cfg))

	end := clock.t.Add(3 * time.Minute)
	st.CurrentIndex = 1
	st.SuccessCount = 1
	st.IsPaused = true
	st.PauseEndTime = &end
	require.NoError(t, s.UpdateProgress(ctx, st, "a dog"))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, run.Status)
	assert.Equal(t, 1, run.CurrentIndex)
	assert.Equal(t, "a dog", run.CurrentPrompt)
	assert.True(t, run.IsPaused)
	require.NotNil(t, run.PauseEndTime)
	assert.True(t, run.PauseEndTime.Equal(end))

	st.RunID = "missing"
	assert.ErrorIs(t, s.UpdateProgress(ctx, st, ""), ErrNotFound)
}

func TestStaleDetection(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)
	st, cfg := newRun("run-1", clock)
	require.NoError(t, s.CreateRun(ctx, st, cfg))

	clock.t = clock.t.Add(50 * time.Second)
	require.NoError(t, s.Touch(ctx, "run-1"))
	clock.t = clock.t.Add(50 * time.Second)
	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	clock.t = clock.t.Add(20 * time.Second)
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStale, run.Status)

	require.NoError(t, s.CompleteRun(ctx, st, StatusStopped))
	clock.t = clock.t.Add(time.Hour)
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestCompleteRunClearsPause(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)
	st, cfg := newRun("run-1", clock)
	require.NoError(t, s.CreateRun(ctx, st, cfg))

	end := clock.t.Add(time.Minute)
	st.IsPaused, st.PauseEndTime = true, &end
	require.NoError(t, s.UpdateProgress(ctx, st, "a cat"))

	st.CurrentIndex, st.SuccessCount, st.FailCount = 3, 2, 1
	require.NoError(t, s.CompleteRun(ctx, st, StatusComplete))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)
	assert.False(t, run.IsPaused)
	assert.Nil(t, run.PauseEndTime)
	assert.Equal(t, 2, run.SuccessCount)
	assert.Equal(t, 1, run.FailCount)
}

func TestListAndLatest(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)

	_, err := s.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"a", "b", "c"} {
		st, cfg := newRun(id, clock)
		require.NoError(t, s.CreateRun(ctx, st, cfg))
		clock.t = clock.t.Add(time.Second)
	}

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFailures(t *testing.T) {
	ctx := context.Background()
	s, clock := openTest(t)
	st, cfg := newRun("run-1", clock)
	require.NoError(t, s.CreateRun(ctx, st, cfg))

	require.NoError(t, s.AddFailure(ctx, "run-1", model.FailedItem{Index: 2, Prompt: "a bird", Error: "download failed"}))
	require.NoError(t, s.AddFailure(ctx, "run-1", model.FailedItem{Index: 0, Prompt: "a cat", Error: "generation timed out"}))
	require.NoError(t, s.AddFailure(ctx, "run-1", model.FailedItem{Index: 2, Prompt: "a bird", Error: "prompt input not found"}))

	items, err := s.Failures(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []model.FailedItem{
		{Index: 0, Prompt: "a cat", Error: "generation timed out"},
		{Index: 2, Prompt: "a bird", Error: "prompt input not found"},
	}, items)

	none, err := s.Failures(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
