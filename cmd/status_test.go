package cmd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/store"
)

type FakeRunsService struct {
	GetRunFunc    func(ctx context.Context, id string) (*store.Run, error)
	LatestRunFunc func(ctx context.Context) (*store.Run, error)
	ListRunsFunc  func(ctx context.Context, limit int) ([]*store.Run, error)
	FailuresFunc  func(ctx context.Context, runID string) ([]model.FailedItem, error)
}

func (f *FakeRunsService) GetRun(ctx context.Context, id string) (*store.Run, error) {
	if f.GetRunFunc != nil {
		return f.GetRunFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (f *FakeRunsService) LatestRun(ctx context.Context) (*store.Run, error) {
	if f.LatestRunFunc != nil {
		return f.LatestRunFunc(ctx)
	}
	return nil, store.ErrNotFound
}

func (f *FakeRunsService) ListRuns(ctx context.Context, limit int) ([]*store.Run, error) {
	if f.ListRunsFunc != nil {
		return f.ListRunsFunc(ctx, limit)
	}
	return nil, nil
}

func (f *FakeRunsService) Failures(ctx context.Context, runID string) ([]model.FailedItem, error) {
	if f.FailuresFunc != nil {
		return f.FailuresFunc(ctx, runID)
	}
	return nil, nil
}

var statusNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleRun() *store.Run {
	end := statusNow.Add(90 * time.Second)
	return &store.Run{
		ID:            "run-1",
		Status:        store.StatusPaused,
		Total:         10,
		CurrentIndex:  6,
		CurrentPrompt: "a cat on a skateboard",
		SuccessCount:  5,
		FailCount:     1,
		IsPaused:      true,
		PauseEndTime:  &end,
		Subfolder:     "cats",
		StartedAt:     statusNow.Add(-time.Hour),
		UpdatedAt:     statusNow,
		Config:        model.RunConfig{Mode: model.ModeVideo},
	}
}

func TestStatus_Latest(t *testing.T) {
	setupStdoutCapture(t)
	c := RunsCmd{runs: &FakeRunsService{
		LatestRunFunc: func(ctx context.Context) (*store.Run, error) { return sampleRun(), nil },
	}, now: func() time.Time { return statusNow }}

	require.NoError(t, c.Status(context.Background(), StatusInput{}))

	out := outBuf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Paused")
	assert.Contains(t, out, "6/10 (60%)")
	assert.Contains(t, out, "7. a cat on a skateboard")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "flowkit failures run-1")
}

func TestStatus_ByIDNotFound(t *testing.T) {
	setupStdoutCapture(t)
	c := RunsCmd{runs: &FakeRunsService{}, now: time.Now}
	err := c.Status(context.Background(), StatusInput{ID: "missing"})
	assert.ErrorContains(t, err, "run missing not found")
}

func TestStatus_NoRuns(t *testing.T) {
	setupStdoutCapture(t)
	c := RunsCmd{runs: &FakeRunsService{}, now: time.Now}
	require.NoError(t, c.Status(context.Background(), StatusInput{}))
	assert.Contains(t, outBuf.String(), "No runs recorded yet")
}

func TestStatus_Stale(t *testing.T) {
	setupStdoutCapture(t)
	run := sampleRun()
	run.Status = store.StatusStale
	c := RunsCmd{runs: &FakeRunsService{
		GetRunFunc: func(ctx context.Context, id string) (*store.Run, error) { return run, nil },
	}, now: func() time.Time { return statusNow }}

	require.NoError(t, c.Status(context.Background(), StatusInput{ID: "run-1"}))
	assert.Contains(t, outBuf.String(), "Stale")
	assert.Contains(t, outBuf.String(), "No heartbeat")
}

func TestStatus_JSON(t *testing.T) {
	setupStdoutCapture(t)
	done := captureStdout(t)
	c := RunsCmd{runs: &FakeRunsService{
		LatestRunFunc: func(ctx context.Context) (*store.Run, error) { return sampleRun(), nil },
	}, now: time.Now}

	require.NoError(t, c.Status(context.Background(), StatusInput{Output: "json"}))

	var got store.Run
	require.NoError(t, json.Unmarshal([]byte(done()), &got))
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, store.StatusPaused, got.Status)
	assert.Equal(t, "cats", got.Subfolder)
}

func TestStatus_RejectsUnknownOutput(t *testing.T) {
	c := RunsCmd{runs: &FakeRunsService{}, now: time.Now}
	assert.Error(t, c.Status(context.Background(), StatusInput{Output: "yaml"}))
}

func TestHistory(t *testing.T) {
	setupStdoutCapture(t)
	var gotLimit int
	c := RunsCmd{runs: &FakeRunsService{
		ListRunsFunc: func(ctx context.Context, limit int) ([]*store.Run, error) {
			gotLimit = limit
			second := sampleRun()
			second.ID, second.Status = "run-0", store.StatusComplete
			return []*store.Run{sampleRun(), second}, nil
		},
	}, now: time.Now}

	require.NoError(t, c.History(context.Background(), HistoryInput{Limit: 5}))
	assert.Equal(t, 5, gotLimit)
	out := outBuf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "run-0")
	assert.Contains(t, out, "Complete")
}

func TestHistory_EmptyJSON(t *testing.T) {
	done := captureStdout(t)
	c := RunsCmd{runs: &FakeRunsService{}, now: time.Now}
	require.NoError(t, c.History(context.Background(), HistoryInput{Output: "json"}))
	assert.JSONEq(t, "[]", done())
}

func TestFailures(t *testing.T) {
	setupStdoutCapture(t)
	c := RunsCmd{runs: &FakeRunsService{
		GetRunFunc: func(ctx context.Context, id string) (*store.Run, error) { return sampleRun(), nil },
		FailuresFunc: func(ctx context.Context, runID string) ([]model.FailedItem, error) {
			return []model.FailedItem{{Index: 2, Prompt: "a dog", Error: "generation timed out"}}, nil
		},
	}, now: time.Now}

	require.NoError(t, c.Failures(context.Background(), FailuresInput{ID: "run-1"}))
	out := outBuf.String()
	assert.Contains(t, out, "a dog")
	assert.Contains(t, out, "generation timed out")
	assert.Contains(t, out, "flowkit retry run-1")
}

func TestFailures_UnknownRun(t *testing.T) {
	c := RunsCmd{runs: &FakeRunsService{}, now: time.Now}
	err := c.Failures(context.Background(), FailuresInput{ID: "nope"})
	assert.ErrorContains(t, err, "run nope not found")
}

func TestSetupStdoutCapture_PrefixPrinters(t *testing.T) {
	setupStdoutCapture(t)
	pterm.Info.Println("info line")
	pterm.Success.Println("success line")
	pterm.Warning.Println("warning line")
	pterm.Error.Println("error line")

	out := outBuf.String()
	for _, want := range []string{"info line", "success line", "warning line", "error line"} {
		assert.Contains(t, out, want)
	}
}
