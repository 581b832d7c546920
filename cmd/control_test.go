package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
)

type FakeController struct {
	PauseFunc    func() error
	UnpauseFunc  func() error
	StopFunc     func() error
	SnapshotFunc func() (model.RunState, error)
	calls        []string
}

func (f *FakeController) Pause() error {
	f.calls = append(f.calls, "pause")
	if f.PauseFunc != nil {
		return f.PauseFunc()
	}
	return nil
}

func (f *FakeController) Unpause() error {
	f.calls = append(f.calls, "unpause")
	if f.UnpauseFunc != nil {
		return f.UnpauseFunc()
	}
	return nil
}

func (f *FakeController) Stop() error {
	f.calls = append(f.calls, "stop")
	if f.StopFunc != nil {
		return f.StopFunc()
	}
	return nil
}

func (f *FakeController) Snapshot() (model.RunState, error) {
	f.calls = append(f.calls, "snapshot")
	if f.SnapshotFunc != nil {
		return f.SnapshotFunc()
	}
	return model.RunState{}, nil
}

func TestHandleControl(t *testing.T) {
	tests := []struct {
		input   string
		handled bool
		calls   []string
	}{
		{input: "/pause", handled: true, calls: []string{"pause"}},
		{input: "/resume", handled: true, calls: []string{"unpause"}},
		{input: "/UNPAUSE", handled: true, calls: []string{"unpause"}},
		{input: "/stop", handled: true, calls: []string{"stop"}},
		{input: "/status", handled: true, calls: []string{"snapshot"}},
		{input: "/help", handled: true},
		{input: "/dance", handled: false},
		{input: "   ", handled: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			setupStdoutCapture(t)
			ctrl := &FakeController{}
			handled, err := handleControl(ctrl, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.handled, handled)
			assert.Equal(t, tt.calls, ctrl.calls)
		})
	}
}

func TestHandleControl_Help(t *testing.T) {
	setupStdoutCapture(t)
	_, err := handleControl(&FakeController{}, "/help")
	require.NoError(t, err)
	assert.Contains(t, outBuf.String(), "/resume")
	assert.Contains(t, outBuf.String(), "/stop")
}

func TestHandleControl_Error(t *testing.T) {
	setupStdoutCapture(t)
	ctrl := &FakeController{PauseFunc: func() error { return errors.New("coordinator closed") }}
	handled, err := handleControl(ctrl, "/pause")
	assert.True(t, handled)
	assert.ErrorContains(t, err, "coordinator closed")
}

func TestHandleControl_Status(t *testing.T) {
	setupStdoutCapture(t)
	end := time.Now().Add(3 * time.Minute)
	ctrl := &FakeController{SnapshotFunc: func() (model.RunState, error) {
		return model.RunState{
			RunID:        "run-1",
			IsProcessing: true,
			IsPaused:     true,
			PauseEndTime: &end,
			CurrentIndex: 4,
			Total:        10,
			SuccessCount: 3,
			FailCount:    1,
		}, nil
	}}
	_, err := handleControl(ctrl, "/status")
	require.NoError(t, err)

	out := outBuf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "4/10 (40%)")
	assert.Contains(t, out, "5 of 10")
	assert.Contains(t, out, "Resumes In")
}

func TestRenderMessage(t *testing.T) {
	setupStdoutCapture(t)
	end := time.Now().Add(2 * time.Minute)

	assert.False(t, renderMessage(messages.Progress{RunID: "r", Current: 1, Total: 2, Status: messages.StatusGenerating, Prompt: "a cat"}, "r"))
	assert.False(t, renderMessage(messages.ItemDone{RunID: "r", Index: 0, Prompt: "a cat", Success: true}, "r"))
	assert.False(t, renderMessage(messages.ItemDone{RunID: "r", Index: 1, Prompt: "a dog", Error: "generation timed out"}, "r"))
	assert.False(t, renderMessage(messages.Paused{RunID: "r", IsScheduled: true, PauseMinutes: "2.0", PauseEndTime: &end}, "r"))
	assert.False(t, renderMessage(messages.Unpaused{RunID: "r"}, "r"))
	assert.False(t, renderMessage(messages.Complete{RunID: "other", Success: 9}, "r"))
	assert.True(t, renderMessage(messages.Complete{RunID: "r", Success: 1, Failed: 1}, "r"))

	out := outBuf.String()
	assert.Contains(t, out, "[1/2] Generating: a cat")
	assert.Contains(t, out, "1. a cat")
	assert.Contains(t, out, "2. a dog: generation timed out")
	assert.Contains(t, out, "Scheduled pause for 2.0 min")
	assert.Contains(t, out, "Resumed")
	assert.Contains(t, out, "Run complete")
	assert.Contains(t, out, "flowkit retry r")
}

func TestRenderMessage_Stopped(t *testing.T) {
	setupStdoutCapture(t)
	assert.True(t, renderMessage(messages.Complete{RunID: "r", Success: 2, Stopped: true}, "r"))
	assert.Contains(t, outBuf.String(), "Run stopped")
	assert.NotContains(t, outBuf.String(), "flowkit retry")
}
