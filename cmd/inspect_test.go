package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/model"
)

const snapshot = `<html><body>
<textarea id="PINHOLE_TEXT_AREA_ELEMENT_ID"></textarea>
<button><i class="google-symbols">arrow_forward</i></button>
<div data-index="2" data-item-index="2">
  <video src="https://storage.googleapis.com/flow/cat.mp4"></video>
  <div class="sc-e6a99d5c-3">a cat on a skateboard</div>
</div>
<div data-index="1" data-item-index="1">
  <video src="blob:https://labs.google/pending"></video>
  <div class="sc-e6a99d5c-3">a cat on a skateboard</div>
</div>
</body></html>`

func TestInspectPage(t *testing.T) {
	report, err := inspectPage(context.Background(), strings.NewReader(snapshot), "A cat on a skateboard", model.ModeVideo)
	require.NoError(t, err)

	assert.True(t, report.PromptInput)
	assert.True(t, report.GenerateButton)
	require.Len(t, report.Cards, 2)
	assert.Equal(t, 1, report.Cards[0].Marker)
	assert.Equal(t, 1, report.ReadyCount)
}

func TestInspectPage_EmptyPage(t *testing.T) {
	report, err := inspectPage(context.Background(), strings.NewReader("<html><body></body></html>"), "", model.ModeVideo)
	require.NoError(t, err)
	assert.False(t, report.PromptInput)
	assert.False(t, report.GenerateButton)
	assert.Empty(t, report.Cards)
}

func TestInspect_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.html")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	done := captureStdout(t)
	err := InspectCmd{}.Inspect(context.Background(), InspectInput{
		Path:   path,
		Prompt: "a cat on a skateboard",
		Mode:   model.ModeVideo,
		Output: "json",
	})
	require.NoError(t, err)

	var got InspectReport
	require.NoError(t, json.Unmarshal([]byte(done()), &got))
	assert.Equal(t, 1, got.ReadyCount)
	assert.Len(t, got.Cards, 2)
}

func TestInspect_Table(t *testing.T) {
	setupStdoutCapture(t)
	path := filepath.Join(t.TempDir(), "flow.html")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	err := InspectCmd{}.Inspect(context.Background(), InspectInput{Path: path, Prompt: "a dog", Mode: model.ModeVideo})
	require.NoError(t, err)
	out := outBuf.String()
	assert.Contains(t, out, "Prompt input")
	assert.Contains(t, out, "No video cards match")
}
