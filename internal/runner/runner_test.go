package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/downloads"
	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page"
	"github.com/kernel/flowkit/internal/page/htmlpage"
	"github.com/kernel/flowkit/internal/poll"
)

const mediaBase = "https://storage.googleapis.com/flow/"

// fakeFlow builds a page that behaves like Flow: submitting appends a ready
// video card for the text currently in the prompt box.
func fakeFlow() *htmlpage.Page {
	p := htmlpage.MustParse(`<html><body>
<textarea id="PINHOLE_TEXT_AREA_ELEMENT_ID"></textarea>
<button id="generate"><i class="google-symbols">arrow_forward</i></button>
<div id="results"></div>
</body></html>`)
	generated := 0
	p.OnClick("#generate", func(p *htmlpage.Page, _ page.Element) {
		generated++
		input, _ := p.QueryAll(context.Background(), "", "#PINHOLE_TEXT_AREA_ELEMENT_ID")
		prompt := p.Value(input[0].Ref)
		p.Append("#results", fmt.Sprintf(`<div data-index="%d" data-item-index="%d">
  <video src="%s%d.mp4"></video>
  <div class="sc-e6a99d5c-3">%s</div>
  <button aria-haspopup="menu"><i class="google-symbols">download</i></button>
</div>`, generated, generated, mediaBase, generated, prompt))
	})
	return p
}

func TestRunner_EndToEnd(t *testing.T) {
	out := t.TempDir()
	r := New(fakeFlow(), Options{
		OutputDir:  out,
		StagingDir: t.TempDir(),
		Clock:      poll.NewStepClock(time.Now()),
		Logger:     pterm.DefaultLogger.WithWriter(io.Discard),
	})
	t.Cleanup(func() { r.Close(time.Second) })
	sub, unsubscribe := r.Bus.Subscribe(64)
	defer unsubscribe()

	cfg := model.DefaultRunConfig()
	cfg.Prompts = []string{"a cat", "a dog"}
	cfg.Subfolder = "out"
	cfg.Delay = 0
	cfg.SavePromptText = true
	_, err := r.Coordinator.Start(cfg)
	require.NoError(t, err)

	var done messages.Complete
	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case msg := <-sub:
			if c, ok := msg.(messages.Complete); ok {
				done = c
				break wait
			}
		case <-timeout:
			t.Fatal("run did not complete")
		}
	}
	assert.Equal(t, 2, done.Success)
	assert.Zero(t, done.Failed)

	dec, ok := r.Correlator.Resolve(downloads.Item{URL: mediaBase + "1.mp4", SuggestedFilename: "1.mp4"})
	require.True(t, ok)
	assert.Equal(t, "out/001_a_cat.mp4", dec.Filename)
	dec, ok = r.Correlator.Resolve(downloads.Item{URL: mediaBase + "2.mp4", SuggestedFilename: "2.mp4"})
	require.True(t, ok)
	assert.Equal(t, "out/002_a_dog.mp4", dec.Filename)

	text, err := os.ReadFile(filepath.Join(out, "out", "002_a_dog.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a dog", string(text))
}
