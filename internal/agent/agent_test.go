package agent

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel/flowkit/internal/driver"
	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page/htmlpage"
	"github.com/kernel/flowkit/internal/poll"
)

// FakeDriver is a configurable driver.PageDriver that records the calls made.
type FakeDriver struct {
	calls []string

	SelectModeFunc        func(mode model.Mode) bool
	ConfigureSettingsFunc func(aspect model.AspectRatio) bool
	FillPromptFunc        func(text string) bool
	SubmitFunc            func() bool
	CountReadyFunc        func(prompt string) int
	WaitForNewResultFunc  func(prompt string, existing int, timeout time.Duration) *model.ResultCard
	DownloadFromCardFunc  func(card model.ResultCard, q driver.Quality) bool
	WaitForUpscaleFunc    func(timeout time.Duration) bool
	DismissFunc           func() bool
}

var _ driver.PageDriver = (*FakeDriver)(nil)

func (f *FakeDriver) SelectMode(ctx context.Context, mode model.Mode) (bool, error) {
	f.calls = append(f.calls, "selectMode:"+string(mode))
	if f.SelectModeFunc != nil {
		return f.SelectModeFunc(mode), nil
	}
	return true, nil
}

func (f *FakeDriver) ConfigureSettings(ctx context.Context, aspect model.AspectRatio) (bool, error) {
	f.calls = append(f.calls, "configure:"+string(aspect))
	if f.ConfigureSettingsFunc != nil {
		return f.ConfigureSettingsFunc(aspect), nil
	}
	return true, nil
}

func (f *FakeDriver) FillPrompt(ctx context.Context, text string) (bool, error) {
	f.calls = append(f.calls, "fill:"+text)
	if f.FillPromptFunc != nil {
		return f.FillPromptFunc(text), nil
	}
	return true, nil
}

func (f *FakeDriver) Submit(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "submit")
	if f.SubmitFunc != nil {
		return f.SubmitFunc(), nil
	}
	return true, nil
}

func (f *FakeDriver) Cards(ctx context.Context, prompt string, mode model.Mode) ([]model.ResultCard, error) {
	return nil, nil
}

func (f *FakeDriver) CountReady(ctx context.Context, prompt string, mode model.Mode) (int, error) {
	f.calls = append(f.calls, "count")
	if f.CountReadyFunc != nil {
		return f.CountReadyFunc(prompt), nil
	}
	return 0, nil
}

func (f *FakeDriver) WaitForNewResult(ctx context.Context, prompt string, existing int, timeout time.Duration, mode model.Mode) (*model.ResultCard, error) {
	f.calls = append(f.calls, "wait")
	if f.WaitForNewResultFunc != nil {
		return f.WaitForNewResultFunc(prompt, existing, timeout), nil
	}
	return &model.ResultCard{Ref: "card", Ready: true, Kind: mode.Kind()}, nil
}

func (f *FakeDriver) DownloadFromCard(ctx context.Context, card model.ResultCard, q driver.Quality) (bool, error) {
	f.calls = append(f.calls, "download:"+string(q))
	if f.DownloadFromCardFunc != nil {
		return f.DownloadFromCardFunc(card, q), nil
	}
	return true, nil
}

func (f *FakeDriver) WaitForUpscaleComplete(ctx context.Context, timeout time.Duration) (bool, error) {
	f.calls = append(f.calls, "upscale")
	if f.WaitForUpscaleFunc != nil {
		return f.WaitForUpscaleFunc(timeout), nil
	}
	return true, nil
}

func (f *FakeDriver) Dismiss(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "dismiss")
	if f.DismissFunc != nil {
		return f.DismissFunc(), nil
	}
	return true, nil
}

var quiet = pterm.DefaultLogger.WithWriter(io.Discard)

func newTestAgent(d *FakeDriver, opts Options) (*Agent, *htmlpage.Page, chan messages.PromptComplete) {
	p := htmlpage.MustParse("<html><body></body></html>")
	reports := make(chan messages.PromptComplete, 4)
	if opts.Clock == nil {
		opts.Clock = poll.NewStepClock(time.Now())
	}
	opts.Logger = quiet
	a := New(p, d, func(pc messages.PromptComplete) { reports <- pc }, opts)
	return a, p, reports
}

func videoOptions() model.PromptOptions {
	return model.PromptOptions{
		Mode:              model.ModeVideo,
		AspectRatio:       model.AspectLandscape,
		GenerationTimeout: time.Minute,
		TotalPrompts:      2,
	}
}

func TestProcess_VideoFirstPrompt(t *testing.T) {
	d := &FakeDriver{CountReadyFunc: func(string) int { return 2 }}
	var existingSeen int
	d.WaitForNewResultFunc = func(prompt string, existing int, timeout time.Duration) *model.ResultCard {
		existingSeen = existing
		assert.Equal(t, time.Minute, timeout)
		return &model.ResultCard{Ref: "c1", Ready: true, Kind: model.MediaVideo}
	}
	a, _, _ := newTestAgent(d, Options{})

	got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 0, Options: videoOptions()})
	assert.True(t, got.Success)
	assert.Equal(t, "a cat", got.Prompt)
	assert.Equal(t, 2, existingSeen)
	assert.Equal(t, []string{
		"count", "selectMode:video", "configure:16:9", "fill:a cat", "submit", "wait", "download:720p",
	}, d.calls)
}

func TestProcess_LaterPromptSkipsModeSelection(t *testing.T) {
	d := &FakeDriver{}
	a, _, _ := newTestAgent(d, Options{})

	got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a dog", Index: 1, Options: videoOptions()})
	assert.True(t, got.Success)
	assert.NotContains(t, d.calls, "selectMode:video")
}

func TestProcess_UpscaledVideo(t *testing.T) {
	clock := poll.NewStepClock(time.Now())
	d := &FakeDriver{}
	a, _, _ := newTestAgent(d, Options{Clock: clock})
	opts := videoOptions()
	opts.DoUpscale = true

	got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 1, Options: opts})
	assert.True(t, got.Success)
	assert.Equal(t, []string{"count", "configure:16:9", "fill:a cat", "submit", "wait", "download:1080p", "upscale", "dismiss"}, d.calls)
	// settle, configure, fill, pre-download, post-download and post-dismiss waits
	assert.Equal(t, time.Second+300*time.Millisecond+500*time.Millisecond+time.Second+time.Second+2*time.Second, clock.Slept())
}

func TestProcess_PortraitVideoNeverUpscales(t *testing.T) {
	d := &FakeDriver{}
	a, _, _ := newTestAgent(d, Options{})
	opts := videoOptions()
	opts.DoUpscale = true
	opts.AspectRatio = model.AspectPortrait

	got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 1, Options: opts})
	assert.True(t, got.Success)
	assert.Contains(t, d.calls, "download:720p")
	assert.NotContains(t, d.calls, "upscale")
}

func TestProcess_ImageResolutions(t *testing.T) {
	tests := []struct {
		res      model.ImageResolution
		quality  string
		upscales bool
	}{
		{model.Resolution1K, "download:1k", false},
		{model.Resolution2K, "download:2k", true},
		{model.Resolution4K, "download:4k", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.res), func(t *testing.T) {
			d := &FakeDriver{}
			a, _, _ := newTestAgent(d, Options{})
			opts := videoOptions()
			opts.Mode = model.ModeImage
			opts.ImageResolution = tt.res

			got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a bird", Index: 1, Options: opts})
			assert.True(t, got.Success)
			assert.Contains(t, d.calls, tt.quality)
			if tt.upscales {
				assert.Contains(t, d.calls, "upscale")
			} else {
				assert.NotContains(t, d.calls, "upscale")
			}
		})
	}
}

func TestProcess_UpscaleTimeoutStillSucceeds(t *testing.T) {
	d := &FakeDriver{WaitForUpscaleFunc: func(time.Duration) bool { return false }}
	a, _, _ := newTestAgent(d, Options{})
	opts := videoOptions()
	opts.DoUpscale = true

	got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 1, Options: opts})
	assert.True(t, got.Success)
	assert.NotContains(t, d.calls, "dismiss")
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name   string
		driver *FakeDriver
		reason string
	}{
		{name: "no input", driver: &FakeDriver{FillPromptFunc: func(string) bool { return false }}, reason: ReasonNoInput},
		{name: "no generate", driver: &FakeDriver{SubmitFunc: func() bool { return false }}, reason: ReasonNoGenerate},
		{name: "timeout", driver: &FakeDriver{WaitForNewResultFunc: func(string, int, time.Duration) *model.ResultCard { return nil }}, reason: ReasonTimeout},
		{name: "download", driver: &FakeDriver{DownloadFromCardFunc: func(model.ResultCard, driver.Quality) bool { return false }}, reason: ReasonDownload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestAgent(tt.driver, Options{})
			got := a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 1, Options: videoOptions()})
			assert.False(t, got.Success)
			assert.Equal(t, tt.reason, got.Error)
		})
	}
}

func TestProcess_RandomAspect(t *testing.T) {
	d := &FakeDriver{}
	a, _, _ := newTestAgent(d, Options{Intn: func(n int) int { return n - 1 }})
	opts := videoOptions()
	opts.RandomizeAspectRatio = true
	opts.RandomIncludeLandscape = true
	opts.RandomIncludePortrait = true

	a.Process(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Index: 1, Options: opts})
	assert.Contains(t, d.calls, "configure:9:16")
}

func TestDeliver_NotReadyUntilInjected(t *testing.T) {
	ctx := context.Background()
	a, p, reports := newTestAgent(&FakeDriver{}, Options{})
	defer a.Close()
	p.SetInstalled(false)

	_, err := a.Deliver(ctx, messages.Ping{})
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, a.Inject(ctx))
	resp, err := a.Deliver(ctx, messages.Ping{})
	require.NoError(t, err)
	assert.Equal(t, messages.Pong{}, resp)

	resp, err = a.Deliver(ctx, messages.ProcessPrompt{Prompt: "a cat", Index: 0, Options: videoOptions()})
	require.NoError(t, err)
	assert.Equal(t, messages.Ack{Received: true}, resp)

	select {
	case pc := <-reports:
		assert.True(t, pc.Success)
		assert.Equal(t, 0, pc.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt report")
	}
}

func TestDeliver_Notices(t *testing.T) {
	var notices []messages.Message
	a, _, _ := newTestAgent(&FakeDriver{}, Options{OnNotice: func(m messages.Message) { notices = append(notices, m) }})
	defer a.Close()

	for _, m := range []messages.Message{messages.Paused{IsScheduled: true}, messages.Unpaused{}, messages.Complete{Success: 1}} {
		resp, err := a.Deliver(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, messages.Ack{Received: true}, resp)
	}
	assert.Len(t, notices, 3)

	_, err := a.Deliver(context.Background(), messages.Stop{})
	assert.Error(t, err)
}

func TestWait_LetsInFlightPromptFinish(t *testing.T) {
	release := make(chan struct{})
	d := &FakeDriver{WaitForNewResultFunc: func(prompt string, existing int, timeout time.Duration) *model.ResultCard {
		<-release
		return &model.ResultCard{Ref: "card", Ready: true, Kind: model.MediaVideo}
	}}
	a, _, reports := newTestAgent(d, Options{})
	defer a.Close()

	require.NoError(t, a.Wait(context.Background()))

	_, err := a.Deliver(context.Background(), messages.ProcessPrompt{Prompt: "a cat", Options: videoOptions()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, a.Wait(context.Background()))
	select {
	case pc := <-reports:
		assert.True(t, pc.Success)
	default:
		t.Fatal("prompt did not report before Wait returned")
	}
}
