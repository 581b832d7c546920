// Package agent runs on the page side of a run: it receives prompt commands,
// drives the Flow page through a PageDriver and reports each outcome back to
// the coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/driver"
	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page"
	"github.com/kernel/flowkit/internal/poll"
)

// ErrNotReady is returned by Deliver when the page helper is missing, for
// example after the tab navigated or reloaded.
var ErrNotReady = errors.New("receiving end does not exist")

// Step failure reasons reported in PromptComplete.Error.
const (
	ReasonNoInput      = "prompt input not found"
	ReasonNoGenerate   = "generate button not found"
	ReasonTimeout      = "generation timed out"
	ReasonDownload     = "download failed"
	upscaleWaitTimeout = 5 * time.Minute
)

// Options configures an Agent.
type Options struct {
	Clock  poll.Clock
	Logger *pterm.Logger
	// Intn picks the random aspect ratio; defaults to math/rand/v2.
	Intn func(n int) int
	// OnNotice receives the notifications forwarded for on-page display.
	OnNotice func(messages.Message)
}

// Agent handles messages addressed to the page.
type Agent struct {
	page     page.Page
	driver   driver.PageDriver
	clock    poll.Clock
	log      *pterm.Logger
	intn     func(n int) int
	onNotice func(messages.Message)
	report   func(messages.PromptComplete)

	ctx    context.Context
	cancel context.CancelFunc
	serial sync.Mutex
	wg     sync.WaitGroup
}

// New returns an Agent that reports prompt outcomes to report.
func New(p page.Page, d driver.PageDriver, report func(messages.PromptComplete), opts Options) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		page:     p,
		driver:   d,
		clock:    opts.Clock,
		log:      opts.Logger,
		intn:     opts.Intn,
		onNotice: opts.OnNotice,
		report:   report,
		ctx:      ctx,
		cancel:   cancel,
	}
	if a.clock == nil {
		a.clock = poll.RealClock
	}
	if a.log == nil {
		a.log = &pterm.DefaultLogger
	}
	if a.intn == nil {
		a.intn = rand.IntN
	}
	return a
}

// Inject installs the page helper into the tab.
func (a *Agent) Inject(ctx context.Context) error {
	return a.page.Install(ctx)
}

// Deliver hands msg to the page side. ProcessPrompt is acknowledged at once;
// its outcome arrives later through the report callback.
func (a *Agent) Deliver(ctx context.Context, msg messages.Message) (messages.Message, error) {
	ok, err := a.page.Installed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if !ok {
		return nil, ErrNotReady
	}

	switch m := msg.(type) {
	case messages.ProcessPrompt:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serial.Lock()
			defer a.serial.Unlock()
			a.report(a.Process(a.ctx, m))
		}()
		return messages.Ack{Received: true}, nil
	case messages.Ping:
		return messages.Pong{}, nil
	case messages.Complete, messages.Paused, messages.Unpaused:
		if a.onNotice != nil {
			a.onNotice(m)
		}
		return messages.Ack{Received: true}, nil
	default:
		return nil, fmt.Errorf("unsupported message %q", msg.Kind())
	}
}

// FlowBudget bounds how long one prompt's flow can run when generation is
// given timeout. It covers the upscale wait and the fixed settle delays.
func FlowBudget(timeout time.Duration) time.Duration {
	return timeout + upscaleWaitTimeout + time.Minute
}

// Wait blocks until every delivered prompt has reported, or ctx is done.
// Unlike Close it lets in-flight work finish.
func (a *Agent) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops in-flight work and waits for it to report.
func (a *Agent) Close() {
	a.cancel()
	a.wg.Wait()
}

// Process runs the full per-prompt flow and returns its outcome.
func (a *Agent) Process(ctx context.Context, m messages.ProcessPrompt) messages.PromptComplete {
	done := messages.PromptComplete{RunID: m.RunID, Prompt: m.Prompt, Index: m.Index}
	if err := a.process(ctx, m); err != nil {
		a.log.Warn("prompt failed", a.log.Args("index", m.Index+1, "error", err.Error()))
		done.Error = err.Error()
		return done
	}
	done.Success = true
	return done
}

type stepError string

func (e stepError) Error() string { return string(e) }

func (a *Agent) process(ctx context.Context, m messages.ProcessPrompt) error {
	opts := m.Options
	prompt := m.Prompt
	a.log.Info("processing prompt", a.log.Args("index", m.Index+1, "total", opts.TotalPrompts))

	if err := a.sleep(ctx, time.Second); err != nil {
		return err
	}
	existing, err := a.driver.CountReady(ctx, prompt, opts.Mode)
	if err != nil {
		return err
	}

	if m.Index == 0 {
		if ok, err := a.driver.SelectMode(ctx, opts.Mode); err != nil {
			return err
		} else if !ok {
			a.log.Warn("could not select generation mode", a.log.Args("mode", string(opts.Mode)))
		}
		if err := a.sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}

	aspect := a.pickAspect(opts)
	if ok, err := a.driver.ConfigureSettings(ctx, aspect); err != nil {
		return err
	} else if !ok {
		a.log.Warn("could not configure settings")
	}
	if err := a.sleep(ctx, 300*time.Millisecond); err != nil {
		return err
	}

	if ok, err := a.driver.FillPrompt(ctx, prompt); err != nil {
		return err
	} else if !ok {
		return stepError(ReasonNoInput)
	}
	if err := a.sleep(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	if ok, err := a.driver.Submit(ctx); err != nil {
		return err
	} else if !ok {
		return stepError(ReasonNoGenerate)
	}

	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = model.DefaultGenerationTimeout
	}
	card, err := a.driver.WaitForNewResult(ctx, prompt, existing, timeout, opts.Mode)
	if err != nil {
		return err
	}
	if card == nil {
		return stepError(ReasonTimeout)
	}
	if err := a.sleep(ctx, time.Second); err != nil {
		return err
	}

	quality, upscaling := a.quality(opts, aspect)
	ok, err := a.driver.DownloadFromCard(ctx, *card, quality)
	if err != nil {
		return err
	}
	if !ok {
		return stepError(ReasonDownload)
	}
	if err := a.sleep(ctx, time.Second); err != nil {
		return err
	}

	switch {
	case upscaling:
		done, err := a.driver.WaitForUpscaleComplete(ctx, upscaleWaitTimeout)
		if err != nil {
			return err
		}
		if !done {
			a.log.Warn("upscale did not finish in time")
			return nil
		}
		if _, err := a.driver.Dismiss(ctx); err != nil {
			return err
		}
		settle := 2 * time.Second
		if opts.Mode == model.ModeImage {
			settle = 3 * time.Second
		}
		return a.sleep(ctx, settle)
	case opts.Mode == model.ModeImage:
		return a.sleep(ctx, 2*time.Second)
	}
	return nil
}

// quality picks the download entry and whether the page will upscale before
// the file is delivered. Portrait videos cannot be upscaled.
func (a *Agent) quality(opts model.PromptOptions, aspect model.AspectRatio) (driver.Quality, bool) {
	if opts.Mode == model.ModeImage {
		q := driver.ImageQuality(opts.ImageResolution)
		return q, q != driver.QualityImage1K
	}
	if opts.DoUpscale && aspect != model.AspectPortrait {
		return driver.QualityVideoUpscaled, true
	}
	return driver.QualityVideoOriginal, false
}

func (a *Agent) pickAspect(opts model.PromptOptions) model.AspectRatio {
	choices := opts.AspectChoices()
	if !opts.RandomizeAspectRatio || len(choices) == 1 {
		return choices[0]
	}
	picked := choices[a.intn(len(choices))]
	a.log.Debug("aspect ratio randomized", a.log.Args("aspect", string(picked)))
	return picked
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	return poll.Sleep(ctx, a.clock, d)
}
