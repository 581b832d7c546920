// Package coordinator sequences a run: it owns the run state, hands prompts
// to the page one at a time, applies delays and scheduled pauses, and
// publishes progress.
//
// All state lives in a single goroutine. Public methods and page events are
// turned into closures executed by that goroutine, and every wait is a timer
// that posts back into it, so Stop, Pause and Snapshot are served while a
// step is waiting.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/poll"
	"github.com/kernel/flowkit/internal/store"
)

const (
	// HeartbeatInterval is how often the persisted mirror of a running run
	// is touched.
	HeartbeatInterval = 20 * time.Second

	reinjectWait   = time.Second
	successSettle  = 2 * time.Second
	minFailureWait = 2 * time.Second
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("coordinator closed")

// PageLink reaches the page agent of the Flow tab.
type PageLink interface {
	Deliver(ctx context.Context, msg messages.Message) (messages.Message, error)
	Inject(ctx context.Context) error
}

// Recorder persists the run mirror. *store.Store implements it.
type Recorder interface {
	CreateRun(ctx context.Context, st model.RunState, cfg model.RunConfig) error
	UpdateProgress(ctx context.Context, st model.RunState, currentPrompt string) error
	Touch(ctx context.Context, runID string) error
	CompleteRun(ctx context.Context, st model.RunState, status store.Status) error
	AddFailure(ctx context.Context, runID string, item model.FailedItem) error
}

// Sidecar saves the prompt text of a finished item.
type Sidecar interface {
	Save(ctx context.Context, prompt string, index int, subfolder string) (string, error)
}

// Downloads is the part of the download correlator the coordinator drives.
type Downloads interface {
	Reset()
	RegisterExpected(url string, kind model.MediaKind) (string, bool)
}

type Options struct {
	Clock     poll.Clock
	Logger    *pterm.Logger
	Recorder  Recorder
	Sidecar   Sidecar
	Downloads Downloads
	// Int64N picks the scheduled pause length; defaults to math/rand/v2.
	Int64N func(n int64) int64
	// NewID generates run IDs; defaults to uuid.NewString.
	NewID func() string
}

type Coordinator struct {
	link      PageLink
	bus       *messages.Broadcaster
	clock     poll.Clock
	log       *pterm.Logger
	recorder  Recorder
	sidecar   Sidecar
	downloads Downloads
	int64n    func(n int64) int64
	newID     func() string

	cmds chan func()
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	// Owned by the actor goroutine.
	st       model.RunState
	cfg      model.RunConfig
	gen      uint64
	stepping bool
	inFlight bool
	beat     context.CancelFunc

	view runView
}

// New starts a coordinator that drives link and publishes on bus.
func New(link PageLink, bus *messages.Broadcaster, opts Options) *Coordinator {
	c := &Coordinator{
		link:      link,
		bus:       bus,
		clock:     opts.Clock,
		log:       opts.Logger,
		recorder:  opts.Recorder,
		sidecar:   opts.Sidecar,
		downloads: opts.Downloads,
		int64n:    opts.Int64N,
		newID:     opts.NewID,
		cmds:      make(chan func()),
		done:      make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = poll.RealClock
	}
	if c.log == nil {
		c.log = &pterm.DefaultLogger
	}
	if c.int64n == nil {
		c.int64n = rand.Int64N
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// Close stops the actor and every pending timer. An active run is left as
// persisted; it becomes stale once its heartbeat ages.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// post queues fn on the actor without waiting for it.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// call runs fn on the actor and waits for it to finish.
func (c *Coordinator) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(finished); fn() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// after posts fn to the actor once d has elapsed, unless the run generation
// changed in the meantime.
func (c *Coordinator) after(d time.Duration, fn func()) {
	gen := c.gen
	go func() {
		select {
		case <-c.clock.After(d):
		case <-c.done:
			return
		}
		c.post(func() {
			if c.gen == gen {
				fn()
			}
		})
	}()
}

// Start begins a run of cfg and returns its ID. A run already in progress is
// stopped and replaced.
func (c *Coordinator) Start(cfg model.RunConfig) (string, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	var id string
	err := c.call(func() { id = c.start(cfg) })
	return id, err
}

// Stop ends the active run. It does not abort the page action in flight; its
// completion is ignored.
func (c *Coordinator) Stop() error {
	return c.call(func() {
		if c.st.IsProcessing {
			c.finish(true)
		}
	})
}

// Pause holds the run after the current step.
func (c *Coordinator) Pause() error {
	return c.call(c.pause)
}

// Unpause resumes a paused run.
func (c *Coordinator) Unpause() error {
	return c.call(c.unpause)
}

// Snapshot returns a copy of the run state.
func (c *Coordinator) Snapshot() (model.RunState, error) {
	var st model.RunState
	err := c.call(func() { st = c.st.Clone() })
	return st, err
}

// Config returns the configuration of the current or last run.
func (c *Coordinator) Config() (model.RunConfig, error) {
	var cfg model.RunConfig
	err := c.call(func() { cfg = c.cfg })
	return cfg, err
}

// HandlePageEvent accepts a message sent by the page agent.
func (c *Coordinator) HandlePageEvent(msg messages.Message) {
	switch m := msg.(type) {
	case messages.PromptComplete:
		c.post(func() { c.promptComplete(m) })
	case messages.RegisterDownload:
		if c.downloads != nil {
			c.downloads.RegisterExpected(m.URL, m.MediaKind)
		}
	default:
		c.log.Debug("ignoring page message", c.log.Args("kind", msg.Kind()))
	}
}

func (c *Coordinator) start(cfg model.RunConfig) string {
	if c.st.IsProcessing {
		c.log.Info("replacing active run", c.log.Args("run", c.st.RunID))
		c.finish(true)
	}

	now := c.clock.Now()
	c.gen++
	c.cfg = cfg
	c.st = model.RunState{
		RunID:        c.newID(),
		IsProcessing: true,
		Total:        len(cfg.Prompts),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	c.stepping, c.inFlight = false, false
	if c.downloads != nil {
		c.downloads.Reset()
	}
	c.syncView()

	c.log.Info("run started", c.log.Args("run", c.st.RunID, "prompts", c.st.Total, "mode", string(cfg.Mode)))
	if c.recorder != nil {
		if err := c.recorder.CreateRun(context.Background(), c.st, cfg); err != nil {
			c.log.Warn("failed to persist run", c.log.Args("error", err.Error()))
		}
		c.startHeartbeat()
	}

	c.step()
	return c.st.RunID
}

func (c *Coordinator) step() {
	if !c.st.IsProcessing || c.st.IsPaused || c.stepping {
		return
	}
	if c.st.CurrentIndex >= c.st.Total {
		c.finish(false)
		return
	}

	idx := c.st.CurrentIndex
	prompt := c.cfg.Prompts[idx]
	c.stepping, c.inFlight = true, true
	c.touch()
	c.syncView()

	c.bus.Publish(messages.Progress{
		RunID:   c.st.RunID,
		Current: idx + 1,
		Total:   c.st.Total,
		Status:  messages.StatusGenerating,
		Prompt:  prompt,
	})
	c.persist(prompt)

	msg := messages.ProcessPrompt{
		RunID:   c.st.RunID,
		Prompt:  prompt,
		Index:   idx,
		Options: c.cfg.PromptOptions(),
	}
	gen := c.gen
	go c.deliver(gen, msg)
}

// deliver hands msg to the page, re-injecting the helper and retrying once
// when the page does not answer.
func (c *Coordinator) deliver(gen uint64, msg messages.ProcessPrompt) {
	ctx := context.Background()
	_, err := c.link.Deliver(ctx, msg)
	if err == nil {
		return
	}
	c.log.Warn("page did not accept prompt, re-injecting", c.log.Args("index", msg.Index+1, "error", err.Error()))
	if ierr := c.link.Inject(ctx); ierr != nil {
		c.log.Warn("failed to inject page helper", c.log.Args("error", ierr.Error()))
	}
	if c.sleep(reinjectWait) != nil {
		return
	}
	if _, err = c.link.Deliver(ctx, msg); err == nil {
		return
	}
	c.post(func() {
		if c.gen == gen {
			c.deliveryFailed(msg, err)
		}
	})
}

func (c *Coordinator) sleep(d time.Duration) error {
	select {
	case <-c.clock.After(d):
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) deliveryFailed(msg messages.ProcessPrompt, err error) {
	if !c.inFlight || msg.Index != c.st.CurrentIndex {
		return
	}
	c.inFlight = false
	reason := fmt.Sprintf("could not reach the Flow page: %v", err)
	c.recordFailure(msg.Index, msg.Prompt, reason)
	c.bus.Publish(messages.Error{RunID: c.st.RunID, Message: reason})
	c.finish(true)
}

func (c *Coordinator) promptComplete(m messages.PromptComplete) {
	if !c.st.IsProcessing || !c.inFlight || m.RunID != c.st.RunID || m.Index != c.st.CurrentIndex {
		c.log.Debug("ignoring stale completion", c.log.Args("run", m.RunID, "index", m.Index+1))
		return
	}
	c.inFlight = false
	prompt := c.cfg.Prompts[m.Index]

	c.bus.Publish(messages.ItemDone{
		RunID:   c.st.RunID,
		Index:   m.Index,
		Prompt:  prompt,
		Success: m.Success,
		Error:   m.Error,
	})

	if !m.Success {
		c.log.Warn("prompt failed", c.log.Args("index", m.Index+1, "error", m.Error))
		c.recordFailure(m.Index, prompt, m.Error)
		c.settle(true)
		return
	}

	c.st.SuccessCount++
	c.touch()
	c.log.Info("prompt done", c.log.Args("index", m.Index+1, "total", c.st.Total))
	c.after(successSettle, func() {
		if c.cfg.SavePromptText && c.sidecar != nil {
			path, err := c.sidecar.Save(context.Background(), prompt, m.Index, c.cfg.Subfolder)
			if err != nil {
				c.log.Warn("failed to save prompt text", c.log.Args("error", err.Error()))
			} else {
				c.log.Debug("prompt text saved", c.log.Args("path", path))
			}
		}
		c.settle(false)
	})
}

func (c *Coordinator) recordFailure(idx int, prompt, reason string) {
	item := model.FailedItem{Index: idx, Prompt: prompt, Error: reason}
	c.st.FailCount++
	c.st.Failed = append(c.st.Failed, item)
	c.touch()
	if c.recorder != nil {
		if err := c.recorder.AddFailure(context.Background(), c.st.RunID, item); err != nil {
			c.log.Warn("failed to persist failure", c.log.Args("error", err.Error()))
		}
	}
}

// settle waits out the inter-prompt delay and moves the cursor.
func (c *Coordinator) settle(failed bool) {
	c.bus.Publish(messages.Progress{
		RunID:   c.st.RunID,
		Current: c.st.CurrentIndex + 1,
		Total:   c.st.Total,
		Status:  messages.StatusWaiting,
	})
	c.persist("")

	wait := c.cfg.Delay
	if failed && wait < minFailureWait {
		wait = minFailureWait
	}
	c.after(wait, c.advance)
}

func (c *Coordinator) advance() {
	c.st.CurrentIndex++
	c.stepping = false
	c.touch()
	c.syncView()

	if c.st.CurrentIndex >= c.st.Total {
		c.finish(false)
		return
	}
	if p := c.cfg.ScheduledPause; p.Enabled {
		c.st.ProcessedSinceLastPause++
		if c.st.ProcessedSinceLastPause >= p.EveryN {
			c.scheduledPause()
		}
	}
	if c.st.IsPaused {
		c.persist("")
		return
	}
	c.step()
}

func (c *Coordinator) scheduledPause() {
	p := c.cfg.ScheduledPause
	span := (p.Max - p.Min).Milliseconds()
	d := p.Min
	if span > 0 {
		d += time.Duration(c.int64n(span+1)) * time.Millisecond
	}

	end := c.clock.Now().Add(d)
	c.st.ProcessedSinceLastPause = 0
	c.st.IsPaused = true
	c.st.PauseEndTime = &end
	c.touch()

	minutes := fmt.Sprintf("%.1f", d.Minutes())
	c.log.Info("scheduled pause", c.log.Args("minutes", minutes, "until", end.Format(time.Kitchen)))
	notice := messages.Paused{RunID: c.st.RunID, IsScheduled: true, PauseMinutes: minutes, PauseEndTime: &end}
	c.bus.Publish(notice)
	c.forward(notice)

	c.after(d, func() {
		if c.st.IsPaused && c.st.PauseEndTime != nil && c.st.PauseEndTime.Equal(end) {
			c.log.Info("scheduled pause over")
			c.unpause()
		}
	})
}

// pause holds the run until unpause. Pausing during a scheduled pause makes
// it indefinite, which disarms the scheduled timer.
func (c *Coordinator) pause() {
	if !c.st.IsProcessing || (c.st.IsPaused && c.st.PauseEndTime == nil) {
		return
	}
	c.st.IsPaused = true
	c.st.PauseEndTime = nil
	c.touch()
	c.persist("")
	c.log.Info("run paused", c.log.Args("run", c.st.RunID))

	notice := messages.Paused{RunID: c.st.RunID}
	c.bus.Publish(notice)
	c.forward(notice)
}

func (c *Coordinator) unpause() {
	if !c.st.IsPaused {
		return
	}
	c.st.IsPaused = false
	c.st.PauseEndTime = nil
	c.touch()
	c.persist("")
	c.log.Info("run resumed", c.log.Args("run", c.st.RunID))

	notice := messages.Unpaused{RunID: c.st.RunID}
	c.bus.Publish(notice)
	c.forward(notice)

	c.step()
}

// finish ends the run, either because every prompt was processed or because
// it was stopped.
func (c *Coordinator) finish(stopped bool) {
	c.gen++
	c.st.IsProcessing = false
	c.st.IsPaused = false
	c.st.PauseEndTime = nil
	c.stepping, c.inFlight = false, false
	c.touch()
	if c.beat != nil {
		c.beat()
		c.beat = nil
	}
	if stopped && c.downloads != nil {
		c.downloads.Reset()
	}
	c.syncView()

	status := store.StatusComplete
	if stopped {
		status = store.StatusStopped
	}
	if c.recorder != nil {
		if err := c.recorder.CompleteRun(context.Background(), c.st, status); err != nil {
			c.log.Warn("failed to persist run completion", c.log.Args("error", err.Error()))
		}
	}
	c.log.Info("run finished", c.log.Args("run", c.st.RunID, "status", string(status), "success", c.st.SuccessCount, "failed", c.st.FailCount))

	done := messages.Complete{RunID: c.st.RunID, Success: c.st.SuccessCount, Failed: c.st.FailCount, Stopped: stopped}
	c.bus.Publish(done)
	c.forward(done)
}

// forward passes a notification to the page for display. Failures only
// matter to the log.
func (c *Coordinator) forward(msg messages.Message) {
	go func() {
		if _, err := c.link.Deliver(context.Background(), msg); err != nil {
			c.log.Debug("page notification not delivered", c.log.Args("kind", msg.Kind(), "error", err.Error()))
		}
	}()
}

func (c *Coordinator) touch() {
	c.st.UpdatedAt = c.clock.Now()
}

func (c *Coordinator) persist(prompt string) {
	if c.recorder == nil || !c.st.IsProcessing {
		return
	}
	if prompt == "" && c.st.CurrentIndex < len(c.cfg.Prompts) {
		prompt = c.cfg.Prompts[c.st.CurrentIndex]
	}
	if err := c.recorder.UpdateProgress(context.Background(), c.st, prompt); err != nil {
		c.log.Warn("failed to persist progress", c.log.Args("error", err.Error()))
	}
}

// startHeartbeat touches the persisted mirror until the run ends so a crashed
// process leaves a detectably stale run behind.
func (c *Coordinator) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	c.beat = cancel
	runID := c.st.RunID
	go func() {
		for {
			select {
			case <-c.clock.After(HeartbeatInterval):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			if err := c.recorder.Touch(ctx, runID); err != nil && ctx.Err() == nil {
				c.log.Debug("heartbeat failed", c.log.Args("error", err.Error()))
			}
		}
	}()
}
