// Package runner assembles a run from its parts: the page agent and driver
// on the Flow tab, the download correlator and watcher, and the coordinator
// that sequences prompts.
package runner

import (
	"context"
	"time"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/agent"
	"github.com/kernel/flowkit/internal/coordinator"
	"github.com/kernel/flowkit/internal/downloads"
	"github.com/kernel/flowkit/internal/driver"
	"github.com/kernel/flowkit/internal/locale"
	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/page"
	"github.com/kernel/flowkit/internal/poll"
)

type Options struct {
	// OutputDir is the root every run subfolder is created under.
	OutputDir string
	// StagingDir receives raw browser downloads before they are renamed.
	StagingDir string
	// Grace is the download registration grace window.
	Grace    time.Duration
	Recorder coordinator.Recorder
	Clock    poll.Clock
	Logger   *pterm.Logger
	Labels   locale.Table
	// OnPlaced is called for every download moved into OutputDir.
	OnPlaced func(downloads.Placed)
}

type Runner struct {
	Bus         *messages.Broadcaster
	Coordinator *coordinator.Coordinator
	Agent       *agent.Agent
	Driver      *driver.Driver
	Correlator  *downloads.Correlator
	Watcher     *downloads.Watcher
}

// New wires a runner around the Flow tab p.
func New(p page.Page, opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = &pterm.DefaultLogger
	}
	clock := opts.Clock
	if clock == nil {
		clock = poll.RealClock
	}

	r := &Runner{Bus: messages.NewBroadcaster()}
	r.Correlator = downloads.NewCorrelator(nil, downloads.Options{
		GraceWindow: opts.Grace,
		Clock:       clock,
		Logger:      log,
	})
	r.Watcher = downloads.NewWatcher(r.Correlator, opts.StagingDir, opts.OutputDir, log)
	r.Watcher.OnPlaced = opts.OnPlaced

	r.Driver = driver.New(p, driver.Options{
		Labels:    opts.Labels,
		Clock:     clock,
		Logger:    log,
		Registrar: r.Correlator,
	})

	// The agent reports to the coordinator, which is created below with the
	// agent as its page link.
	var coord *coordinator.Coordinator
	r.Agent = agent.New(p, r.Driver, func(pc messages.PromptComplete) {
		coord.HandlePageEvent(pc)
	}, agent.Options{
		Clock:  clock,
		Logger: log,
		OnNotice: func(m messages.Message) {
			log.Debug("page notice", log.Args("kind", m.Kind()))
		},
	})

	coord = coordinator.New(r.Agent, r.Bus, coordinator.Options{
		Clock:     clock,
		Logger:    log,
		Recorder:  opts.Recorder,
		Sidecar:   downloads.NewSidecarWriter(r.Correlator, opts.OutputDir),
		Downloads: r.Correlator,
	})
	r.Coordinator = coord
	r.Correlator.SetRunView(coord)
	return r
}

// AttachDownloads starts renaming downloads of the browser behind tab.
func (r *Runner) AttachDownloads(tab context.Context) error {
	return r.Watcher.Attach(tab)
}

// Prepare installs the page helper in the Flow tab.
func (r *Runner) Prepare(ctx context.Context) error {
	return r.Agent.Inject(ctx)
}

// Close stops the coordinator and the agent, then waits for downloads that
// are still being moved, up to wait.
func (r *Runner) Close(wait time.Duration) {
	r.Coordinator.Close()
	r.Agent.Close()

	done := make(chan struct{})
	go func() {
		r.Watcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
	}
}
