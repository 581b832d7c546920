// Package downloads maps browser downloads back to the prompt that caused
// them and places the files under collision-free output names.
package downloads

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/naming"
	"github.com/kernel/flowkit/internal/poll"
)

// ConflictUniquify tells the placer to pick a free name instead of overwriting.
const ConflictUniquify = "uniquify"

// RunView is the read-only view of the active run the correlator needs.
type RunView interface {
	Active() bool
	CurrentIndex() int
	CurrentPrompt() string
	Subfolder() string
}

// Item describes a download as reported by the browser.
type Item struct {
	URL               string
	SuggestedFilename string
}

// Tier records which rule produced a Decision.
type Tier int

const (
	TierNone Tier = iota
	TierRegistered
	TierSidecar
	TierHeuristic
)

func (t Tier) String() string {
	switch t {
	case TierRegistered:
		return "registered"
	case TierSidecar:
		return "sidecar"
	case TierHeuristic:
		return "heuristic"
	default:
		return "none"
	}
}

// Decision is the outcome of the rename hook.
type Decision struct {
	Filename string
	Conflict string
	Tier     Tier
}

var mediaExts = map[string]bool{
	"mp4": true, "webm": true, "png": true, "jpg": true, "jpeg": true, "webp": true,
}

var knownOrigins = []string{"blob:https://labs.google", "storage.googleapis.com"}

// Options configures a Correlator.
type Options struct {
	// GraceWindow is how long ResolveWait waits for a registration before
	// falling back to the heuristic rule. Zero disables waiting.
	GraceWindow time.Duration
	Clock       poll.Clock
	Logger      *pterm.Logger
}

// Correlator holds the expected-download side table.
type Correlator struct {
	mu             sync.Mutex
	run            RunView
	pending        map[string]string
	pendingSidecar string
	lastBasename   string
	lastSubfolder  string
	changed        chan struct{}

	grace time.Duration
	clock poll.Clock
	log   *pterm.Logger
}

// NewCorrelator returns a Correlator reading run data from run.
func NewCorrelator(run RunView, opts Options) *Correlator {
	c := &Correlator{
		run:     run,
		pending: map[string]string{},
		changed: make(chan struct{}),
		grace:   opts.GraceWindow,
		clock:   opts.Clock,
		log:     opts.Logger,
	}
	if c.clock == nil {
		c.clock = poll.RealClock
	}
	if c.log == nil {
		c.log = &pterm.DefaultLogger
	}
	return c
}

// SetRunView attaches the run the correlator names files after.
func (c *Correlator) SetRunView(run RunView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = run
}

func (c *Correlator) active() bool {
	return c.run != nil && c.run.Active()
}

// RegisterExpected records that url is about to be downloaded for the
// current prompt. It is a no-op when no run is active.
func (c *Correlator) RegisterExpected(url string, kind model.MediaKind) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active() {
		return "", false
	}
	base := naming.Basename(c.run.CurrentIndex(), c.run.CurrentPrompt())
	sub := naming.CleanSubfolder(c.run.Subfolder())
	name := naming.Filename(sub, base, naming.ExtForKind(kind))
	c.pending[url] = name
	c.lastBasename, c.lastSubfolder = base, sub
	c.log.Debug("download registered", c.log.Args("file", name, "url", truncate(url, 80)))

	close(c.changed)
	c.changed = make(chan struct{})
	return name, true
}

// RegisterDownload adapts RegisterExpected to the page driver's registrar.
func (c *Correlator) RegisterDownload(_ context.Context, url string, kind model.MediaKind) error {
	c.RegisterExpected(url, kind)
	return nil
}

// ExpectSidecar marks name as the target of the next text/plain data download.
func (c *Correlator) ExpectSidecar(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSidecar = name
}

// TakeLastBasename returns the basename and subfolder of the last named media
// download and clears them.
func (c *Correlator) TakeLastBasename() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base, sub := c.lastBasename, c.lastSubfolder
	c.lastBasename, c.lastSubfolder = "", ""
	return base, sub
}

// Pending returns the number of unconsumed registrations.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset drops every registration. Runs call it when they start and stop.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = map[string]string{}
	c.pendingSidecar = ""
	c.lastBasename, c.lastSubfolder = "", ""
}

// Resolve is the rename hook. Rules apply in order: a registered URL, the
// pending sidecar for a text/plain data URL, a media file from a Flow origin
// while a run is active. Anything else keeps its browser-chosen name.
func (c *Correlator) Resolve(item Item) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(item)
}

func (c *Correlator) resolveLocked(item Item) (Decision, bool) {
	if name, ok := c.pending[item.URL]; ok {
		delete(c.pending, item.URL)
		return Decision{Filename: name, Conflict: ConflictUniquify, Tier: TierRegistered}, true
	}

	if strings.HasPrefix(item.URL, "data:text/plain") && c.pendingSidecar != "" {
		name := c.pendingSidecar
		c.pendingSidecar = ""
		return Decision{Filename: name, Conflict: ConflictUniquify, Tier: TierSidecar}, true
	}

	if c.active() {
		ext := extension(item.SuggestedFilename)
		if mediaExts[ext] && fromFlow(item.URL) {
			base := naming.Basename(c.run.CurrentIndex(), c.run.CurrentPrompt())
			sub := naming.CleanSubfolder(c.run.Subfolder())
			c.lastBasename, c.lastSubfolder = base, sub
			return Decision{Filename: naming.Filename(sub, base, ext), Conflict: ConflictUniquify, Tier: TierHeuristic}, true
		}
	}
	return Decision{Tier: TierNone}, false
}

// ResolveWait is Resolve with the registration grace window: when no
// registration or sidecar matches yet it waits up to GraceWindow for one
// before applying the heuristic rule.
func (c *Correlator) ResolveWait(ctx context.Context, item Item) (Decision, bool) {
	if c.grace <= 0 {
		return c.Resolve(item)
	}
	deadline := c.clock.Now().Add(c.grace)
	for {
		c.mu.Lock()
		_, registered := c.pending[item.URL]
		sidecar := strings.HasPrefix(item.URL, "data:text/plain") && c.pendingSidecar != ""
		remaining := deadline.Sub(c.clock.Now())
		if registered || sidecar || remaining <= 0 || !c.active() {
			d, ok := c.resolveLocked(item)
			c.mu.Unlock()
			return d, ok
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return c.Resolve(item)
		case <-changed:
		case <-c.clock.After(remaining):
		}
	}
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
}

func fromFlow(url string) bool {
	if strings.HasPrefix(url, "data:image/") {
		return true
	}
	for _, o := range knownOrigins {
		if strings.Contains(url, o) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
