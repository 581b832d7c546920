package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/pkg/util"
)

// Placed reports a finished download moved to its output path.
type Placed struct {
	Path     string
	URL      string
	Decision Decision
}

type inflight struct {
	url       string
	suggested string
	decision  Decision
	named     bool
	ready     chan struct{}
}

// Watcher receives the browser's download events, asks the Correlator for a
// name and moves completed files from the staging directory to the output
// root.
type Watcher struct {
	corr     *Correlator
	staging  string
	root     string
	log      *pterm.Logger
	OnPlaced func(Placed)

	mu       sync.Mutex
	inflight map[string]*inflight
	wg       sync.WaitGroup

	// run and listen reach the tab; tests replace them.
	run    func(ctx context.Context, actions ...chromedp.Action) error
	listen func(ctx context.Context, fn func(ev any))
}

// NewWatcher stages downloads in staging and places them under root.
func NewWatcher(corr *Correlator, staging, root string, log *pterm.Logger) *Watcher {
	if log == nil {
		log = &pterm.DefaultLogger
	}
	return &Watcher{
		corr:     corr,
		staging:  staging,
		root:     root,
		log:      log,
		inflight: map[string]*inflight{},
		run:      chromedp.Run,
		listen:   chromedp.ListenTarget,
	}
}

// Attach enables download events on the tab behind the chromedp context and
// starts listening for them. Chrome reports downloads on the session that
// enabled them, so the listener is a target listener.
func (w *Watcher) Attach(ctx context.Context) error {
	if err := os.MkdirAll(w.staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	w.listen(ctx, func(ev any) { w.handleEvent(ctx, ev) })
	err := w.run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(w.staging).
		WithEventsEnabled(true))
	if err != nil {
		return fmt.Errorf("failed to enable download events: %w", err)
	}
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		w.Begin(ctx, e.GUID, e.URL, e.SuggestedFilename)
	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			w.Complete(e.GUID)
		case browser.DownloadProgressStateCanceled:
			w.Cancel(e.GUID)
		}
	}
}

// Begin resolves the name of a starting download. Resolution may wait for
// the registration grace window, so it runs off the event goroutine.
func (w *Watcher) Begin(ctx context.Context, guid, url, suggested string) {
	entry := &inflight{url: url, suggested: suggested, ready: make(chan struct{})}
	w.mu.Lock()
	w.inflight[guid] = entry
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(entry.ready)
		entry.decision, entry.named = w.corr.ResolveWait(ctx, Item{URL: url, SuggestedFilename: suggested})
		if entry.named {
			w.log.Info("download matched", w.log.Args("file", entry.decision.Filename, "rule", entry.decision.Tier.String()))
		} else {
			w.log.Debug("download not matched", w.log.Args("suggested", suggested))
		}
	}()
}

// Complete moves a finished download to its resolved path.
func (w *Watcher) Complete(guid string) {
	w.mu.Lock()
	entry, ok := w.inflight[guid]
	delete(w.inflight, guid)
	w.mu.Unlock()
	if !ok {
		w.log.Debug("completion for unknown download", w.log.Args("guid", guid))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		<-entry.ready
		rel := entry.decision.Filename
		if !entry.named {
			rel = filepath.Base(filepath.Clean("/" + entry.suggested))
			if rel == "/" || rel == "." {
				rel = guid
			}
		}
		dst := filepath.Join(w.root, filepath.FromSlash(rel))
		final, err := util.MoveFileUnique(filepath.Join(w.staging, guid), dst)
		if err != nil {
			w.log.Error("failed to place download", w.log.Args("file", rel, "error", err))
			return
		}
		if w.OnPlaced != nil {
			w.OnPlaced(Placed{Path: final, URL: entry.url, Decision: entry.decision})
		}
	}()
}

// Cancel forgets a download the browser abandoned.
func (w *Watcher) Cancel(guid string) {
	w.mu.Lock()
	delete(w.inflight, guid)
	w.mu.Unlock()
}

// Wait blocks until every started resolution and move has finished.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
