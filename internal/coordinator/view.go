package coordinator

import (
	"sync"

	"github.com/kernel/flowkit/internal/downloads"
)

var _ downloads.RunView = (*Coordinator)(nil)

// runView mirrors the fields the download correlator reads from other
// goroutines. Only the actor writes it.
type runView struct {
	mu        sync.RWMutex
	active    bool
	index     int
	prompt    string
	subfolder string
}

func (c *Coordinator) syncView() {
	c.view.mu.Lock()
	defer c.view.mu.Unlock()
	c.view.active = c.st.IsProcessing
	c.view.index = c.st.CurrentIndex
	c.view.subfolder = c.cfg.Subfolder
	c.view.prompt = ""
	if c.st.CurrentIndex < len(c.cfg.Prompts) {
		c.view.prompt = c.cfg.Prompts[c.st.CurrentIndex]
	}
}

// Active reports whether a run is in progress.
func (c *Coordinator) Active() bool {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.active
}

func (c *Coordinator) CurrentIndex() int {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.index
}

func (c *Coordinator) CurrentPrompt() string {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.prompt
}

func (c *Coordinator) Subfolder() string {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.subfolder
}
