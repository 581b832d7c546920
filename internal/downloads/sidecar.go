package downloads

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/kernel/flowkit/internal/naming"
	"github.com/kernel/flowkit/pkg/util"
)

// SidecarWriter saves the prompt text next to the media it produced.
type SidecarWriter struct {
	corr *Correlator
	root string
}

// NewSidecarWriter writes sidecars below root.
func NewSidecarWriter(corr *Correlator, root string) *SidecarWriter {
	return &SidecarWriter{corr: corr, root: root}
}

// Save writes prompt to a .txt file named after the last media download of
// the run, or after index and prompt when none was named. The name goes
// through the same rename hook as browser downloads.
func (w *SidecarWriter) Save(ctx context.Context, prompt string, index int, subfolder string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base, sub := w.corr.TakeLastBasename()
	if base == "" {
		base, sub = naming.Basename(index, prompt), subfolder
	}
	w.corr.ExpectSidecar(naming.SidecarName(sub, base))

	item := Item{URL: "data:text/plain;charset=utf-8," + url.PathEscape(prompt), SuggestedFilename: "download.txt"}
	dec, ok := w.corr.Resolve(item)
	if !ok {
		return "", fmt.Errorf("failed to resolve sidecar name for prompt %d", index+1)
	}
	final, err := util.WriteFileUnique(filepath.Join(w.root, filepath.FromSlash(dec.Filename)), []byte(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}
	return final, nil
}
