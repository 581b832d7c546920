package cmd

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/pterm/pterm"
)

var outBuf bytes.Buffer

// setupStdoutCapture routes pterm output into outBuf for the test. The
// prefix printers keep the writer they were created with, so they are
// redirected one by one.
func setupStdoutCapture(t *testing.T) {
	t.Helper()
	outBuf.Reset()
	pterm.SetDefaultOutput(&outBuf)
	printers := []*pterm.PrefixPrinter{&pterm.Info, &pterm.Success, &pterm.Warning, &pterm.Error, &pterm.Debug}
	saved := make([]io.Writer, len(printers))
	for i, p := range printers {
		saved[i] = p.Writer
		p.Writer = &outBuf
	}
	t.Cleanup(func() {
		pterm.SetDefaultOutput(os.Stdout)
		for i, p := range printers {
			p.Writer = saved[i]
		}
	})
}

// captureStdout redirects os.Stdout until the returned function is called
// and returns what was written.
func captureStdout(t *testing.T) func() string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	t.Cleanup(func() {
		os.Stdout = oldStdout
	})
	return func() string {
		w.Close()
		os.Stdout = oldStdout
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		return buf.String()
	}
}
