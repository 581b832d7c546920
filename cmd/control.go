package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/pkg/util"
)

// Controller is the part of the coordinator the interactive loop drives.
type Controller interface {
	Pause() error
	Unpause() error
	Stop() error
	Snapshot() (model.RunState, error)
}

const controlHelp = `Commands:
  /pause         Pause before the next prompt
  /resume        Resume a paused run
  /stop          Stop after the current prompt
  /status        Show run progress
  /help          Show this help`

// handleControl runs one line typed during a run. It reports whether the
// line was a known command.
func handleControl(ctrl Controller, input string) (bool, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, nil
	}

	switch strings.ToLower(parts[0]) {
	case "/pause":
		if err := ctrl.Pause(); err != nil {
			return true, fmt.Errorf("failed to pause: %w", err)
		}
		return true, nil
	case "/resume", "/unpause":
		if err := ctrl.Unpause(); err != nil {
			return true, fmt.Errorf("failed to resume: %w", err)
		}
		return true, nil
	case "/stop":
		if err := ctrl.Stop(); err != nil {
			return true, fmt.Errorf("failed to stop: %w", err)
		}
		pterm.Info.Println("Stopping after the current prompt...")
		return true, nil
	case "/status":
		st, err := ctrl.Snapshot()
		if err != nil {
			return true, fmt.Errorf("failed to read run state: %w", err)
		}
		printRunState(st, time.Now())
		return true, nil
	case "/help":
		pterm.Println(controlHelp)
		return true, nil
	}
	return false, nil
}

func printRunState(st model.RunState, now time.Time) {
	tableData := pterm.TableData{
		{"Property", "Value"},
		{"Run", util.OrDash(st.RunID)},
		{"Phase", string(st.Phase())},
		{"Progress", util.FormatProgress(st.SuccessCount+st.FailCount, st.Total)},
		{"Succeeded", strconv.Itoa(st.SuccessCount)},
		{"Failed", strconv.Itoa(st.FailCount)},
	}
	if st.IsProcessing {
		tableData = append(tableData, []string{"Current", fmt.Sprintf("%d of %d", st.CurrentIndex+1, st.Total)})
	}
	if st.IsPaused && st.PauseEndTime != nil {
		tableData = append(tableData, []string{"Resumes In", util.FormatRemaining(*st.PauseEndTime, now)})
	}
	PrintTableNoPad(tableData, true)
}

// renderMessage prints a coordinator notification. It reports true once the
// run identified by runID has completed.
func renderMessage(msg messages.Message, runID string) bool {
	switch m := msg.(type) {
	case messages.Progress:
		if m.RunID != runID {
			return false
		}
		switch m.Status {
		case messages.StatusGenerating:
			pterm.Info.Printf("[%d/%d] Generating: %s\n", m.Current, m.Total, util.Truncate(m.Prompt, 70))
		case messages.StatusWaiting:
			pterm.Debug.Printf("[%d/%d] Waiting before the next prompt\n", m.Current, m.Total)
		}
	case messages.ItemDone:
		if m.RunID != runID {
			return false
		}
		if m.Success {
			pterm.Success.Printf("%d. %s\n", m.Index+1, util.Truncate(m.Prompt, 70))
		} else {
			pterm.Error.Printf("%d. %s: %s\n", m.Index+1, util.Truncate(m.Prompt, 60), m.Error)
		}
	case messages.Paused:
		if m.RunID != runID {
			return false
		}
		if m.IsScheduled && m.PauseEndTime != nil {
			pterm.Warning.Printf("Scheduled pause for %s min, resuming at %s (type /resume to continue now)\n",
				m.PauseMinutes, m.PauseEndTime.Local().Format("15:04:05"))
		} else {
			pterm.Warning.Println("Paused (type /resume to continue)")
		}
	case messages.Unpaused:
		if m.RunID == runID {
			pterm.Info.Println("Resumed")
		}
	case messages.Error:
		if m.RunID == runID {
			pterm.Error.Println(m.Message)
		}
	case messages.Complete:
		if m.RunID != runID {
			return false
		}
		printSummary(m)
		return true
	}
	return false
}

func printSummary(m messages.Complete) {
	pterm.Println()
	if m.Stopped {
		pterm.Warning.Println("Run stopped")
	} else {
		pterm.Success.Println("Run complete")
	}
	PrintTableNoPad(pterm.TableData{
		{"Run", "Succeeded", "Failed"},
		{m.RunID, strconv.Itoa(m.Success), strconv.Itoa(m.Failed)},
	}, true)
	if m.Failed > 0 {
		pterm.Info.Printf("Retry the failed prompts with `flowkit retry %s`\n", m.RunID)
	}
}
