package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/store"
	"github.com/kernel/flowkit/pkg/util"
)

// RunsService is the subset of the run store the read-only commands use.
type RunsService interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	LatestRun(ctx context.Context) (*store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*store.Run, error)
	Failures(ctx context.Context, runID string) ([]model.FailedItem, error)
}

// RunsCmd reports persisted runs independent of cobra.
type RunsCmd struct {
	runs RunsService
	now  func() time.Time
}

type StatusInput struct {
	ID     string
	Output string
}

type HistoryInput struct {
	Limit  int
	Output string
}

type FailuresInput struct {
	ID     string
	Output string
}

// statusDisplay maps run statuses to their label and badge color.
var statusDisplay = map[store.Status]struct {
	label string
	color string
}{
	store.StatusRunning:  {label: "Running", color: "#1FA382"},
	store.StatusPaused:   {label: "Paused", color: "#F59E0B"},
	store.StatusComplete: {label: "Complete", color: "#2463EB"},
	store.StatusStopped:  {label: "Stopped", color: "#808080"},
	store.StatusStale:    {label: "Stale", color: "#EF4444"},
}

func statusBadge(status store.Status) string {
	d, ok := statusDisplay[status]
	if !ok {
		d.label, d.color = string(status), "#808080"
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(d.color)).Render("● " + d.label)
}

func (c RunsCmd) Status(ctx context.Context, in StatusInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}

	var (
		run *store.Run
		err error
	)
	if in.ID != "" {
		run, err = c.runs.GetRun(ctx, in.ID)
	} else {
		run, err = c.runs.LatestRun(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		if in.Output == "json" {
			return printJSON(nil)
		}
		if in.ID != "" {
			return fmt.Errorf("run %s not found", in.ID)
		}
		pterm.Info.Println("No runs recorded yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	if in.Output == "json" {
		return printJSON(run)
	}

	pterm.Println()
	pterm.Println("  Run " + pterm.Bold.Sprint(run.ID) + "  " + statusBadge(run.Status))
	pterm.Println()

	done := run.SuccessCount + run.FailCount
	tableData := pterm.TableData{
		{"Property", "Value"},
		{"Progress", util.FormatProgress(done, run.Total)},
		{"Succeeded", strconv.Itoa(run.SuccessCount)},
		{"Failed", strconv.Itoa(run.FailCount)},
		{"Mode", string(run.Config.Mode)},
		{"Subfolder", util.OrDash(run.Subfolder)},
		{"Started", util.TimeOrDash(&run.StartedAt)},
		{"Last Update", util.TimeOrDash(&run.UpdatedAt)},
	}
	if !run.Finished() && run.CurrentPrompt != "" {
		tableData = append(tableData, []string{"Current Prompt", fmt.Sprintf("%d. %s", run.CurrentIndex+1, util.Truncate(run.CurrentPrompt, 60))})
	}
	if run.IsPaused && run.PauseEndTime != nil {
		tableData = append(tableData, []string{"Resumes In", util.FormatRemaining(*run.PauseEndTime, c.now())})
	}
	if run.CompletedAt != nil {
		tableData = append(tableData, []string{"Completed", util.TimeOrDash(run.CompletedAt)})
	}
	PrintTableNoPad(tableData, true)

	if run.Status == store.StatusStale {
		pterm.Warning.Println("No heartbeat for over a minute; the process running this batch probably exited")
	}
	if run.FailCount > 0 {
		pterm.Info.Printf("Run `flowkit failures %s` to list failed prompts\n", run.ID)
	}
	return nil
}

func (c RunsCmd) History(ctx context.Context, in HistoryInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}

	runs, err := c.runs.ListRuns(ctx, in.Limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if in.Output == "json" {
		return printJSONSlice(runs)
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs recorded yet")
		return nil
	}

	tableData := pterm.TableData{{"ID", "Status", "Progress", "Failed", "Subfolder", "Started"}}
	for _, r := range runs {
		tableData = append(tableData, []string{
			r.ID,
			statusBadge(r.Status),
			util.FormatProgress(r.SuccessCount+r.FailCount, r.Total),
			strconv.Itoa(r.FailCount),
			util.OrDash(r.Subfolder),
			util.TimeOrDash(&r.StartedAt),
		})
	}
	PrintTableNoPad(tableData, true)
	return nil
}

func (c RunsCmd) Failures(ctx context.Context, in FailuresInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}
	if _, err := c.runs.GetRun(ctx, in.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("run %s not found", in.ID)
		}
		return fmt.Errorf("failed to load run: %w", err)
	}

	items, err := c.runs.Failures(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}
	if in.Output == "json" {
		return printJSONSlice(items)
	}
	if len(items) == 0 {
		pterm.Success.Println("No failed prompts")
		return nil
	}

	tableData := pterm.TableData{{"#", "Prompt", "Error"}}
	for _, it := range items {
		tableData = append(tableData, []string{
			strconv.Itoa(it.Index + 1),
			util.Truncate(it.Prompt, 60),
			it.Error,
		})
	}
	PrintTableNoPad(tableData, true)
	pterm.Info.Printf("Retry them with `flowkit retry %s`\n", in.ID)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the progress of the latest or a given run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var failuresCmd = &cobra.Command{
	Use:   "failures <run-id>",
	Short: "List the prompts of a run that did not produce a download",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailures,
}

func init() {
	statusCmd.Flags().StringP("output", "o", "", "Output format (json)")
	historyCmd.Flags().StringP("output", "o", "", "Output format (json)")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to show (0 for all)")
	failuresCmd.Flags().StringP("output", "o", "", "Output format (json)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(failuresCmd)
}

// withRuns opens the store for the duration of fn.
func withRuns(fn func(c RunsCmd) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(RunsCmd{runs: st, now: time.Now})
}

func runStatus(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	in := StatusInput{Output: output}
	if len(args) == 1 {
		in.ID = args[0]
	}
	return withRuns(func(c RunsCmd) error {
		return c.Status(cmd.Context(), in)
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	limit, _ := cmd.Flags().GetInt("limit")
	return withRuns(func(c RunsCmd) error {
		return c.History(cmd.Context(), HistoryInput{Limit: limit, Output: output})
	})
}

func runFailures(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	return withRuns(func(c RunsCmd) error {
		return c.Failures(cmd.Context(), FailuresInput{ID: args[0], Output: output})
	})
}
