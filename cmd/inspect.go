package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/driver"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page/htmlpage"
	"github.com/kernel/flowkit/internal/poll"
	"github.com/kernel/flowkit/pkg/util"
)

// InspectReport is what the driver finds on a saved Flow page.
type InspectReport struct {
	PromptInput    bool               `json:"promptInput"`
	GenerateButton bool               `json:"generateButton"`
	Cards          []model.ResultCard `json:"cards"`
	ReadyCount     int                `json:"readyCount"`
}

type InspectInput struct {
	Path   string
	Prompt string
	Mode   model.Mode
	Output string
}

// InspectCmd runs the page driver against a saved snapshot.
type InspectCmd struct{}

func (c InspectCmd) Inspect(ctx context.Context, in InspectInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	report, err := inspectPage(ctx, f, in.Prompt, in.Mode)
	if err != nil {
		return err
	}

	if in.Output == "json" {
		return printJSON(report)
	}

	check := func(ok bool) string {
		if ok {
			return pterm.Green("found")
		}
		return pterm.Red("missing")
	}
	PrintTableNoPad(pterm.TableData{
		{"Element", "Status"},
		{"Prompt input", check(report.PromptInput)},
		{"Generate button", check(report.GenerateButton)},
	}, true)

	if in.Prompt == "" {
		return nil
	}
	if len(report.Cards) == 0 {
		pterm.Warning.Printf("No %s cards match %q\n", in.Mode, util.Truncate(in.Prompt, 60))
		return nil
	}
	tableData := pterm.TableData{{"Marker", "Ready", "Prompt", "Media"}}
	for _, card := range report.Cards {
		tableData = append(tableData, []string{
			strconv.Itoa(card.Marker),
			strconv.FormatBool(card.Ready),
			util.Truncate(card.PromptText, 40),
			util.Truncate(card.MediaURL, 60),
		})
	}
	PrintTableNoPad(tableData, true)
	pterm.Info.Printf("%d of %d matching card(s) ready\n", report.ReadyCount, len(report.Cards))
	return nil
}

// inspectPage parses html and probes it the way a run would. The snapshot is
// only changed in memory.
func inspectPage(ctx context.Context, r io.Reader, prompt string, mode model.Mode) (*InspectReport, error) {
	p, err := htmlpage.Parse(r)
	if err != nil {
		return nil, err
	}
	d := driver.New(p, driver.Options{
		Clock:  poll.NewStepClock(time.Now()),
		Logger: logger,
	})

	report := &InspectReport{}
	if report.PromptInput, err = d.FillPrompt(ctx, prompt); err != nil {
		return nil, err
	}
	if report.GenerateButton, err = d.Submit(ctx); err != nil {
		return nil, err
	}
	if prompt == "" {
		return report, nil
	}
	if report.Cards, err = d.Cards(ctx, prompt, mode); err != nil {
		return nil, err
	}
	for _, c := range report.Cards {
		if c.Ready {
			report.ReadyCount++
		}
	}
	return report, nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot.html>",
	Short: "Check how flowkit reads a saved Flow page",
	Long: `Run the page driver against an HTML snapshot of Flow (saved with the
browser's "Save page as") and report which controls and result cards it finds.
Useful when Flow changes its markup or shows labels in another language.`,
	Example: `  flowkit inspect flow.html --prompt "a cat on a skateboard"
  flowkit inspect flow.html --prompt "a red fox" --mode image -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().String("prompt", "", "Prompt whose result cards to look for")
	inspectCmd.Flags().String("mode", string(model.ModeVideo), "Generation mode (video, image)")
	inspectCmd.Flags().StringP("output", "o", "", "Output format (json)")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	mode, _ := cmd.Flags().GetString("mode")
	output, _ := cmd.Flags().GetString("output")
	return InspectCmd{}.Inspect(cmd.Context(), InspectInput{
		Path:   args[0],
		Prompt: prompt,
		Mode:   model.Mode(mode),
		Output: output,
	})
}
