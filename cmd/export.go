package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/store"
	"github.com/kernel/flowkit/pkg/util"
)

// ExportCmd archives the output folder of a run.
type ExportCmd struct {
	runs      RunsService
	outputDir string
}

type ExportInput struct {
	ID        string
	Dest      string
	MediaOnly bool
	Verbose   bool
}

func (c ExportCmd) Export(ctx context.Context, in ExportInput) error {
	run, err := c.runs.GetRun(ctx, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run %s not found", in.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	src := filepath.Join(c.outputDir, filepath.FromSlash(run.Subfolder))
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("output folder of run %s: %w", run.ID, err)
	}
	dest := in.Dest
	if dest == "" {
		dest = filepath.Base(src) + ".zip"
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Zipping %s...", src))
	stats, err := util.ZipOutputDirectory(src, dest, &util.ZipOptions{MediaOnly: in.MediaOnly, Verbose: in.Verbose})
	if err != nil {
		if spinner != nil {
			spinner.Fail("Export failed")
		}
		return fmt.Errorf("failed to export run: %w", err)
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("Wrote %s", dest))
	}

	pterm.Info.Printf("%d file(s), %s\n", stats.FilesIncluded, util.FormatBytes(stats.BytesIncluded))
	if stats.FilesExcluded > 0 {
		pterm.Info.Printf("Skipped %d file(s), %s\n", stats.FilesExcluded, util.FormatBytes(stats.BytesExcluded))
		for _, p := range stats.ExcludedPaths {
			pterm.Println("  " + p)
		}
	}
	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Zip the output folder of a run",
	Example: `  flowkit export 3f1c... -o cats.zip
  flowkit export 3f1c... --media-only`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Zip file to write (default <subfolder>.zip)")
	exportCmd.Flags().Bool("media-only", false, "Leave out prompt text files")
	exportCmd.Flags().BoolP("verbose", "v", false, "List skipped files")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	s, _, err := loadSettings()
	if err != nil {
		return err
	}
	outputDir, err := s.OutputDir()
	if err != nil {
		return err
	}
	dest, _ := cmd.Flags().GetString("output")
	mediaOnly, _ := cmd.Flags().GetBool("media-only")
	verbose, _ := cmd.Flags().GetBool("verbose")

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	c := ExportCmd{runs: st, outputDir: outputDir}
	return c.Export(cmd.Context(), ExportInput{
		ID:        args[0],
		Dest:      dest,
		MediaOnly: mediaOnly,
		Verbose:   verbose,
	})
}
