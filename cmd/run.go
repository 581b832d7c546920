package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	openbrowser "github.com/pkg/browser"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/agent"
	"github.com/kernel/flowkit/internal/browser"
	"github.com/kernel/flowkit/internal/downloads"
	"github.com/kernel/flowkit/internal/messages"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page"
	"github.com/kernel/flowkit/internal/runner"
	"github.com/kernel/flowkit/internal/settings"
)

// downloadDrain bounds how long a finished run waits for files still being
// moved into place.
const downloadDrain = 30 * time.Second

// BrowserInput selects and configures the browser a run drives.
type BrowserInput struct {
	Kernel        bool
	Headless      bool
	Stealth       bool
	Viewport      string
	KernelTimeout int64
	ChromePath    string
	Cookies       bool
	Open          bool
}

// RunInput contains everything one batch needs.
type RunInput struct {
	Config    model.RunConfig
	OutputDir string
	Grace     time.Duration
	Browser   BrowserInput
	// Interactive enables the /pause, /resume, /stop commands on stdin.
	Interactive bool
	Paths       settings.Paths
}

// runFlagKeys binds run flags to the settings they override.
var runFlagKeys = map[string]string{
	settings.KeyGenerationMode:        "mode",
	settings.KeyAspectRatio:           "aspect",
	settings.KeyRandomizeAspectRatio:  "random-aspect",
	settings.KeyImageResolution:       "resolution",
	settings.KeyDoUpscale:             "upscale",
	settings.KeyDelaySeconds:          "delay",
	settings.KeyGenerationTimeout:     "timeout",
	settings.KeySubfolder:             "subfolder",
	settings.KeySavePromptTxt:         "save-prompt",
	settings.KeyScheduledPauseEnabled: "pause",
	settings.KeyPauseEveryN:           "pause-every",
	settings.KeyPauseMinMinutes:       "pause-min",
	settings.KeyPauseMaxMinutes:       "pause-max",
	settings.KeyOutputDir:             "output-dir",
}

var runCmd = &cobra.Command{
	Use:   "run [prompts-file]",
	Short: "Generate media for a list of prompts",
	Long: `Submit prompts to Google Flow one at a time and download each result.

Prompts are read one per line from the given file, from stdin when the file
is "-", or from the saved "prompts" setting. Flags override saved settings
for this run only.

While the run is going, type /pause, /resume, /stop, /status or /help.
Ctrl-C stops after the current prompt.`,
	Example: `  # Run the prompts in prompts.txt with a local Chrome
  flowkit run prompts.txt

  # Images at 2K in a Kernel cloud browser, watching the live view
  flowkit run prompts.txt --mode image --resolution 2k --kernel --open

  # Take a 2-5 minute break after every 10 prompts
  flowkit run prompts.txt --pause --pause-every 10 --pause-min 2 --pause-max 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var retryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Run the failed prompts of an earlier run again",
	Long: `Start a new run with the prompts that failed in the given run, using that
run's configuration and subfolder.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func addBrowserFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("kernel", false, "Use a Kernel cloud browser instead of local Chrome")
	cmd.Flags().Bool("headless", false, "Run the browser without a window")
	cmd.Flags().Bool("stealth", false, "Launch the Kernel browser in stealth mode")
	cmd.Flags().String("viewport", "", "Browser viewport as WIDTHxHEIGHT[@RATE], e.g. 1920x1080@25")
	cmd.Flags().Int64("kernel-timeout", 0, "Kernel browser inactivity timeout in seconds")
	cmd.Flags().String("chrome-path", "", "Path to the local Chrome binary")
	cmd.Flags().Bool("cookies", false, "Import Google cookies from local browsers before opening Flow")
	cmd.Flags().Bool("open", false, "Open the Kernel live view in your browser")
	cmd.Flags().Duration("grace", 0, "Wait this long for a download to be registered before guessing its name")
}

func init() {
	runCmd.Flags().String("mode", "", "Generation mode (video, image)")
	runCmd.Flags().String("aspect", "", "Aspect ratio (16:9, 9:16)")
	runCmd.Flags().Bool("random-aspect", false, "Pick a random aspect ratio for each prompt")
	runCmd.Flags().String("resolution", "", "Image download resolution (1k, 2k, 4k)")
	runCmd.Flags().Bool("upscale", false, "Download upscaled 1080p videos")
	runCmd.Flags().Int("delay", 0, "Seconds to wait between prompts")
	runCmd.Flags().Int("timeout", 0, "Seconds to wait for each generation")
	runCmd.Flags().String("subfolder", "", "Subfolder of the output directory for this run")
	runCmd.Flags().Bool("save-prompt", false, "Save each prompt to a .txt file next to its media")
	runCmd.Flags().Bool("pause", false, "Take scheduled pauses")
	runCmd.Flags().Bool("no-pause", false, "Disable scheduled pauses")
	runCmd.Flags().Int("pause-every", 0, "Pause after this many prompts")
	runCmd.Flags().Int("pause-min", 0, "Shortest scheduled pause in minutes")
	runCmd.Flags().Int("pause-max", 0, "Longest scheduled pause in minutes")
	runCmd.Flags().String("output-dir", "", "Directory downloads are placed in (default ~/Downloads)")
	addBrowserFlags(runCmd)
	addBrowserFlags(retryCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(retryCmd)
}

func browserInput(cmd *cobra.Command) BrowserInput {
	in := BrowserInput{}
	in.Kernel, _ = cmd.Flags().GetBool("kernel")
	in.Headless, _ = cmd.Flags().GetBool("headless")
	in.Stealth, _ = cmd.Flags().GetBool("stealth")
	in.Viewport, _ = cmd.Flags().GetString("viewport")
	in.KernelTimeout, _ = cmd.Flags().GetInt64("kernel-timeout")
	in.ChromePath, _ = cmd.Flags().GetString("chrome-path")
	in.Cookies, _ = cmd.Flags().GetBool("cookies")
	in.Open, _ = cmd.Flags().GetBool("open")
	return in
}

// readPrompts loads prompts from path, or from r when path is "-".
func readPrompts(path string, r io.Reader) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(r)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts: %w", err)
	}
	return model.ParsePrompts(string(data)), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	s, paths, err := loadSettings()
	if err != nil {
		return err
	}
	for key, name := range runFlagKeys {
		if err := s.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg := s.ToRunConfig(time.Now())
	interactive := true
	if len(args) == 1 {
		prompts, err := readPrompts(args[0], os.Stdin)
		if err != nil {
			return err
		}
		cfg.Prompts = prompts
		interactive = args[0] != "-"
	}
	if noPause, _ := cmd.Flags().GetBool("no-pause"); noPause {
		cfg.ScheduledPause.Enabled = false
	}

	outputDir, err := s.OutputDir()
	if err != nil {
		return err
	}
	grace, _ := cmd.Flags().GetDuration("grace")
	return executeRun(cmd.Context(), RunInput{
		Config:      cfg,
		OutputDir:   outputDir,
		Grace:       grace,
		Browser:     browserInput(cmd),
		Interactive: interactive,
		Paths:       paths,
	})
}

func runRetry(cmd *cobra.Command, args []string) error {
	s, paths, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	run, err := st.GetRun(cmd.Context(), args[0])
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to load run %s: %w", args[0], err)
	}
	failed, err := st.Failures(cmd.Context(), run.ID)
	st.Close()
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}
	if len(failed) == 0 {
		pterm.Success.Printf("Run %s has no failed prompts\n", run.ID)
		return nil
	}

	cfg, err := run.Config.RetryConfig(lo.Map(failed, func(f model.FailedItem, _ int) string { return f.Prompt }))
	if err != nil {
		return fmt.Errorf("cannot retry run %s: %w", run.ID, err)
	}
	pterm.Info.Printf("Retrying %d failed prompt(s) of run %s (attempt %d of %d)\n", len(failed), run.ID, cfg.Attempt, cfg.MaxRetries)

	outputDir, err := s.OutputDir()
	if err != nil {
		return err
	}
	grace, _ := cmd.Flags().GetDuration("grace")
	return executeRun(cmd.Context(), RunInput{
		Config:      cfg,
		OutputDir:   outputDir,
		Grace:       grace,
		Browser:     browserInput(cmd),
		Interactive: true,
		Paths:       paths,
	})
}

func openSession(ctx context.Context, in RunInput) (*browser.Session, error) {
	b := in.Browser
	if b.Kernel {
		client, err := getKernelClient()
		if err != nil {
			return nil, err
		}
		pterm.Info.Println("Creating Kernel browser...")
		return browser.Kernel(ctx, client, browser.KernelOptions{
			TimeoutSeconds: b.KernelTimeout,
			Stealth:        b.Stealth,
			Headless:       b.Headless,
			Viewport:       b.Viewport,
			Logger:         logger,
		})
	}

	opts := browser.LocalOptions{
		ProfileDir: in.Paths.Profile,
		Headless:   b.Headless,
		ExecPath:   b.ChromePath,
	}
	if b.Viewport != "" {
		w, h, _, err := browser.ParseViewport(b.Viewport)
		if err != nil {
			return nil, fmt.Errorf("invalid viewport: %w", err)
		}
		opts.Width, opts.Height = w, h
	}
	pterm.Info.Println("Starting Chrome...")
	return browser.Local(ctx, opts)
}

func executeRun(ctx context.Context, in RunInput) error {
	cfg := in.Config.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The browser outlives Ctrl-C so the current prompt can finish and its
	// download can land.
	sess, err := openSession(context.WithoutCancel(ctx), in)
	if err != nil {
		return err
	}
	defer sess.Close()

	if sess.LiveViewURL != "" {
		pterm.Info.Printf("Live view: %s\n", sess.LiveViewURL)
		if in.Browser.Open {
			if err := openbrowser.OpenURL(sess.LiveViewURL); err != nil {
				pterm.Warning.Printf("Could not open live view: %v\n", err)
			}
		}
	}
	if in.Browser.Cookies {
		n, err := browser.ImportCookies(ctx, sess)
		if err != nil {
			pterm.Warning.Printf("Could not import cookies: %v\n", err)
		} else {
			pterm.Info.Printf("Imported %d Google cookie(s)\n", n)
		}
	}
	if err := browser.Navigate(ctx, sess, browser.FlowURL); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	r := runner.New(page.NewCDP(sess.Tab), runner.Options{
		OutputDir:  in.OutputDir,
		StagingDir: filepath.Join(in.Paths.Staging, time.Now().Format("20060102-150405")),
		Grace:      in.Grace,
		Recorder:   st,
		Logger:     logger,
		OnPlaced: func(p downloads.Placed) {
			pterm.Info.Printf("Saved %s\n", p.Path)
		},
	})
	defer r.Close(downloadDrain)

	if cfg.AutoDownload {
		if err := r.AttachDownloads(sess.Tab); err != nil {
			return err
		}
	} else {
		pterm.Warning.Println("autoDownload is off: files keep the names the browser gives them")
	}
	if err := r.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare Flow page: %w", err)
	}

	sub, unsubscribe := r.Bus.Subscribe(256)
	defer unsubscribe()

	runID, err := r.Coordinator.Start(cfg)
	if err != nil {
		return err
	}
	pterm.Info.Printf("Run %s: %d prompt(s), output %s\n", runID, len(cfg.Prompts), filepath.Join(in.OutputDir, cfg.Subfolder))

	if in.Interactive {
		pterm.Info.Println("Type /help for run commands")
		go readControls(os.Stdin, r.Coordinator)
	}

	// Notifications are best effort, so completion is also checked directly.
	check := time.NewTicker(5 * time.Second)
	defer check.Stop()

	stopped := false
loop:
	for {
		select {
		case <-check.C:
			snap, err := r.Coordinator.Snapshot()
			if err != nil {
				return err
			}
			if snap.RunID != runID || !snap.IsProcessing {
				printSummary(messages.Complete{RunID: runID, Success: snap.SuccessCount, Failed: snap.FailCount, Stopped: stopped})
				break loop
			}
		case <-ctx.Done():
			if !stopped {
				stopped = true
				pterm.Warning.Println("Interrupted, stopping after the current prompt...")
				if err := r.Coordinator.Stop(); err != nil {
					return err
				}
			}
			ctx = context.WithoutCancel(ctx)
		case msg := <-sub:
			if renderMessage(msg, runID) {
				break loop
			}
		}
	}
	return finishInFlight(ctx, r.Agent, agent.FlowBudget(cfg.GenerationTimeout))
}

// Waiter is satisfied by the page agent.
type Waiter interface {
	Wait(ctx context.Context) error
}

// finishInFlight lets a prompt that was still running when the run stopped
// reach its end, so the page is not torn down under it.
func finishInFlight(ctx context.Context, w Waiter, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Wait(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
	case <-time.After(time.Second):
		pterm.Info.Println("Waiting for the current prompt to finish...")
		if err := <-done; err == nil {
			return nil
		}
	}
	pterm.Warning.Printf("Gave up on the current prompt after %s\n", budget)
	return nil
}

// readControls feeds stdin lines to handleControl until stdin closes.
func readControls(r io.Reader, ctrl Controller) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		handled, err := handleControl(ctrl, input)
		if err != nil {
			pterm.Error.Println(err.Error())
			continue
		}
		if !handled {
			pterm.Warning.Printf("Unknown command %q, type /help\n", input)
		}
	}
}
