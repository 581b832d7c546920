// Package cmd holds the flowkit command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/kernel/kernel-go-sdk"
	"github.com/kernel/kernel-go-sdk/option"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/settings"
	"github.com/kernel/flowkit/internal/store"
)

const (
	envAPIKey   = "KERNEL_API_KEY"
	envBaseURL  = "KERNEL_BASE_URL"
	envLogLevel = "FLOWKIT_LOG_LEVEL"
)

// logger is shared by every internal package a command wires up.
var logger = pterm.DefaultLogger.WithLevel(pterm.LogLevelInfo)

var logLevels = map[string]pterm.LogLevel{
	"trace": pterm.LogLevelTrace,
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

var rootCmd = &cobra.Command{
	Use:   "flowkit",
	Short: "Run batches of prompts through Google Flow",
	Long: `flowkit submits a list of prompts to Google Flow one at a time, waits for
each generated video or image, downloads it under a predictable name and
paces the run with delays and scheduled pauses.

The browser is either a local Chrome with a persistent profile or a Kernel
cloud browser (--kernel).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		if level == "" {
			level = os.Getenv(envLogLevel)
		}
		return setLogLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
}

// Execute loads .env and runs the command tree.
func Execute(ctx context.Context, version string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		pterm.Warning.Printf("Could not load .env: %v\n", err)
	}
	return fang.Execute(ctx, rootCmd, fang.WithVersion(version))
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	l, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	logger = logger.WithLevel(l)
	return nil
}

// statePaths resolves the flowkit state directory.
func statePaths() (settings.Paths, error) {
	home, err := settings.Home()
	if err != nil {
		return settings.Paths{}, err
	}
	return settings.PathsFor(home), nil
}

func loadSettings() (*settings.Settings, settings.Paths, error) {
	paths, err := statePaths()
	if err != nil {
		return nil, paths, err
	}
	s, err := settings.Load(paths.Settings)
	if err != nil {
		return nil, paths, err
	}
	return s, paths, nil
}

func openStore() (*store.Store, error) {
	paths, err := statePaths()
	if err != nil {
		return nil, err
	}
	return store.Open(paths.Database)
}

// kernelAPIKey prefers KERNEL_API_KEY over the key saved by `flowkit auth login`.
func kernelAPIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv(envAPIKey)); key != "" {
		return key, nil
	}
	key, err := loadAPIKey()
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("no Kernel API key: set %s or run `flowkit auth login`", envAPIKey)
	}
	return key, nil
}

func getKernelClient() (kernel.Client, error) {
	key, err := kernelAPIKey()
	if err != nil {
		return kernel.Client{}, err
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if u := strings.TrimSpace(os.Getenv(envBaseURL)); u != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(u, "/")))
	}
	return kernel.NewClient(opts...), nil
}
