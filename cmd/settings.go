package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/settings"
	"github.com/kernel/flowkit/pkg/util"
)

// SettingsCmd reads and edits the persisted run configuration.
type SettingsCmd struct {
	s *settings.Settings
}

type SettingsShowInput struct {
	Output string
}

type SettingsSetInput struct {
	// Pairs are key=value assignments.
	Pairs []string
}

type SettingsResetInput struct {
	SkipConfirm bool
}

func (c SettingsCmd) Show(ctx context.Context, in SettingsShowInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}
	all := c.s.All()
	if in.Output == "json" {
		return printJSON(all)
	}

	tableData := pterm.TableData{{"Setting", "Value"}}
	for _, key := range settings.Keys() {
		val := fmt.Sprint(all[key])
		if key == settings.KeyPrompts {
			val = ""
			if n := len(model.ParsePrompts(fmt.Sprint(all[key]))); n > 0 {
				val = fmt.Sprintf("%d prompt(s)", n)
			}
		}
		tableData = append(tableData, []string{key, util.OrDash(val)})
	}
	PrintTableNoPad(tableData, true)
	pterm.Info.Printf("Settings file: %s\n", c.s.Path())
	return nil
}

func (c SettingsCmd) Get(ctx context.Context, key string) error {
	val, err := c.s.GetString(key)
	if err != nil {
		return err
	}
	pterm.Println(val)
	return nil
}

func (c SettingsCmd) Set(ctx context.Context, in SettingsSetInput) error {
	if len(in.Pairs) == 0 {
		return fmt.Errorf("nothing to set: pass key=value")
	}
	for _, pair := range in.Pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid assignment %q: use key=value", pair)
		}
		if err := c.s.Set(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return err
		}
	}
	if err := c.s.Save(); err != nil {
		return err
	}
	pterm.Success.Printf("Saved %d setting(s)\n", len(in.Pairs))
	return nil
}

func (c SettingsCmd) Reset(ctx context.Context, in SettingsResetInput) error {
	if !in.SkipConfirm {
		ok, _ := pterm.DefaultInteractiveConfirm.Show("Reset every setting to its default?")
		if !ok {
			pterm.Info.Println("Reset cancelled")
			return nil
		}
	}
	if err := c.s.Reset(); err != nil {
		return err
	}
	pterm.Success.Println("Settings reset to defaults")
	return nil
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the saved run configuration",
	Long: `Settings are stored in settings.yaml under the flowkit home directory
($FLOWKIT_HOME or ~/.flowkit). Every key can also be overridden with an
environment variable, e.g. FLOWKIT_DELAYSECONDS=10.`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show every setting",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return settings.Keys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Change one or more settings",
	Example: `  flowkit settings set delaySeconds=10
  flowkit settings set generationMode=image imageResolution=2k`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSettingsSet,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the settings file and restore defaults",
	Args:  cobra.NoArgs,
	RunE:  runSettingsReset,
}

func init() {
	settingsShowCmd.Flags().StringP("output", "o", "", "Output format (json)")
	settingsResetCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsResetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func newSettingsCmd() (SettingsCmd, error) {
	s, _, err := loadSettings()
	if err != nil {
		return SettingsCmd{}, err
	}
	return SettingsCmd{s: s}, nil
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	c, err := newSettingsCmd()
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	return c.Show(cmd.Context(), SettingsShowInput{Output: output})
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	c, err := newSettingsCmd()
	if err != nil {
		return err
	}
	return c.Get(cmd.Context(), args[0])
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	c, err := newSettingsCmd()
	if err != nil {
		return err
	}
	return c.Set(cmd.Context(), SettingsSetInput{Pairs: args})
}

func runSettingsReset(cmd *cobra.Command, args []string) error {
	c, err := newSettingsCmd()
	if err != nil {
		return err
	}
	skip, _ := cmd.Flags().GetBool("yes")
	return c.Reset(cmd.Context(), SettingsResetInput{SkipConfirm: skip})
}
