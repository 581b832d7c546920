package cmd

import (
	"io"
	"os"
	"slices"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// completionShells maps a shell name to the cobra generator for it.
var completionShells = map[string]func(root *cobra.Command, w io.Writer) error{
	"bash": func(root *cobra.Command, w io.Writer) error { return root.GenBashCompletionV2(w, true) },
	"zsh":  func(root *cobra.Command, w io.Writer) error { return root.GenZshCompletion(w) },
	"fish": func(root *cobra.Command, w io.Writer) error { return root.GenFishCompletion(w, true) },
	"powershell": func(root *cobra.Command, w io.Writer) error {
		return root.GenPowerShellCompletionWithDesc(w)
	},
}

func completionShellNames() []string {
	names := lo.Keys(completionShells)
	slices.Sort(names)
	return names
}

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script",
	Long: `Print the completion script for bash, fish, powershell or zsh.

Load it for the current shell session:
  bash        source <(flowkit completion bash)
  zsh         source <(flowkit completion zsh)
  fish        flowkit completion fish | source
  powershell  flowkit completion powershell | Out-String | Invoke-Expression

To load it for every session, write the output to your shell's completion
directory, e.g. ~/.config/fish/completions/flowkit.fish. For zsh, make sure
compinit runs in ~/.zshrc.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             completionShellNames(),
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return completionShells[args[0]](cmd.Root(), os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
