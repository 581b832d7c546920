package cmd

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/pkg/util"
)

// PrintTableNoPad renders a left-aligned table.
func PrintTableNoPad(data pterm.TableData, hasHeader bool) {
	_ = pterm.DefaultTable.WithHasHeader(hasHeader).WithLeftAlignment().WithData(data).Render()
}

func printJSON(v any) error {
	return util.PrintPrettyJSON(os.Stdout, v)
}

func printJSONSlice[T any](items []T) error {
	return util.PrintPrettyJSONSlice(os.Stdout, items)
}
