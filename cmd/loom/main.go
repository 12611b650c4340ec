// Command loom drives the agent workflow engine from the terminal:
// submit a goal, resume an interrupted task, inspect audit steps and
// list registered graphs.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type rootFlags struct {
	configPath  string
	baseDir     string
	databaseURL string
	graphDir    string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Graph-driven agent workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: environment only)")
	cmd.PersistentFlags().StringVar(&flags.baseDir, "base-dir", "", "checkpoint base directory (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.databaseURL, "database-url", "", "Postgres URL for the task store (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.graphDir, "graph-dir", "", "directory of extra graph YAML definitions")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newRunCmd(flags),
		newResumeCmd(flags),
		newStepsCmd(flags),
		newGraphsCmd(flags),
	)
	return cmd
}

func statusColor(status string) string {
	switch status {
	case "COMPLETED":
		return green(status)
	case "FAILED":
		return red(status)
	case "CANCELLED":
		return yellow(status)
	case "RUNNING":
		return cyan(status)
	default:
		return gray(status)
	}
}
