package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"loom/internal/workflow"
)

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume an interrupted task from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildContainer(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			h, err := c.handlers()
			if err != nil {
				return err
			}

			taskID := args[0]
			rec, err := c.tasks.Get(ctx, taskID)
			if err != nil {
				return err
			}
			g, err := c.graphs.Get(rec.GraphName)
			if err != nil {
				return err
			}
			ex, err := workflow.NewExecutor(g, h, c.checkpoints, c.tasks)
			if err != nil {
				return err
			}

			fmt.Printf("%s %s (%s)\n", gray("resuming"), bold(taskID), statusColor(string(rec.Status)))
			if err := ex.Run(ctx, taskID); err != nil {
				return err
			}
			return printResult(ctx, c, taskID)
		},
	}
}

func newStepsCmd(flags *rootFlags) *cobra.Command {
	var showDetails bool
	cmd := &cobra.Command{
		Use:   "steps <task-id>",
		Short: "List the audit steps recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildContainer(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			steps, err := c.tasks.Steps(ctx, args[0])
			if err != nil {
				return err
			}
			if len(steps) == 0 {
				fmt.Println(gray("no audit rows recorded"))
				if c.cfg.DatabaseURL == "" {
					fmt.Println(gray("(no database configured; audit rows do not survive the submitting process)"))
				}
				return nil
			}
			for _, s := range steps {
				fmt.Printf("%s %s", gray(fmt.Sprintf("%3d", s.StepOrder)), cyan(string(s.LogType)))
				if name, ok := s.Details["tool_name"].(string); ok && name != "" {
					fmt.Printf(" %s", bold(name))
				}
				fmt.Println()
				if showDetails && len(s.Details) > 0 {
					raw, err := json.MarshalIndent(s.Details, "    ", "  ")
					if err == nil {
						fmt.Printf("    %s\n", gray(string(raw)))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showDetails, "details", false, "print the full detail payload per step")
	return cmd
}

func newGraphsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "graphs",
		Short: "List registered graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, name := range c.graphs.Names() {
				g, err := c.graphs.Get(name)
				if err != nil {
					continue
				}
				fmt.Printf("%s %s\n", bold(name), gray(fmt.Sprintf("(%d nodes, %d edges)", len(g.Nodes), len(g.Edges))))
			}
			return nil
		},
	}
}

func readDocument(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read document: %w", err)
	}
	return string(raw), filepath.Base(path), nil
}
