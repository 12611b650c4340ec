package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/state"
	"loom/internal/task"
	"loom/internal/worker"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		userID       string
		sessionID    string
		graphName    string
		usage        string
		continueFrom string
		docPaths     []string
	)
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Submit a goal and run it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := buildContainer(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			h, err := c.handlers()
			if err != nil {
				return err
			}

			files, err := loadDocuments(docPaths)
			if err != nil {
				return err
			}

			pool := worker.New(c.tasks, c.checkpoints, c.graphs, h, c.cfg.MaxWorkers)
			taskID, err := pool.Submit(ctx, worker.SubmitRequest{
				Goal:              strings.Join(args, " "),
				Usage:             usage,
				UserID:            userID,
				SessionID:         sessionID,
				GraphName:         graphName,
				ContinueFrom:      continueFrom,
				PreprocessedFiles: files,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", gray("task"), bold(taskID))

			// An interrupt cancels the task; the executor notices between
			// nodes and saves a resumable checkpoint.
			go func() {
				<-ctx.Done()
				_ = c.tasks.SetStatus(context.Background(), taskID, task.StatusCancelled)
			}()

			pool.Wait()
			return printResult(cmd.Context(), c, taskID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user id owning the task")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: new session)")
	cmd.Flags().StringVar(&graphName, "graph", "default", "graph to execute")
	cmd.Flags().StringVar(&usage, "usage", "", "usage tag folded into the goal")
	cmd.Flags().StringVar(&continueFrom, "continue-from", "", "task id whose state this task continues")
	cmd.Flags().StringSliceVar(&docPaths, "doc", nil, "document file to preload (repeatable)")
	return cmd
}

func loadDocuments(paths []string) (state.PreprocessedFiles, error) {
	var files state.PreprocessedFiles
	for _, p := range paths {
		content, name, err := readDocument(p)
		if err != nil {
			return files, err
		}
		if files.Documents == nil {
			files.Documents = make(map[string]any)
		}
		files.Documents[name] = content
	}
	return files, nil
}

func printResult(ctx context.Context, c *container, taskID string) error {
	rec, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", gray("status"), statusColor(string(rec.Status)))
	if rec.Error != "" {
		fmt.Printf("%s %s\n", gray("error"), red(rec.Error))
	}
	if len(rec.OutputData) == 0 {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal(rec.OutputData, &out); err != nil {
		return fmt.Errorf("decode output data: %w", err)
	}
	if title, _ := out["title"].(string); title != "" {
		fmt.Printf("\n%s\n", bold(title))
	}
	if conclusion, _ := out["final_conclusion"].(string); conclusion != "" {
		fmt.Printf("\n%s\n", conclusion)
	}
	if retries, ok := out["retry_history"].([]any); ok && len(retries) > 0 {
		fmt.Printf("\n%s %d\n", yellow("output-tool retries:"), len(retries))
	}
	return nil
}
