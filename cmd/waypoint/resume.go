package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/engine"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/spf13/cobra"
)

var resumeDetach bool

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a checkpointed run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeDetach, "detach", false, "Ask the daemon to resume the run and return")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if resumeDetach {
		if err := apiPostJSON("/runs/"+runID+"/resume", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Resumed run: %s\n", runID)
		return nil
	}

	err := driveLocally(cmd.Context(), runID, func(ctx context.Context, c *engine.Controller) (*models.RunState, error) {
		return c.ResumeGoal(ctx, runID)
	})
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("no checkpoint for run %s", runID)
	}
	return err
}
