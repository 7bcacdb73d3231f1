package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/controlplane"
	"github.com/fentz26/waypoint/internal/engine"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start [goal]",
	Short: "Plan and run a goal",
	Long: `Plans the goal and drives it to completion in this process. Ctrl-C stops
the run after the current round and leaves a resumable checkpoint.

With --detach the goal is submitted to the daemon instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var (
	startRunID          string
	startMaxIterations  int
	startMaxParallel    int
	startStepTimeout    time.Duration
	startMaxStepAttempt int
	startDetach         bool
)

func init() {
	startCmd.Flags().StringVar(&startRunID, "run-id", "", "Run id (default: generated)")
	startCmd.Flags().IntVar(&startMaxIterations, "max-iterations", 0, "Evaluator passes before the run fails (default from config)")
	startCmd.Flags().IntVar(&startMaxParallel, "max-parallel", 0, "Steps executed concurrently per round (default from config)")
	startCmd.Flags().DurationVar(&startStepTimeout, "step-timeout", 0, "Deadline for a single step (default from config)")
	startCmd.Flags().IntVar(&startMaxStepAttempt, "max-step-attempts", 0, "Attempts per step within a round (default from config)")
	startCmd.Flags().BoolVar(&startDetach, "detach", false, "Submit the goal to the daemon and return")
}

func goalConfigFromFlags() models.GoalConfig {
	gc := cfg.Engine.GoalConfig()
	if startMaxIterations > 0 {
		gc.MaxIterations = startMaxIterations
	}
	if startMaxParallel > 0 {
		gc.MaxParallel = startMaxParallel
	}
	if startStepTimeout > 0 {
		gc.StepTimeout = startStepTimeout
	}
	if startMaxStepAttempt > 0 {
		gc.MaxStepAttempts = startMaxStepAttempt
	}
	return gc
}

func runStart(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")
	gc := goalConfigFromFlags()

	if startDetach {
		req := controlplane.StartRunRequest{
			Goal:            goal,
			RunID:           startRunID,
			MaxIterations:   gc.MaxIterations,
			MaxParallel:     gc.MaxParallel,
			StepTimeout:     gc.StepTimeout.String(),
			MaxStepAttempts: gc.MaxStepAttempts,
		}
		var resp controlplane.StartRunResponse
		if err := apiPostJSON("/runs", req, &resp); err != nil {
			return err
		}
		fmt.Printf("Started run: %s\n", resp.RunID)
		return nil
	}

	runID := startRunID
	if runID == "" {
		runID = uuid.New().String()
	}
	return driveLocally(cmd.Context(), runID, func(ctx context.Context, c *engine.Controller) (*models.RunState, error) {
		return c.StartGoal(ctx, goal, gc, runID)
	})
}

// driveLocally runs fn under the run lock with Ctrl-C wired to cancellation,
// then prints the final state.
func driveLocally(parent context.Context, runID string, fn func(context.Context, *engine.Controller) (*models.RunState, error)) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	controller, err := newController(cfg, s, logger)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)

	hostname, _ := os.Hostname()
	release, err := s.HoldRunLock(ctx, runID, fmt.Sprintf("cli@%s", hostname), controlplane.DefaultLockTTL, abandon)
	if errors.Is(err, store.ErrRunLocked) {
		return fmt.Errorf("run %s is being driven by another process", runID)
	}
	if err != nil {
		return err
	}
	defer release()

	state, err := fn(ctx, controller)
	if state != nil {
		printRunState(os.Stdout, state)
	}
	if errors.Is(err, checkpoint.ErrSuperseded) {
		return fmt.Errorf("run %s was taken over by another process: %w", runID, err)
	}
	if errors.Is(err, engine.ErrCancelled) {
		fmt.Printf("\nRun interrupted. Resume with: waypoint resume %s\n", runID)
		return nil
	}
	if err != nil {
		return err
	}
	if state != nil && state.Status == models.RunFailed {
		return fmt.Errorf("run %s failed", runID)
	}
	return nil
}
