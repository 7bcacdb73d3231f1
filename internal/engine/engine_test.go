package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fentz26/waypoint/internal/audit"
	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/checkpoint/inmem"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/fentz26/waypoint/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decisionLog struct {
	mu        sync.Mutex
	decisions []recorded
}

type recorded struct {
	action  string
	inputs  interface{}
	outcome string
}

func (l *decisionLog) Record(_ context.Context, _ string, action string, inputs interface{}, outcome, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, recorded{action: action, inputs: inputs, outcome: outcome})
	return nil
}

func (l *decisionLog) byAction(action string) []recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []recorded
	for _, d := range l.decisions {
		if d.action == action {
			out = append(out, d)
		}
	}
	return out
}

func staticPlanner(steps ...oracle.RawStep) oracle.Planner {
	return oracle.PlannerFunc(func(ctx context.Context, _, _ string) ([]oracle.RawStep, error) {
		return steps, nil
	})
}

func okExecutor() oracle.Executor {
	return oracle.ExecutorFunc(func(ctx context.Context, instruction, _ string) (oracle.ExecResult, error) {
		return oracle.ExecResult{Success: true, Text: "did " + instruction}, nil
	})
}

func continueEvaluator() oracle.Evaluator {
	return oracle.EvaluatorFunc(func(ctx context.Context, _ string, _ []oracle.StepSummary) (oracle.Verdict, error) {
		return oracle.Verdict{ShouldContinue: true}, nil
	})
}

func testConfig() models.GoalConfig {
	return models.GoalConfig{MaxIterations: 10, MaxParallel: 2, StepTimeout: time.Second, MaxStepAttempts: 1}
}

func TestStartGoal_ThreeIndependentSteps(t *testing.T) {
	log := &decisionLog{}
	store := inmem.New()
	c := New(Oracles{
		Planner: staticPlanner(
			oracle.RawStep{Name: "one", Instruction: "one"},
			oracle.RawStep{Name: "two", Instruction: "two"},
			oracle.RawStep{Name: "three", Instruction: "three"},
		),
		Executor:  okExecutor(),
		Evaluator: continueEvaluator(),
	}, store, WithRecorder(log))

	st, err := c.StartGoal(context.Background(), "count to three", testConfig(), "run-3")
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, st.Status)
	assert.Equal(t, 2, st.IterationCount)
	assert.Contains(t, st.FinalOutcome, "Completed 3 of 3 steps")
	for _, name := range []string{"one", "two", "three"} {
		assert.Contains(t, st.FinalOutcome, "- "+name+": did "+name)
	}

	rounds := log.byAction(audit.ActionRoundDispatch)
	require.Len(t, rounds, 2)
	assert.Len(t, rounds[0].inputs, 2)
	assert.Len(t, rounds[1].inputs, 1)

	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, saved.Status)
	require.Len(t, saved.PreviousRuns(), 1)
	assert.Equal(t, 3, saved.PreviousRuns()[0].StepCount)
}

func TestStartGoal_StepTimeoutDoesNotStopViableSteps(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	exec := oracle.ExecutorFunc(func(ctx context.Context, instruction, _ string) (oracle.ExecResult, error) {
		if instruction == "hang" {
			<-release
		}
		return oracle.ExecResult{Success: true, Text: instruction + " ok"}, nil
	})
	cfg := testConfig()
	cfg.StepTimeout = 50 * time.Millisecond

	c := New(Oracles{
		Planner: staticPlanner(
			oracle.RawStep{Name: "a", Instruction: "a"},
			oracle.RawStep{Name: "x", Instruction: "hang"},
			oracle.RawStep{Name: "c", Instruction: "c", DependsOn: []string{"a"}},
		),
		Executor:  exec,
		Evaluator: continueEvaluator(),
	}, inmem.New())

	st, err := c.StartGoal(context.Background(), "partial", cfg, "")
	require.NoError(t, err)

	byName := map[string]*models.Step{}
	for _, s := range st.Plan.Steps {
		byName[s.Name] = s
	}
	assert.Equal(t, models.StepFailed, byName["x"].Status)
	assert.Contains(t, byName["x"].Error, "timeout")
	assert.Equal(t, models.StepSucceeded, byName["c"].Status, "run must continue with viable steps")
	assert.Equal(t, models.RunFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "- x:")
	assert.NotEmpty(t, st.RunID)
}

func TestStartGoal_DanglingDependencyDropped(t *testing.T) {
	c := New(Oracles{
		Planner: staticPlanner(
			oracle.RawStep{Name: "a", Instruction: "a"},
			oracle.RawStep{Name: "b", Instruction: "b", DependsOn: []string{"ghost"}},
		),
		Executor: okExecutor(),
	}, inmem.New())

	st, err := c.StartGoal(context.Background(), "ghosts", testConfig(), "run-g")
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, st.Status)
	assert.Empty(t, st.Plan.Steps[1].DependsOn)
}

func TestStartGoal_CyclicPlanFails(t *testing.T) {
	store := inmem.New()
	executed := false
	c := New(Oracles{
		Planner: staticPlanner(
			oracle.RawStep{Name: "a", Instruction: "a", DependsOn: []string{"b"}},
			oracle.RawStep{Name: "b", Instruction: "b", DependsOn: []string{"a"}},
		),
		Executor: oracle.ExecutorFunc(func(ctx context.Context, _, _ string) (oracle.ExecResult, error) {
			executed = true
			return oracle.ExecResult{Success: true}, nil
		}),
	}, store)

	st, err := c.StartGoal(context.Background(), "loop", testConfig(), "run-c")

	var verr *plan.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, plan.ReasonCycle, verr.Reason)
	require.NotNil(t, st)
	assert.Equal(t, models.RunFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "dependency cycle")
	assert.False(t, executed)

	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "run-c")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, saved.Status)
}

func TestStartGoal_PlanningFailure(t *testing.T) {
	store := inmem.New()
	c := New(Oracles{
		Planner: oracle.PlannerFunc(func(ctx context.Context, _, _ string) ([]oracle.RawStep, error) {
			return nil, oracle.NewError("plan", oracle.ReasonMalformed, errors.New("no steps in response"))
		}),
		Executor: okExecutor(),
	}, store)

	st, err := c.StartGoal(context.Background(), "impossible", testConfig(), "run-p")
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "planning failed")
	assert.Nil(t, st.Plan)
	assert.Equal(t, 0, st.IterationCount)

	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "run-p")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, saved.Status)
}

func TestStartGoal_RejectsBadInput(t *testing.T) {
	c := New(Oracles{Planner: staticPlanner(), Executor: okExecutor()}, inmem.New())

	_, err := c.StartGoal(context.Background(), "   ", testConfig(), "")
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxParallel = -1
	_, err = c.StartGoal(context.Background(), "goal", cfg, "")
	assert.Error(t, err)
}

func TestStartGoal_CancelCheckpointsPartialState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := oracle.ExecutorFunc(func(_ context.Context, instruction, _ string) (oracle.ExecResult, error) {
		if instruction == "first" {
			cancel()
		}
		return oracle.ExecResult{Success: true, Text: instruction + " done"}, nil
	})
	store := inmem.New()
	log := &decisionLog{}
	planner := staticPlanner(
		oracle.RawStep{Name: "first", Instruction: "first"},
		oracle.RawStep{Name: "second", Instruction: "second", DependsOn: []string{"first"}},
	)
	c := New(Oracles{Planner: planner, Executor: exec, Evaluator: continueEvaluator()}, store, WithRecorder(log))

	st, err := c.StartGoal(ctx, "cancel me", testConfig(), "run-x")

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.RunRunning, st.Status)
	assert.Equal(t, models.StepSucceeded, st.Plan.Steps[0].Status)
	assert.Equal(t, models.StepPending, st.Plan.Steps[1].Status)
	assert.Len(t, log.byAction(audit.ActionRunCancel), 1)

	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "run-x")
	require.NoError(t, err)
	assert.Equal(t, "first done", saved.Results[saved.Plan.Steps[0].ID])

	resumed, err := c.ResumeGoal(context.Background(), "run-x")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, resumed.Status)
	assert.Equal(t, models.ProvenanceResumed, resumed.Plan.Provenance)
	assert.Equal(t, 1, resumed.Plan.Steps[0].Attempts, "finished steps must not run again")
}

func TestStartGoal_SupersededStopsWithoutCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	exec := oracle.ExecutorFunc(func(_ context.Context, instruction, _ string) (oracle.ExecResult, error) {
		if instruction == "first" {
			cancel(fmt.Errorf("lock lost: %w", checkpoint.ErrSuperseded))
		}
		return oracle.ExecResult{Success: true, Text: instruction + " done"}, nil
	})
	store := inmem.New()
	log := &decisionLog{}
	planner := staticPlanner(
		oracle.RawStep{Name: "first", Instruction: "first"},
		oracle.RawStep{Name: "second", Instruction: "second", DependsOn: []string{"first"}},
	)
	c := New(Oracles{Planner: planner, Executor: exec, Evaluator: continueEvaluator()}, store, WithRecorder(log))

	_, err := c.StartGoal(ctx, "taken over", testConfig(), "run-s")

	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, checkpoint.ErrSuperseded)
	assert.Empty(t, log.byAction(audit.ActionRunCancel))

	// Only the checkpoint written right after planning exists.
	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "run-s")
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, saved.Plan.Steps[0].Status)
	assert.Empty(t, saved.Results)
}

func TestResumeGoal_InvalidConfigFailsRun(t *testing.T) {
	store := inmem.New()
	adapter := checkpoint.NewAdapter(store)

	cfg := testConfig()
	cfg.MaxParallel = -1
	st := models.NewRunState("run-bad", models.Goal{Text: "bad limits", Config: cfg})
	st.Status = models.RunRunning
	st.Plan = &models.Plan{ID: "p", GoalText: "bad limits", Provenance: models.ProvenanceFresh, Steps: []*models.Step{
		{ID: "a", Name: "a", Instruction: "a", Status: models.StepPending},
	}}
	require.NoError(t, adapter.Save(context.Background(), st))

	calls := 0
	exec := oracle.ExecutorFunc(func(context.Context, string, string) (oracle.ExecResult, error) {
		calls++
		return oracle.ExecResult{Success: true}, nil
	})
	c := New(Oracles{Planner: staticPlanner(), Executor: exec, Evaluator: continueEvaluator()}, store)

	got, err := c.ResumeGoal(context.Background(), "run-bad")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_parallel")
	require.NotNil(t, got)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, "invalid goal config"))
	assert.Zero(t, calls)

	saved, err := adapter.Load(context.Background(), "run-bad")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, saved.Status)
}

func TestResumeGoal_NotFound(t *testing.T) {
	c := New(Oracles{Planner: staticPlanner(), Executor: okExecutor()}, inmem.New())

	st, err := c.ResumeGoal(context.Background(), "nope")
	assert.Nil(t, st)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestResumeGoal_ResetsInterruptedSteps(t *testing.T) {
	store := inmem.New()
	adapter := checkpoint.NewAdapter(store)

	started := time.Now().UTC()
	st := models.NewRunState("run-r", models.Goal{Text: "resume", Config: testConfig()})
	st.Status = models.RunRunning
	st.IterationCount = 1
	st.Plan = &models.Plan{ID: "p", GoalText: "resume", Provenance: models.ProvenanceFresh, Steps: []*models.Step{
		{ID: "a", Name: "a", Instruction: "a", Status: models.StepSucceeded, Attempts: 1, Result: "did a"},
		{ID: "b", Name: "b", Instruction: "b", DependsOn: []string{"a"}, Status: models.StepRunning, Attempts: 1, StartedAt: &started},
	}}
	st.Results["a"] = "did a"
	require.NoError(t, adapter.Save(context.Background(), st))

	var contexts []string
	exec := oracle.ExecutorFunc(func(ctx context.Context, instruction, accumulated string) (oracle.ExecResult, error) {
		contexts = append(contexts, accumulated)
		return oracle.ExecResult{Success: true, Text: "did " + instruction}, nil
	})
	plannerCalled := false
	c := New(Oracles{
		Planner: oracle.PlannerFunc(func(ctx context.Context, _, _ string) ([]oracle.RawStep, error) {
			plannerCalled = true
			return nil, nil
		}),
		Executor: exec,
	}, store)

	got, err := c.ResumeGoal(context.Background(), "run-r")
	require.NoError(t, err)

	assert.False(t, plannerCalled)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 2, got.Plan.Steps[1].Attempts)
	assert.Equal(t, 2, got.IterationCount)
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0], "- a: did a")
}

func TestResumeGoal_TerminalReturnedUnchanged(t *testing.T) {
	store := inmem.New()
	st := models.NewRunState("run-done", models.Goal{Text: "done", Config: testConfig()})
	st.Complete("all good")
	require.NoError(t, checkpoint.NewAdapter(store).Save(context.Background(), st))

	c := New(Oracles{
		Planner: oracle.PlannerFunc(func(ctx context.Context, _, _ string) ([]oracle.RawStep, error) {
			t.Fatal("planner must not be called")
			return nil, nil
		}),
	}, store)

	got, err := c.ResumeGoal(context.Background(), "run-done")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, "all good", got.FinalOutcome)
}

func TestStartGoal_CarriesHistory(t *testing.T) {
	store := inmem.New()
	var priors []string
	planner := oracle.PlannerFunc(func(ctx context.Context, goal, prior string) ([]oracle.RawStep, error) {
		priors = append(priors, prior)
		return []oracle.RawStep{{Name: "only", Instruction: goal}}, nil
	})
	c := New(Oracles{Planner: planner, Executor: okExecutor()}, store, WithHistoryLimit(2))

	for _, goal := range []string{"first goal", "second goal", "third goal"} {
		_, err := c.StartGoal(context.Background(), goal, testConfig(), "shared")
		require.NoError(t, err)
	}

	require.Len(t, priors, 3)
	assert.Empty(t, priors[0])
	assert.Contains(t, priors[1], "first goal")
	assert.Contains(t, priors[2], "second goal")

	saved, err := checkpoint.NewAdapter(store).Load(context.Background(), "shared")
	require.NoError(t, err)
	history := saved.PreviousRuns()
	require.Len(t, history, 2)
	assert.Equal(t, "second goal", history[0].Goal)
	assert.Equal(t, "third goal", history[1].Goal)
}

type failingStore struct {
	checkpoint.Store
}

func (failingStore) Save(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingStore) Load(context.Context, string) ([]byte, error) {
	return nil, checkpoint.ErrNotFound
}

func TestStartGoal_CheckpointFailureStillReturnsState(t *testing.T) {
	c := New(Oracles{
		Planner:  staticPlanner(oracle.RawStep{Name: "a", Instruction: "a"}),
		Executor: okExecutor(),
	}, failingStore{}, CheckpointEveryRound(false))

	st, err := c.StartGoal(context.Background(), "save me", testConfig(), "run-f")

	var cerr *CheckpointError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "run-f", cerr.RunID)
	require.NotNil(t, st)
	assert.Equal(t, models.RunCompleted, st.Status)
}

func TestStartGoal_CeilingReached(t *testing.T) {
	exec := oracle.ExecutorFunc(func(ctx context.Context, instruction, _ string) (oracle.ExecResult, error) {
		return oracle.ExecResult{Error: "nope"}, nil
	})
	cfg := testConfig()
	cfg.MaxIterations = 2
	cfg.MaxParallel = 1

	c := New(Oracles{
		Planner: staticPlanner(
			oracle.RawStep{Name: "a", Instruction: "a"},
			oracle.RawStep{Name: "b", Instruction: "b"},
			oracle.RawStep{Name: "c", Instruction: "c"},
		),
		Executor:  exec,
		Evaluator: continueEvaluator(),
	}, inmem.New())

	st, err := c.StartGoal(context.Background(), "too long", cfg, "")
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, st.Status)
	assert.Equal(t, 2, st.IterationCount)
	assert.True(t, strings.HasPrefix(st.ErrorMessage, "iteration ceiling reached"))
}

func TestPriorContext(t *testing.T) {
	assert.Empty(t, PriorContext(nil))

	got := PriorContext([]models.RunRecord{{
		Goal: "ship", StepCount: 2, Outcome: "Completed 2 of 2 steps:\n- a: x",
		FinishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	assert.Equal(t, "Previous runs (oldest first):\n- ship (2 steps, finished 2026-01-01T00:00:00Z): Completed 2 of 2 steps:\n", got)
}

func TestWithDefaults(t *testing.T) {
	got := WithDefaults(models.GoalConfig{MaxParallel: 7})
	def := models.DefaultGoalConfig()

	assert.Equal(t, 7, got.MaxParallel)
	assert.Equal(t, def.MaxIterations, got.MaxIterations)
	assert.Equal(t, def.StepTimeout, got.StepTimeout)
	assert.Equal(t, def.MaxStepAttempts, got.MaxStepAttempts)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))

	got := truncate("aé漢字", 4)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aé...", got)
}
