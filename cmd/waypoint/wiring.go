package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fentz26/waypoint/internal/audit"
	"github.com/fentz26/waypoint/internal/config"
	"github.com/fentz26/waypoint/internal/engine"
	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/fentz26/waypoint/internal/oracle/llm"
	"github.com/fentz26/waypoint/internal/oracle/localexec"
	"github.com/fentz26/waypoint/internal/store"
)

// openStore opens the configured database.
func openStore(c *config.Config) (*store.Store, error) {
	path, err := c.DBPath()
	if err != nil {
		return nil, err
	}
	s, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return s, nil
}

// buildOracles creates the planner, executor and evaluator selected by the
// config. Planning and evaluation always use the model; execution uses the
// model or local commands.
func buildOracles(c *config.Config, log *slog.Logger) (engine.Oracles, error) {
	model, err := llm.NewModel(c.LLM)
	if err != nil {
		return engine.Oracles{}, err
	}

	opts := []llm.Option{
		llm.WithLimiter(llm.NewLimiter(c.LLM.RequestsPerSecond, c.LLM.Burst)),
		llm.WithLogger(log),
		llm.WithTemperature(c.LLM.Temperature),
	}

	var executor oracle.Executor
	switch c.Executor.Kind {
	case "localexec":
		workDir := c.Executor.WorkDir
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		executor = localexec.New(workDir, c.Executor.Allow, localexec.WithLogger(log))
	default:
		executor = llm.NewExecutor(model, opts...)
	}

	return engine.Oracles{
		Planner:   llm.NewPlanner(model, opts...),
		Executor:  executor,
		Evaluator: llm.NewEvaluator(model, opts...),
	}, nil
}

// newController wires the engine to the store for checkpoints and decisions.
func newController(c *config.Config, s *store.Store, log *slog.Logger) (*engine.Controller, error) {
	oracles, err := buildOracles(c, log)
	if err != nil {
		return nil, err
	}
	return engine.New(oracles, s,
		engine.WithLogger(log),
		engine.WithRecorder(audit.NewDecisionWriter(s)),
		engine.WithHistoryLimit(c.Engine.HistoryLimit),
		engine.CheckpointEveryRound(c.Engine.CheckpointEveryRound),
	), nil
}
