// Package localexec provides a step executor that runs allowlisted local
// commands. Each step instruction is a single command line.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/kballard/go-shellquote"
)

// ContextEnv carries the accumulated goal context into the child process,
// cut to maxContextEnv bytes. The full context is always written to stdin.
const ContextEnv = "WAYPOINT_CONTEXT"

// maxContextEnv keeps ContextEnv well below the kernel's per-string limit
// for exec arguments and environment (128 KiB on Linux).
const maxContextEnv = 32 << 10

// waitDelay bounds how long a killed command may hold its output pipes open.
const waitDelay = 2 * time.Second

// maxOutput caps the stdout/stderr kept as a step result.
const maxOutput = 64 << 10

// Executor runs step instructions as local commands.
type Executor struct {
	workDir string
	allow   map[string][]string
	logger  *slog.Logger
}

var _ oracle.Executor = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an executor. allow maps a command to its permitted subcommands.
func New(workDir string, allow map[string][]string, opts ...Option) *Executor {
	e := &Executor{workDir: workDir, allow: allow, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsAllowed checks if a command and its subcommand are in the allowlist.
func (e *Executor) IsAllowed(cmd string, args []string) bool {
	subcmds, ok := e.allow[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, allowed := range subcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute parses the instruction and runs it if allowed. A non-zero exit is a
// reported failure; only a process that could not be started is an error.
func (e *Executor) Execute(ctx context.Context, instruction, accumulatedContext string) (oracle.ExecResult, error) {
	words, err := shellquote.Split(strings.TrimSpace(instruction))
	if err != nil {
		return oracle.ExecResult{Error: fmt.Sprintf("parse instruction: %v", err)}, nil
	}
	if len(words) == 0 {
		return oracle.ExecResult{Error: "empty instruction"}, nil
	}

	cmd, args := words[0], words[1:]
	if !e.IsAllowed(cmd, args) {
		e.logger.WarnContext(ctx, "command rejected", "command", cmd, "args", args)
		return oracle.ExecResult{Error: fmt.Sprintf("command not allowed: %s", strings.Join(words, " "))}, nil
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if e.workDir != "" {
		execCmd.Dir = e.workDir
	}
	execCmd.Env = append(os.Environ(), ContextEnv+"="+cut(accumulatedContext, maxContextEnv))
	execCmd.Stdin = strings.NewReader(accumulatedContext)
	execCmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err = execCmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return oracle.ExecResult{}, oracle.NewError("execute", oracle.ReasonCall, err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return oracle.ExecResult{}, oracle.NewError("execute", oracle.ReasonTimeout, ctx.Err())
		}
		if ctx.Err() != nil {
			return oracle.ExecResult{}, oracle.NewError("execute", oracle.ReasonCall, ctx.Err())
		}
		msg := clip(strings.TrimSpace(stderr.String()))
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		e.logger.DebugContext(ctx, "command failed", "command", cmd, "exit_code", exitErr.ExitCode())
		return oracle.ExecResult{Error: msg}, nil
	}

	return oracle.ExecResult{Success: true, Text: clip(strings.TrimSpace(stdout.String()))}, nil
}

func clip(s string) string {
	return cut(s, maxOutput)
}

// cut shortens s to at most n bytes on a rune boundary and marks the cut.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}
