package localexec

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fentz26/waypoint/internal/oracle"
)

func TestIsAllowed(t *testing.T) {
	exec := New("", map[string][]string{
		"go":  {"test"},
		"git": {"diff", "status"},
	})

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"go", []string{"test", "./..."}, true},
		{"git", []string{"status"}, true},
		{"git", []string{"diff"}, true},
		{"git", []string{"push"}, false},    // not in allowlist
		{"rm", []string{"-rf", "/"}, false}, // not in allowlist
		{"go", []string{"run", "."}, false}, // subcommand not allowed
		{"go", []string{}, false},           // no subcommand
		{"unknown", []string{"cmd"}, false}, // unknown command
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestExecute_Rejected(t *testing.T) {
	exec := New("", map[string][]string{"git": {"status"}})

	tests := []struct {
		instruction string
		wantErr     string
	}{
		{"rm -rf /", "command not allowed: rm -rf /"},
		{"   ", "empty instruction"},
		{`git "status`, "parse instruction"},
	}
	for _, tt := range tests {
		res, err := exec.Execute(context.Background(), tt.instruction, "")
		if err != nil {
			t.Fatalf("Execute(%q) returned error: %v", tt.instruction, err)
		}
		if res.Success {
			t.Errorf("Execute(%q) should not succeed", tt.instruction)
		}
		if !strings.HasPrefix(res.Error, tt.wantErr) {
			t.Errorf("Execute(%q) error = %q, want prefix %q", tt.instruction, res.Error, tt.wantErr)
		}
	}
}

func newShellExec(t *testing.T) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	return New(t.TempDir(), map[string][]string{"sh": {"-c"}})
}

func TestExecute_Success(t *testing.T) {
	exec := newShellExec(t)

	res, err := exec.Execute(context.Background(), `sh -c 'echo hello; echo ignored >&2'`, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.Text != "hello" {
		t.Errorf("expected success with stdout, got %+v", res)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	exec := newShellExec(t)

	res, err := exec.Execute(context.Background(), `sh -c 'echo broken >&2; exit 3'`, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Success || res.Error != "broken" {
		t.Errorf("expected failure carrying stderr, got %+v", res)
	}

	res, _ = exec.Execute(context.Background(), `sh -c 'exit 2'`, "")
	if res.Error != "exit status 2" {
		t.Errorf("expected exit status message, got %q", res.Error)
	}
}

func TestExecute_PassesContext(t *testing.T) {
	exec := newShellExec(t)

	res, err := exec.Execute(context.Background(), `sh -c 'printf %s "$WAYPOINT_CONTEXT"'`, "Goal: ship it")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Text != "Goal: ship it" {
		t.Errorf("expected context in environment, got %q", res.Text)
	}
}

func TestExecute_LargeContext(t *testing.T) {
	exec := newShellExec(t)
	big := strings.Repeat("é", 100<<10)

	res, err := exec.Execute(context.Background(), `sh -c 'printf %s "$WAYPOINT_CONTEXT" | wc -c'`, big)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected command to start with a large context, got %q", res.Error)
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Text))
	if err != nil {
		t.Fatalf("unexpected wc output %q: %v", res.Text, err)
	}
	if n > maxContextEnv+len("\n[truncated]") {
		t.Errorf("expected env context capped near %d bytes, got %d", maxContextEnv, n)
	}

	res, err = exec.Execute(context.Background(), `sh -c 'wc -c'`, big)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(res.Text); got != strconv.Itoa(len(big)) {
		t.Errorf("expected full context on stdin (%d bytes), got %s", len(big), got)
	}
}

func TestCut_RuneBoundary(t *testing.T) {
	if got := cut("short", 10); got != "short" {
		t.Errorf("expected short string unchanged, got %q", got)
	}

	got := cut("aé漢字", 4)
	if !utf8.ValidString(got) {
		t.Fatalf("cut produced invalid UTF-8: %q", got)
	}
	if got != "aé\n[truncated]" {
		t.Errorf("unexpected cut result %q", got)
	}

	long := strings.Repeat("漢", maxOutput)
	if c := clip(long); !utf8.ValidString(c) || len(c) > maxOutput+len("\n[truncated]") {
		t.Errorf("clip produced %d bytes, valid=%v", len(c), utf8.ValidString(c))
	}
}

func TestExecute_WorkDir(t *testing.T) {
	exec := newShellExec(t)

	res, err := exec.Execute(context.Background(), `sh -c 'pwd'`, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if filepath.Base(res.Text) != filepath.Base(exec.workDir) {
		t.Errorf("expected command to run in %s, got %s", exec.workDir, res.Text)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	exec := newShellExec(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, `sh -c 'sleep 5'`, "")
	if !oracle.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
