package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.Parse([]string{"lr~loguniform(1e-05,1)", "layers~randint(1,4)"})
	if err != nil {
		t.Fatalf("space.Parse: %v", err)
	}
	return sp
}

func testTrial() trial.Trial {
	return trial.New("tune", 1, space.Assignment{"lr": 0.01, "layers": 2}, t0)
}

func TestSubstitute(t *testing.T) {
	sp := testSpace(t)
	cmd, err := NewCommand(sp, []string{"train.sh", "--lr={lr}", "--layers={layers}", "--out=run-{layers}"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	args, err := cmd.substitute(space.Assignment{"lr": 0.01, "layers": 2})
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	want := []string{"train.sh", "--lr=0.01", "--layers=2", "--out=run-2"}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}
}

func TestSubstituteUndeclaredDimension(t *testing.T) {
	cmd, err := NewCommand(testSpace(t), []string{"train.sh", "--momentum={momentum}"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if _, err := cmd.substitute(space.Assignment{"lr": 0.01, "layers": 2}); err == nil {
		t.Fatal("expected error for undeclared placeholder")
	}
}

func TestSubstituteKeepsLiteralBraces(t *testing.T) {
	sp := testSpace(t)
	cmd, err := NewCommand(sp, []string{"train.sh", `--opts={"decay":0.9,"nesterov":true}`, "--lr={lr}"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	args, err := cmd.substitute(space.Assignment{"lr": 0.01, "layers": 2})
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if args[1] != `--opts={"decay":0.9,"nesterov":true}` {
		t.Fatalf("literal braces mangled: %q", args[1])
	}
	if args[2] != "--lr=0.01" {
		t.Fatalf("placeholder not substituted: %q", args[2])
	}
}

func TestRunParsesObjective(t *testing.T) {
	sp := testSpace(t)
	workdir := t.TempDir()
	script := `echo '[{"name":"loss","type":"objective","value":0.125}]' > "$METAOPT_RESULTS_FILE"`
	cmd, err := NewCommand(sp, []string{"sh", "-c", script}, workdir)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	res, err := cmd.Run(context.Background(), testTrial())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Objective == nil || *res.Objective != 0.125 {
		t.Fatalf("objective not extracted: %+v", res)
	}
	if !strings.Contains(string(res.Payload), `"loss"`) {
		t.Fatalf("payload not preserved: %s", res.Payload)
	}
}

func TestRunEnvironment(t *testing.T) {
	sp := testSpace(t)
	workdir := t.TempDir()
	// The script proves it saw the trial id by echoing it into the result name.
	script := `echo '[{"name":"'"$METAOPT_TRIAL_ID"'","type":"objective","value":1}]' > "$METAOPT_RESULTS_FILE"`
	cmd, err := NewCommand(sp, []string{"sh", "-c", script}, workdir)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	tr := testTrial()
	res, err := cmd.Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(string(res.Payload), tr.ID) {
		t.Fatalf("METAOPT_TRIAL_ID not visible to the command: %s", res.Payload)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	cmd, err := NewCommand(testSpace(t), []string{"sh", "-c", "echo boom >&2; exit 3"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	_, err = cmd.Run(context.Background(), testTrial())
	if !IsExecutionFailure(err) {
		t.Fatalf("expected ExecutionFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("stderr tail missing: %v", err)
	}
}

func TestRunMissingResultsFile(t *testing.T) {
	cmd, err := NewCommand(testSpace(t), []string{"sh", "-c", "true"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	_, err = cmd.Run(context.Background(), testTrial())
	if !IsExecutionFailure(err) {
		t.Fatalf("expected ExecutionFailure, got %v", err)
	}
}

func TestRunInvalidResultsFile(t *testing.T) {
	script := `echo 'not json' > "$METAOPT_RESULTS_FILE"`
	cmd, err := NewCommand(testSpace(t), []string{"sh", "-c", script}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	_, err = cmd.Run(context.Background(), testTrial())
	if !IsExecutionFailure(err) {
		t.Fatalf("expected ExecutionFailure, got %v", err)
	}
}

func TestRunCanceledContextIsNotExecutionFailure(t *testing.T) {
	cmd, err := NewCommand(testSpace(t), []string{"sleep", "10"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cmd.Run(ctx, testTrial())
	if IsExecutionFailure(err) {
		t.Fatalf("cancellation misreported as execution failure: %v", err)
	}
	if err == nil {
		t.Fatal("expected an error from canceled run")
	}
}
