package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region errors

// ExecutionFailure reports that the external objective crashed or
// produced no readable result. It is recorded as Broken and surfaced,
// never retried automatically.
type ExecutionFailure struct {
	Cmd    string
	Err    error
	Stderr string
}

func (e *ExecutionFailure) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("execution failed: %s: %v (stderr: %s)", e.Cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("execution failed: %s: %v", e.Cmd, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// IsExecutionFailure reports whether err marks an objective failure.
func IsExecutionFailure(err error) bool {
	var f *ExecutionFailure
	return errors.As(err, &f)
}

// #endregion errors

// #region results-protocol

// resultEntry is one line item of the results file the objective
// writes: [{"name": "loss", "type": "objective", "value": 0.12}].
type resultEntry struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// stderrTail bounds how much captured stderr rides along in failures.
const stderrTail = 512

// #endregion results-protocol

// #region command

// Command runs the user's objective as a subprocess. Template arguments
// carry {name} placeholders substituted with the trial's drawn values;
// each run gets a scratch directory and learns the trial id and results
// path from the environment.
type Command struct {
	sp       *space.Space
	template []string
	workdir  string
}

// NewCommand builds an executor for a command template. workdir is the
// root under which per-trial scratch directories are created.
func NewCommand(sp *space.Space, template []string, workdir string) (*Command, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}
	if workdir == "" {
		workdir = "."
	}
	return &Command{sp: sp, template: template, workdir: workdir}, nil
}

// ScratchDir returns the per-trial scratch location under root.
func ScratchDir(root, trialID string) string {
	short := trialID
	if len(short) > 12 {
		short = short[:12]
	}
	return filepath.Join(root, "trials", short)
}

// Run executes one trial and parses its reported result. A nonzero
// exit, a missing results file, or an unparseable one is an
// ExecutionFailure; a canceled context is returned as the context's
// error so the caller can tell abandonment from breakage.
func (c *Command) Run(ctx context.Context, t trial.Trial) (trial.Result, error) {
	scratch := ScratchDir(c.workdir, t.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return trial.Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	resultsPath := filepath.Join(scratch, "results.json")

	args, err := c.substitute(t.Params)
	if err != nil {
		return trial.Result{}, err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"METAOPT_TRIAL_ID="+t.ID,
		"METAOPT_RESULTS_FILE="+resultsPath,
		"METAOPT_SCRATCH_DIR="+scratch,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("[WORKER] exec %s: %s", shortID(t.ID), strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return trial.Result{}, ctx.Err()
		}
		return trial.Result{}, &ExecutionFailure{Cmd: args[0], Err: err, Stderr: tail(stderr.String())}
	}

	return parseResults(resultsPath, args[0])
}

// placeholderPattern matches {name} tokens that look like dimension
// references. Other braced text (inline JSON, shell syntax) is not a
// placeholder and passes through untouched.
var placeholderPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// substitute renders the template for one parameter assignment. Every
// {name} placeholder must name a space dimension present in params.
func (c *Command) substitute(params space.Assignment) ([]string, error) {
	out := make([]string, len(c.template))
	for i, arg := range c.template {
		rendered := arg
		for _, d := range c.sp.Dimensions() {
			placeholder := "{" + d.Name + "}"
			if !strings.Contains(rendered, placeholder) {
				continue
			}
			v, ok := params[d.Name]
			if !ok {
				return nil, fmt.Errorf("assignment missing dimension %q", d.Name)
			}
			rendered = strings.ReplaceAll(rendered, placeholder, d.FormatValue(v))
		}
		if leftover := placeholderPattern.FindString(rendered); leftover != "" {
			return nil, fmt.Errorf("argument %q references undeclared dimension %s", arg, leftover)
		}
		out[i] = rendered
	}
	return out, nil
}

// parseResults reads the objective's results file. The full file rides
// along as the opaque payload; the objective value is pulled out for
// strategies when exactly the protocol shape is found.
func parseResults(path, cmdName string) (trial.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return trial.Result{}, &ExecutionFailure{Cmd: cmdName, Err: fmt.Errorf("no results file written: %w", err)}
	}

	var entries []resultEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return trial.Result{}, &ExecutionFailure{Cmd: cmdName, Err: fmt.Errorf("results file unparseable: %w", err)}
	}

	res := trial.Result{Payload: json.RawMessage(raw)}
	for _, e := range entries {
		if e.Type == "objective" {
			v := e.Value
			res.Objective = &v
			break
		}
	}
	if res.Objective == nil {
		return trial.Result{}, &ExecutionFailure{Cmd: cmdName, Err: fmt.Errorf("results file has no objective entry")}
	}
	return res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion command
