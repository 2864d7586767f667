package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lexcodex/loopsmith/loop"
)

// CommandRequest captures process execution metadata.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
	Input   string
	Timeout time.Duration
}

// CommandRunner describes a primitive capable of executing commands.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (stdout string, stderr string, err error)
}

// LocalCommandRunner executes commands directly on the host. Production
// deployments substitute a container-backed runner; the interface is the
// seam.
type LocalCommandRunner struct{}

// Run executes the requested command.
func (r LocalCommandRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	if len(req.Args) == 0 {
		return "", "", errors.New("command arguments required")
	}
	execCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()
	cmd := exec.CommandContext(execCtx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Workdir
	cmd.Env = req.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CommandExecutor implements loop.Executor by piping the payload into an
// interpreter command (for example `php` for code steps or `wp` for CLI
// steps). The effective context travels as a JSON environment variable so
// payloads can read prior step results.
type CommandExecutor struct {
	Command []string
	Workdir string
	Timeout time.Duration
	Runner  CommandRunner
}

// NewCommandExecutor wires a runner with defaults.
func NewCommandExecutor(command []string, workdir string) *CommandExecutor {
	return &CommandExecutor{
		Command: command,
		Workdir: workdir,
		Timeout: 2 * time.Minute,
		Runner:  LocalCommandRunner{},
	}
}

// Execute implements loop.Executor. Screening failures and process failures
// are reported in the result, not as errors; an error return means the
// collaborator itself is unusable.
func (e *CommandExecutor) Execute(ctx context.Context, payload string, env map[string]interface{}) (*loop.ExecResult, error) {
	if e.Runner == nil {
		return nil, errors.New("command runner missing")
	}
	if strings.TrimSpace(payload) == "" {
		return &loop.ExecResult{Success: false, Error: "empty payload"}, nil
	}
	if err := Screen(payload); err != nil {
		return &loop.ExecResult{Success: false, Error: err.Error()}, nil
	}
	contextJSON, err := json.Marshal(env)
	if err != nil {
		contextJSON = []byte("{}")
	}
	stdout, stderr, runErr := e.Runner.Run(ctx, CommandRequest{
		Workdir: e.Workdir,
		Args:    append([]string(nil), e.Command...),
		Env:     append(os.Environ(), "LOOP_CONTEXT="+string(contextJSON)),
		Input:   payload,
		Timeout: e.Timeout,
	})
	if runErr != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = runErr.Error()
		}
		return &loop.ExecResult{Success: false, Output: stdout, Error: detail}, nil
	}
	return &loop.ExecResult{
		Success: true,
		Output:  stdout,
		Result:  extractResult(stdout),
	}, nil
}

// extractResult pulls a trailing JSON object out of stdout when the payload
// chose to report structured data. Plain text output is fine too.
func extractResult(stdout string) map[string]interface{} {
	snippet := loop.ExtractJSON(stdout)
	if snippet == "" {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(snippet), &result); err != nil {
		return nil
	}
	return result
}
