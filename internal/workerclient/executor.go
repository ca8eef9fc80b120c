package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/queue"
)

// Executor performs one leased job. It always returns an outcome; failures
// are reported through Outcome.Error rather than a Go error.
type Executor interface {
	Execute(ctx context.Context, job queue.LeasedJob) queue.Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job queue.LeasedJob) queue.Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job queue.LeasedJob) queue.Outcome {
	return f(ctx, job)
}

// CommandResult is what an executor command prints on stdout.
type CommandResult struct {
	Success        bool   `json:"success"`
	ExternalPostID string `json:"external_post_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Permanent      bool   `json:"permanent,omitempty"`
}

// CommandExecutor runs an external program per job. The leased job is
// written to its stdin as JSON and a CommandResult is read from its stdout.
type CommandExecutor struct {
	Command []string
	// Timeout bounds one run. Zero means no limit beyond ctx.
	Timeout time.Duration
	// Env is appended to the worker's environment.
	Env []string
}

const maxStderr = 512

// Execute runs the command for job.
func (e *CommandExecutor) Execute(ctx context.Context, job queue.LeasedJob) queue.Outcome {
	out := queue.Outcome{JobID: job.ID, LeaseToken: job.LeaseToken}
	if len(e.Command) == 0 {
		out.Error = "no executor command configured"
		return out
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(job)
	if err != nil {
		out.Error = fmt.Sprintf("encode job: %v", err)
		return out
	}

	// #nosec G204 -- the command comes from the operator's configuration.
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Error = fmt.Sprintf("executor timed out after %s", e.Timeout)
			return out
		}
		out.Error = fmt.Sprintf("executor failed: %v", err)
		if msg := tail(stderr.String(), maxStderr); msg != "" {
			out.Error += ": " + msg
		}
		return out
	}

	var res CommandResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		out.Error = fmt.Sprintf("executor printed an invalid result: %v", err)
		return out
	}
	out.Success = res.Success
	out.ExternalPostID = res.ExternalPostID
	if !res.Success {
		out.Error = res.Error
		out.Permanent = res.Permanent
		if out.Error == "" {
			out.Error = "executor reported failure"
		}
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
