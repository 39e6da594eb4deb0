package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs the actual work for a leased job. Implementations receive the
// opaque payload and report progress through the callback; returning an error
// fails the job. ErrJobCancelled signals a cooperative cancel ack.
type Executor interface {
	Execute(ctx context.Context, job *Job, progress func(map[string]any)) (map[string]any, error)
}

// ErrJobCancelled is returned by executors that observed ctx cancellation and
// stopped cleanly.
var ErrJobCancelled = fmt.Errorf("job cancelled")

// TransientError marks a failure as retryable. Anything else is permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// CommandExecutor shells out to a configured command per job. The payload is
// written to stdin; stdout is read as NDJSON, one progress object per line.
// A final line with {"result": {...}} becomes the completion result.
type CommandExecutor struct {
	Command string
}

// Execute runs the command and streams its progress lines.
func (e *CommandExecutor) Execute(ctx context.Context, job *Job, progress func(map[string]any)) (map[string]any, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("no exec command configured")
	}

	parts := strings.Fields(e.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Env = append(cmd.Environ(),
		"JOB_ID="+job.ID,
		"JOB_KIND="+job.Kind,
		"JOB_QUEUE="+job.Queue,
	)
	cmd.Stdin = strings.NewReader(string(job.Payload))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	var result map[string]any
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			// Non-JSON output is passed through as a message.
			progress(map[string]any{"message": line})
			continue
		}
		if r, ok := obj["result"].(map[string]any); ok {
			result = r
			continue
		}
		progress(obj)
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return nil, fmt.Errorf("read command output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrJobCancelled
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}
