package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// CommandRunner runs a shell command for a task.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// RunShell executes command through "sh -c" with the given extra
	// environment and stdin, returning combined stdout/stderr output.
	RunShell(ctx context.Context, workDir, command string, env []string, stdin []byte) ([]byte, error)
}

// ShellRunner implements CommandRunner using os/exec.
type ShellRunner struct{}

// RunShell executes a shell command through "sh -c".
func (ShellRunner) RunShell(ctx context.Context, workDir, command string, env []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.CombinedOutput()
}

var _ CommandRunner = ShellRunner{}

// maxReasonLen caps how much command output lands in a failure reason.
const maxReasonLen = 512

// CommandHandler returns a Handler that runs command once per task. The task
// payload is passed on stdin and FOREMAN_TASK_ID / FOREMAN_TASK_TAGS are set.
// A non-zero exit fails the task with the tail of the output as its reason.
func CommandHandler(runner CommandRunner, workDir, command string) Handler {
	return func(ctx context.Context, t *models.Task) error {
		env := []string{
			"FOREMAN_TASK_ID=" + t.ID,
			"FOREMAN_TASK_TAGS=" + strings.Join(t.Tags, ","),
			fmt.Sprintf("FOREMAN_TASK_PRIORITY=%d", t.Priority),
		}
		out, err := runner.RunShell(ctx, workDir, command, env, t.Payload)
		if err == nil {
			return nil
		}
		reason := strings.TrimSpace(string(out))
		if len(reason) > maxReasonLen {
			reason = "..." + reason[len(reason)-maxReasonLen:]
		}
		if reason == "" {
			return err
		}
		return fmt.Errorf("%v: %s", err, reason)
	}
}

// NoopHandler completes every task without doing anything. It lets the worker
// drain a pool whose tasks are resolved elsewhere.
func NoopHandler(context.Context, *models.Task) error { return nil }
