package actions

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const maxOutputSize = 1 << 20 // 1MB per stream

// ShellPolicy restricts which commands a shell step may run. Prefix
// matching is case-insensitive. Blocked wins over Allowed; an empty
// Allowed list permits everything not blocked.
type ShellPolicy struct {
	Allowed []string
	Blocked []string
}

func (p ShellPolicy) permits(command string) error {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, b := range p.Blocked {
		if strings.HasPrefix(lower, strings.ToLower(b)) {
			return fmt.Errorf("command is blocked by shell policy")
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, a := range p.Allowed {
		if strings.HasPrefix(lower, strings.ToLower(a)) {
			return nil
		}
	}
	return fmt.Errorf("command not in shell policy allowlist")
}

// runShell executes args["command"] through /bin/sh and captures
// returncode, stdout and stderr. A non-zero exit code is an error; the
// outputs still carry the captured streams for diagnostics.
func (r *Runner) runShell(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("shell action needs a command argument")
	}

	if err := r.shellPolicy.permits(command); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	outputs := map[string]any{
		"returncode": 0,
		"stdout":     truncateOutput(stdout.String()),
		"stderr":     truncateOutput(stderr.String()),
	}

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		outputs["returncode"] = exitCode

		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		r.logger.Debug("shell action failed",
			zap.Int("exit_code", exitCode),
			zap.String("stderr", truncateOutput(detail)))
		return outputs, fmt.Errorf("shell command exited with code %d: %s", exitCode, truncateOutput(detail))
	}

	return outputs, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputSize {
		return s
	}
	return s[:maxOutputSize]
}
