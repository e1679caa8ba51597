// Package netadmin wraps the host networking primitives the daemon needs:
// child processes for wg/wg-quick and netlink for policy routing.
package netadmin

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// benignStderr lists stderr substrings that make a failed command
// equivalent to a no-op. Quiet runs treat them as success.
var benignStderr = []string{
	"No such file or directory",
	"No such process",
	"File exists",
	"RTNETLINK answers: File exists",
	"FIB table does not exist",
	"Cannot find device",
	"not found in table",
}

// Runner executes external commands. The production implementation shells
// out; tests substitute a recorder.
type Runner interface {
	// Run executes the command and returns success plus combined output.
	Run(ctx context.Context, name string, args ...string) (bool, string)
	// RunQuiet is Run without logging, and with idempotency-benign
	// failures reported as success.
	RunQuiet(ctx context.Context, name string, args ...string) (bool, string)
}

// ExecRunner runs commands as child processes with a merged environment
// that pins the userspace WireGuard implementation and a deterministic PATH.
type ExecRunner struct {
	log *slog.Logger
}

func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func mergedEnv() []string {
	env := os.Environ()
	env = append(env,
		"WG_QUICK_USERSPACE_IMPLEMENTATION=boringtun",
		"WG_ENDPOINT_RESOLUTION_RETRIES=2",
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	)
	return env
}

func (r *ExecRunner) run(ctx context.Context, name string, args ...string) (bool, string) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = mergedEnv()
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return err == nil, buf.String()
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (bool, string) {
	ok, out := r.run(ctx, name, args...)
	if !ok {
		r.log.Warn("netadmin: command failed", "cmd", name, "args", strings.Join(args, " "), "output", strings.TrimSpace(out))
	}
	return ok, out
}

func (r *ExecRunner) RunQuiet(ctx context.Context, name string, args ...string) (bool, string) {
	ok, out := r.run(ctx, name, args...)
	if !ok && IsBenign(out) {
		return true, out
	}
	return ok, out
}

// IsBenign reports whether command output matches one of the
// idempotency-benign failure messages.
func IsBenign(output string) bool {
	for _, s := range benignStderr {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}
