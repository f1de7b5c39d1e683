// Package hook executes the modified/ready notification commands that a
// template declares, per spec.md §6: "Executed via /bin/sh -c <command>;
// stdout/stderr inherit the parent's. Non-zero exit is logged, not fatal."
package hook

import (
	"context"
	"os"
	"os/exec"

	"github.com/gocardless/rconfd/internal/rerror"
)

type Runner struct{}

// Run executes command via /bin/sh -c, inheriting stdout/stderr. A
// non-zero exit is returned as rerror.KindHook; callers must treat this as
// non-fatal per spec.md §7.
func (Runner) Run(ctx context.Context, command string) error {
	if command == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return rerror.Wrapf(rerror.KindHook, err, "hook command failed: %s", command)
	}

	return nil
}
