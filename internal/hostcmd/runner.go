// Package hostcmd invokes host management tools (zfs, qemu-img, xl) with
// argument vectors. Nothing here passes through a shell.
package hostcmd

import (
	"context"
	"os/exec"
)

// Runner executes a host tool and returns its combined output. Implementations
// must be safe for concurrent use; every worker sequence runs its own commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec is the production Runner backed by os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
