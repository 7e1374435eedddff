// Package fleet restores batches of workers concurrently. Each worker's
// sequence runs on its own goroutine against its own vm-scoped resources, so
// a slow device-node wait or a failed restore never stalls its siblings.
package fleet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hatchling-lab/molt/internal/logging"
	"github.com/hatchling-lab/molt/internal/vm"
)

// WorkerRestorer is the per-worker restore sequence the fleet fans out over.
type WorkerRestorer interface {
	Restore(ctx context.Context, vmID int, media vm.Media) error
}

// Result is the outcome for a single worker.
type Result struct {
	VMID int
	Err  error
}

// Runner restores workers 1..MaxVMs concurrently.
type Runner struct {
	Restorer WorkerRestorer
	MaxVMs   int
	Logger   *slog.Logger
}

// RestoreAll restores every worker, one goroutine each, and returns results
// ordered by vm id. A worker's failure is recorded in its own result and
// never aborts the others.
func (r *Runner) RestoreAll(ctx context.Context, media func(vmID int) vm.Media) []Result {
	logger := logging.Ensure(r.Logger)

	results := make([]Result, r.MaxVMs)
	var wg sync.WaitGroup
	for vmID := 1; vmID <= r.MaxVMs; vmID++ {
		wg.Add(1)
		go func(vmID int) {
			defer wg.Done()
			err := r.Restorer.Restore(ctx, vmID, media(vmID))
			if err != nil {
				logger.Error("worker restore failed", "vm_id", vmID, "error", err)
			}
			results[vmID-1] = Result{VMID: vmID, Err: err}
		}(vmID)
	}
	wg.Wait()
	return results
}
