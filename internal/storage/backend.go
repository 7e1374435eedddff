// Package storage provisions and recycles the disk volumes backing sandbox VMs.
//
// Worker virtual machines are named vm-1 through vm-N, bounded by the max_vms
// installation parameter. vm-0 is special: it is the golden base that every
// worker volume descends from. The lifecycle is
//
//	create vm-0 -> configure vm-0 -> snapshot vm-0 -> roll back vm-[i] per run
//
// and only the last step belongs to steady-state operation. Initialization and
// snapshotting of vm-0 must be serialized ahead of all worker rollbacks.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/hatchling-lab/molt/internal/setup"
)

// lookPath is stubbed in tests so backend construction does not require the
// storage tools on the test host.
var lookPath = exec.LookPath

// Backend is the contract a storage implementation must satisfy to provision
// disposable VM disks.
type Backend interface {
	// InitializeBaseVolume allocates the vm-0 volume with the given size,
	// unconditionally destroying any previous one. Re-running setup is
	// therefore idempotent.
	InitializeBaseVolume(ctx context.Context, diskSize string) error

	// SnapshotBaseVolume freezes the configured vm-0 content as the ancestor
	// of all future worker volumes. Called exactly once, after vm-0 has been
	// booted and configured and before any worker rollback.
	SnapshotBaseVolume(ctx context.Context) error

	// VMDiskPath returns the disk descriptor the hypervisor configuration
	// references for the given VM. Pure; never fails for a well-formed id.
	VMDiskPath(vmID int) string

	// RollbackVMStorage guarantees that on return the worker's volume exists,
	// is writable, and matches the base snapshot bit for bit. Idempotent:
	// tolerates both a missing volume (first run) and stale leftovers from a
	// previous run.
	RollbackVMStorage(ctx context.Context, vmID int) error
}

// New selects and constructs the backend named by the installation
// descriptor. An unknown backend kind fails here, at startup, never inside a
// per-worker operation.
func New(info setup.InstallInfo, logger *slog.Logger) (Backend, error) {
	switch info.StorageBackend {
	case setup.BackendZFS:
		return NewZFSBackend(info, logger)
	case setup.BackendQcow2:
		return NewQcow2Backend(info, logger)
	default:
		return nil, &ConfigurationError{
			Field:  "storage_backend",
			Reason: fmt.Sprintf("unknown backend %q", info.StorageBackend),
		}
	}
}

func vmName(vmID int) string {
	return fmt.Sprintf("vm-%d", vmID)
}
