// Package vm drives the per-worker restore sequence: terminate stale
// instance, roll back storage, restore from the shared memory snapshot, and
// hot-attach the sample medium.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hatchling-lab/molt/internal/hostcmd"
	"github.com/hatchling-lab/molt/internal/logging"
	"github.com/hatchling-lab/molt/internal/setup"
	"github.com/hatchling-lab/molt/internal/storage"
)

// Media describes the sample-carrying removable medium for one run. Either a
// prebuilt ISO or a sample directory to pack into one must be provided.
type Media struct {
	ISOPath   string
	SampleDir string
}

// Restorer prepares a pristine worker VM for a single analysis run. Zero
// shared mutable state: one Restorer may serve many workers concurrently.
type Restorer struct {
	Backend storage.Backend
	Info    setup.InstallInfo
	Runner  hostcmd.Runner
	Logger  *slog.Logger

	// ConfigDir holds configs/vm-[i].cfg, LibDir holds volumes/ and the
	// shared memory snapshot. RunDir is per-run scratch space for staged
	// sample ISOs. XenLogDir is where xl leaves per-domain qemu logs.
	ConfigDir string
	LibDir    string
	RunDir    string
	XenLogDir string
}

func (r *Restorer) runner() hostcmd.Runner {
	if r.Runner != nil {
		return r.Runner
	}
	return hostcmd.Exec{}
}

func (r *Restorer) configDir() string {
	if r.ConfigDir != "" {
		return r.ConfigDir
	}
	return setup.ConfigDir
}

func (r *Restorer) libDir() string {
	if r.LibDir != "" {
		return r.LibDir
	}
	return setup.LibDir
}

func (r *Restorer) runDir() string {
	if r.RunDir != "" {
		return r.RunDir
	}
	return "/tmp/molt"
}

func (r *Restorer) xenLogDir() string {
	if r.XenLogDir != "" {
		return r.XenLogDir
	}
	return "/var/log/xen"
}

// Restore runs the full sequence for one worker. vm-0 is the golden base and
// is never restored here. Any error is scoped to this worker; the caller
// decides whether and when to schedule another attempt.
func (r *Restorer) Restore(ctx context.Context, vmID int, media Media) error {
	if r.Backend == nil {
		return errors.New("restorer backend is not configured")
	}
	if vmID < 1 {
		return fmt.Errorf("vm id %d is not a worker: vm-0 is the golden base", vmID)
	}
	if r.Info.MaxVMs > 0 && vmID > r.Info.MaxVMs {
		return fmt.Errorf("vm id %d exceeds the configured ceiling of %d workers", vmID, r.Info.MaxVMs)
	}

	name := fmt.Sprintf("vm-%d", vmID)
	logger := logging.Ensure(r.Logger).With("vm", name, "run_id", uuid.New().String())

	// A stale instance from a crashed run may still be registered. Failure
	// here almost always means there was nothing to destroy.
	if out, err := r.runner().Run(ctx, "xl", "destroy", name); err != nil {
		logger.Debug("no stale instance destroyed", "output", strings.TrimSpace(string(out)), "error", err)
	} else {
		logger.Info("destroyed stale instance")
	}

	// The backend's rollback also discards stale image files, but a previous
	// run may have crashed between steps, so clean up here as well.
	staleImage := filepath.Join(r.libDir(), "volumes", name+".img")
	if err := os.Remove(staleImage); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &RestoreError{VMID: vmID, Stage: StageCleanup, Err: err}
	}

	if err := r.Backend.RollbackVMStorage(ctx, vmID); err != nil {
		return &RestoreError{VMID: vmID, Stage: StageRollback, Err: err}
	}
	logger.Info("storage rolled back", "disk", r.Backend.VMDiskPath(vmID))

	cfgPath := filepath.Join(r.configDir(), "configs", name+".cfg")
	snapshotPath := filepath.Join(r.libDir(), "volumes", "snapshot.sav")
	if out, err := r.runner().Run(ctx, "xl", "-vvv", "restore", cfgPath, snapshotPath); err != nil {
		return &RestoreError{VMID: vmID, Stage: StageRestore, Err: &HypervisorError{
			Output: string(out),
			Log:    r.captureQemuLog(vmID),
			Err:    err,
		}}
	}
	logger.Info("instance restored", "config", cfgPath, "snapshot", snapshotPath)

	isoPath, err := r.stageMedia(vmID, media)
	if err != nil {
		return &RestoreError{VMID: vmID, Stage: StageMediaAttach, Err: err}
	}
	monitorCmd := fmt.Sprintf("change %s %s", cdromDevice, isoPath)
	if out, err := r.runner().Run(ctx, "xl", "qemu-monitor-command", name, monitorCmd); err != nil {
		return &RestoreError{VMID: vmID, Stage: StageMediaAttach, Err: &MediaAttachError{
			VMID:   vmID,
			ISO:    isoPath,
			Output: string(out),
			Err:    err,
		}}
	}
	logger.Info("sample medium attached", "iso", isoPath)
	return nil
}

// captureQemuLog reads the per-domain qemu log for diagnostics. Best-effort:
// an unreadable log must not mask the restore failure itself.
func (r *Restorer) captureQemuLog(vmID int) string {
	logPath := filepath.Join(r.xenLogDir(), fmt.Sprintf("qemu-dm-vm-%d.log", vmID))
	data, err := os.ReadFile(logPath)
	if err != nil {
		return ""
	}
	return string(data)
}
