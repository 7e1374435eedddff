package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hatchling-lab/molt/internal/hostcmd"
	"github.com/hatchling-lab/molt/internal/logging"
	"github.com/hatchling-lab/molt/internal/setup"
)

const (
	// snapshotName is the suffix shared by the base snapshot and every
	// worker's rollback snapshot: tank/vm-0@booted, tank/vm-[i]@booted.
	snapshotName = "booted"

	zvolDevRoot = "/dev/zvol"

	// zfs clone returns before the kernel materializes the zvol device node,
	// so rollback polls for it with a bounded wait.
	defaultDeviceWaitInterval = 100 * time.Millisecond
	defaultDeviceWaitAttempts = 120
)

var _ Backend = &ZFSBackend{}

// ZFSBackend keeps VM volumes as zvols under a single tank. Worker volumes
// are instantaneous clones of the vm-0 base snapshot.
type ZFSBackend struct {
	tank   string
	runner hostcmd.Runner
	logger *slog.Logger

	// devRoot and the wait parameters are fixed in production and only
	// adjusted by tests.
	devRoot      string
	waitInterval time.Duration
	waitAttempts int
}

// NewZFSBackend constructs the ZFS backend from the installation descriptor.
// A missing tank name or an unusable zfs tool fails here, not at first use.
func NewZFSBackend(info setup.InstallInfo, logger *slog.Logger) (*ZFSBackend, error) {
	if info.ZFSTankName == "" {
		return nil, &ConfigurationError{Field: "zfs_tank_name", Reason: "required for the zfs backend"}
	}
	if _, err := lookPath("zfs"); err != nil {
		return nil, &ToolUnavailableError{Tool: "zfs", Err: err}
	}

	return &ZFSBackend{
		tank:         info.ZFSTankName,
		runner:       hostcmd.Exec{},
		logger:       logging.Ensure(logger).With("backend", "zfs", "tank", info.ZFSTankName),
		devRoot:      zvolDevRoot,
		waitInterval: defaultDeviceWaitInterval,
		waitAttempts: defaultDeviceWaitAttempts,
	}, nil
}

func (b *ZFSBackend) dataset(vmID int) string {
	return path.Join(b.tank, vmName(vmID))
}

func (b *ZFSBackend) snapshot(vmID int) string {
	return b.dataset(vmID) + "@" + snapshotName
}

func (b *ZFSBackend) devicePath(vmID int) string {
	return filepath.Join(b.devRoot, b.tank, vmName(vmID))
}

// InitializeBaseVolume destroys any previous vm-0 dataset tree and creates a
// fresh zvol of the given size.
func (b *ZFSBackend) InitializeBaseVolume(ctx context.Context, diskSize string) error {
	base := b.dataset(0)

	out, err := b.runner.Run(ctx, "zfs", "destroy", "-Rfr", base)
	if err != nil {
		if !strings.Contains(string(out), "dataset does not exist") {
			return fmt.Errorf("destroy existing volume %s: %w (output: %s)", base, err, strings.TrimSpace(string(out)))
		}
		b.logger.Debug("no previous base volume to destroy", "dataset", base)
	}

	out, err = b.runner.Run(ctx, "zfs", "create", "-V", diskSize, base)
	if err != nil {
		return &AllocationError{Volume: base, Output: string(out), Err: err}
	}
	b.logger.Info("created base volume", "dataset", base, "size", diskSize)
	return nil
}

// SnapshotBaseVolume freezes vm-0 as tank/vm-0@booted.
func (b *ZFSBackend) SnapshotBaseVolume(ctx context.Context) error {
	snap := b.snapshot(0)
	out, err := b.runner.Run(ctx, "zfs", "snapshot", snap)
	if err != nil {
		return fmt.Errorf("snapshot base volume %s: %w (output: %s)", snap, err, strings.TrimSpace(string(out)))
	}
	b.logger.Info("created base snapshot", "snapshot", snap)
	return nil
}

// VMDiskPath returns the xl disk descriptor for the given VM's zvol.
func (b *ZFSBackend) VMDiskPath(vmID int) string {
	return fmt.Sprintf("phy:%s,hda,w", b.devicePath(vmID))
}

// RollbackVMStorage resets the worker's zvol to the base snapshot content.
//
// A worker seen for the first time has no device node yet: the base snapshot
// is cloned into the worker's dataset, the device node is awaited, and the
// worker's own rollback snapshot is taken. Every call then rolls the dataset
// back to that snapshot, which discards whatever the previous run wrote.
func (b *ZFSBackend) RollbackVMStorage(ctx context.Context, vmID int) error {
	device := b.devicePath(vmID)
	logger := b.logger.With("vm", vmName(vmID))

	if _, err := os.Stat(device); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat device node %s: %w", device, err)
		}

		out, err := b.runner.Run(ctx, "zfs", "clone", "-p", b.snapshot(0), b.dataset(vmID))
		if err != nil {
			return fmt.Errorf("clone %s to %s: %w (output: %s)",
				b.snapshot(0), b.dataset(vmID), err, strings.TrimSpace(string(out)))
		}
		logger.Debug("cloned base snapshot", "dataset", b.dataset(vmID))

		if err := b.waitForDevice(ctx, vmID, device); err != nil {
			return err
		}

		out, err = b.runner.Run(ctx, "zfs", "snapshot", b.snapshot(vmID))
		if err != nil {
			return fmt.Errorf("snapshot %s: %w (output: %s)", b.snapshot(vmID), err, strings.TrimSpace(string(out)))
		}
	}

	out, err := b.runner.Run(ctx, "zfs", "rollback", b.snapshot(vmID))
	if err != nil {
		if strings.Contains(string(out), "does not exist") {
			return &InconsistencyError{VMID: vmID, Snapshot: b.snapshot(vmID), Output: string(out), Err: err}
		}
		return fmt.Errorf("rollback %s: %w (output: %s)", b.snapshot(vmID), err, strings.TrimSpace(string(out)))
	}

	if err := unix.Access(device, unix.W_OK); err != nil {
		return fmt.Errorf("device node %s is not writable: %w", device, err)
	}
	logger.Debug("volume rolled back", "snapshot", b.snapshot(vmID))
	return nil
}

// waitForDevice blocks until the zvol device node appears, checking at a
// fixed interval for a fixed number of attempts. The wait runs on the
// calling worker's goroutine and never blocks sibling workers.
func (b *ZFSBackend) waitForDevice(ctx context.Context, vmID int, device string) error {
	for attempt := 0; attempt < b.waitAttempts; attempt++ {
		if _, err := os.Stat(device); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.waitInterval):
		}
	}
	return &DeviceNotReadyError{
		VMID:     vmID,
		Device:   device,
		Attempts: b.waitAttempts,
		Interval: b.waitInterval,
	}
}
