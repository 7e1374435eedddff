package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hatchling-lab/molt/internal/hostcmd"
	"github.com/hatchling-lab/molt/internal/logging"
	"github.com/hatchling-lab/molt/internal/setup"
)

var _ Backend = &Qcow2Backend{}

// Qcow2Backend keeps VM volumes as qcow2 files in the volume library. The
// vm-0 base image serves as the backing file of every worker image: because
// the backing file is never written to, recreating a worker's overlay yields
// pristine content without any explicit snapshot step.
type Qcow2Backend struct {
	libDir string
	runner hostcmd.Runner
	logger *slog.Logger
}

// NewQcow2Backend constructs the qcow2 backend from the installation
// descriptor. An unusable qemu-img tool fails here, not at first use.
func NewQcow2Backend(info setup.InstallInfo, logger *slog.Logger) (*Qcow2Backend, error) {
	if _, err := lookPath("qemu-img"); err != nil {
		return nil, &ToolUnavailableError{Tool: "qemu-img", Err: err}
	}

	return &Qcow2Backend{
		libDir: setup.LibDir,
		runner: hostcmd.Exec{},
		logger: logging.Ensure(logger).With("backend", "qcow2"),
	}, nil
}

func (b *Qcow2Backend) imagePath(vmID int) string {
	return filepath.Join(b.libDir, "volumes", vmName(vmID)+".img")
}

// InitializeBaseVolume creates a fresh vm-0.img of the given size,
// overwriting any image left by a previous installation.
func (b *Qcow2Backend) InitializeBaseVolume(ctx context.Context, diskSize string) error {
	base := b.imagePath(0)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("create volume library: %w", err)
	}

	out, err := b.runner.Run(ctx, "qemu-img", "create", "-f", "qcow2", base, diskSize)
	if err != nil {
		return &AllocationError{Volume: base, Output: string(out), Err: err}
	}
	b.logger.Info("created base image", "image", base, "size", diskSize)
	return nil
}

// SnapshotBaseVolume is a no-op: once initialized and configured, vm-0.img is
// already the immutable ancestor that worker images reference as their
// backing file.
func (b *Qcow2Backend) SnapshotBaseVolume(ctx context.Context) error {
	b.logger.Debug("base image serves as backing file, nothing to snapshot")
	return nil
}

// VMDiskPath returns the xl disk descriptor for the given VM's image file.
func (b *Qcow2Backend) VMDiskPath(vmID int) string {
	return fmt.Sprintf("tap:qcow2:%s,xvda,w", b.imagePath(vmID))
}

// RollbackVMStorage discards the worker's image and recreates it as a thin
// overlay of vm-0.img.
func (b *Qcow2Backend) RollbackVMStorage(ctx context.Context, vmID int) error {
	image := b.imagePath(vmID)

	if err := os.Remove(image); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale image %s: %w", image, err)
	}

	// The backing path is relative so the volume library stays relocatable.
	out, err := b.runner.Run(ctx, "qemu-img", "create",
		"-f", "qcow2", "-F", "qcow2", "-b", "vm-0.img", image)
	if err != nil {
		return fmt.Errorf("create overlay image %s: %w (output: %s)", image, err, strings.TrimSpace(string(out)))
	}

	if err := unix.Access(image, unix.W_OK); err != nil {
		return fmt.Errorf("overlay image %s is not writable: %w", image, err)
	}
	b.logger.Debug("volume rolled back", "vm", vmName(vmID), "image", image)
	return nil
}
