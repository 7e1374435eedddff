package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hatchling-lab/molt/internal/fleet"
	"github.com/hatchling-lab/molt/internal/logging"
	"github.com/hatchling-lab/molt/internal/setup"
	"github.com/hatchling-lab/molt/internal/storage"
	"github.com/hatchling-lab/molt/internal/vm"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "molt",
		Short:         "Provision and recycle disposable sandbox VM disks",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&setup.ConfigDir, "config-dir", setup.ConfigDir, "Directory holding install.json and worker configs")
	root.PersistentFlags().StringVar(&setup.LibDir, "lib-dir", setup.LibDir, "Directory holding the volume library")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newInstallCommand(logger),
		newPostinstallCommand(logger),
		newWriteConfigCommand(logger),
		newRunCommand(logger),
		newFleetCommand(logger),
	)
	return root
}

func newInstallCommand(logger *slog.Logger) *cobra.Command {
	var info setup.InstallInfo
	var backend string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the installation descriptor and create the vm-0 base volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			info.StorageBackend = setup.BackendKind(backend)
			if err := info.Save(setup.ConfigDir); err != nil {
				return err
			}

			b, err := storage.New(info, logger)
			if err != nil {
				return err
			}
			if err := b.InitializeBaseVolume(cmd.Context(), info.DiskSize); err != nil {
				return err
			}

			logger.Info("base volume initialized",
				"backend", info.StorageBackend, "disk_size", info.DiskSize)
			logger.Info("boot and configure vm-0, then run 'molt postinstall'")
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "storage-backend", string(setup.BackendQcow2), "Storage backend (zfs or qcow2)")
	cmd.Flags().StringVar(&info.ZFSTankName, "zfs-tank-name", "", "ZFS tank holding VM volumes (zfs backend only)")
	cmd.Flags().StringVar(&info.DiskSize, "disk-size", "100G", "Base volume size with M/G/T suffix")
	cmd.Flags().StringVar(&info.ISOPath, "iso", "", "Path to the installation ISO")
	cmd.Flags().IntVar(&info.MaxVMs, "max-vms", 1, "Number of disposable workers")
	cmd.Flags().BoolVar(&info.EnableUnattended, "unattended", false, "Enable unattended guest installation")
	cmd.Flags().StringVar(&info.ISOSHA256, "iso-sha256", "", "SHA-256 of the installation ISO")

	return cmd
}

func newPostinstallCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "postinstall",
		Short: "Snapshot the configured vm-0 volume as the worker ancestor",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, b, err := loadBackend(logger)
			if err != nil {
				return err
			}
			if err := b.SnapshotBaseVolume(cmd.Context()); err != nil {
				return err
			}
			logger.Info("base snapshot created", "backend", info.StorageBackend)
			return nil
		},
	}
}

func newWriteConfigCommand(logger *slog.Logger) *cobra.Command {
	var mac string

	cmd := &cobra.Command{
		Use:   "write-config <vm-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Render the xl configuration for one worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			_, b, err := loadBackend(logger)
			if err != nil {
				return err
			}
			profile, err := vm.LoadProfile(setup.ConfigDir)
			if err != nil {
				return err
			}

			cfgPath, err := vm.WriteWorkerConfig(setup.ConfigDir, vmID, b.VMDiskPath(vmID), mac, "", profile)
			if err != nil {
				return err
			}
			logger.Info("worker config written", "vm_id", vmID, "path", cfgPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&mac, "mac", "", "Guest NIC MAC address")
	_ = cmd.MarkFlagRequired("mac")

	return cmd
}

func newRunCommand(logger *slog.Logger) *cobra.Command {
	var isoPath, sampleDir string

	cmd := &cobra.Command{
		Use:   "run <vm-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Restore one worker to pristine state and attach its sample medium",
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			info, b, err := loadBackend(logger)
			if err != nil {
				return err
			}

			restorer := &vm.Restorer{
				Backend: b,
				Info:    info,
				Logger:  logger,
			}
			return restorer.Restore(cmd.Context(), vmID, vm.Media{
				ISOPath:   isoPath,
				SampleDir: sampleDir,
			})
		},
	}

	cmd.Flags().StringVar(&isoPath, "iso", "", "Prebuilt sample ISO to attach")
	cmd.Flags().StringVar(&sampleDir, "sample-dir", "", "Directory to pack into the sample ISO")

	return cmd
}

func newFleetCommand(logger *slog.Logger) *cobra.Command {
	var isoPath, sampleDir string

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Restore every configured worker concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, b, err := loadBackend(logger)
			if err != nil {
				return err
			}

			runner := &fleet.Runner{
				Restorer: &vm.Restorer{
					Backend: b,
					Info:    info,
					Logger:  logger,
				},
				MaxVMs: info.MaxVMs,
				Logger: logger,
			}

			results := runner.RestoreAll(cmd.Context(), func(vmID int) vm.Media {
				return vm.Media{ISOPath: isoPath, SampleDir: sampleDir}
			})

			var failed int
			for _, result := range results {
				if result.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workers failed to restore", failed, len(results))
			}
			logger.Info("fleet restored", "workers", len(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&isoPath, "iso", "", "Prebuilt sample ISO to attach to every worker")
	cmd.Flags().StringVar(&sampleDir, "sample-dir", "", "Directory to pack into each worker's sample ISO")

	return cmd
}

func loadBackend(logger *slog.Logger) (setup.InstallInfo, storage.Backend, error) {
	info, err := setup.Load(setup.ConfigDir)
	if err != nil {
		return setup.InstallInfo{}, nil, err
	}
	b, err := storage.New(info, logger)
	if err != nil {
		return setup.InstallInfo{}, nil, err
	}
	return info, b, nil
}

func parseVMID(arg string) (int, error) {
	var vmID int
	if _, err := fmt.Sscanf(strings.TrimSpace(arg), "%d", &vmID); err != nil {
		return 0, fmt.Errorf("invalid vm id %q", arg)
	}
	return vmID, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
