package setup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Default locations for persisted configuration and the volume library.
// Overridable for tests and non-standard deployments.
var (
	ConfigDir = "/etc/molt"
	LibDir    = "/var/lib/molt"
)

const installFileName = "install.json"

// BackendKind selects the storage backend used for VM volumes.
type BackendKind string

const (
	// BackendZFS keeps VM volumes as ZFS zvols cloned from a base snapshot.
	BackendZFS BackendKind = "zfs"
	// BackendQcow2 keeps VM volumes as qcow2 files backed by the base image.
	BackendQcow2 BackendKind = "qcow2"
)

var diskSizePattern = regexp.MustCompile(`^[1-9][0-9]*[MGT]$`)

// InstallInfo is the installation descriptor produced by setup and read by
// every other component. It is immutable after load.
type InstallInfo struct {
	StorageBackend   BackendKind `json:"storage_backend"`
	ZFSTankName      string      `json:"zfs_tank_name,omitempty"`
	DiskSize         string      `json:"disk_size"`
	ISOPath          string      `json:"iso_path"`
	MaxVMs           int         `json:"max_vms"`
	EnableUnattended bool        `json:"enable_unattended"`
	ISOSHA256        string      `json:"iso_sha256"`
}

// ValidationError reports a bad or missing installation descriptor field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("install descriptor field %q: %s", e.Field, e.Reason)
}

// Validate checks descriptor consistency. The tank name must be present
// exactly when the ZFS backend is selected; a mismatch is a configuration
// error, never deferred to a worker operation.
func (i InstallInfo) Validate() error {
	switch i.StorageBackend {
	case BackendZFS:
		if i.ZFSTankName == "" {
			return &ValidationError{Field: "zfs_tank_name", Reason: "required for the zfs backend"}
		}
	case BackendQcow2:
		if i.ZFSTankName != "" {
			return &ValidationError{Field: "zfs_tank_name", Reason: "must be empty for the qcow2 backend"}
		}
	default:
		return &ValidationError{Field: "storage_backend", Reason: fmt.Sprintf("unknown backend %q", i.StorageBackend)}
	}

	if !diskSizePattern.MatchString(i.DiskSize) {
		return &ValidationError{Field: "disk_size", Reason: fmt.Sprintf("%q is not a size with an M/G/T suffix", i.DiskSize)}
	}
	if i.MaxVMs < 1 {
		return &ValidationError{Field: "max_vms", Reason: "must be at least 1"}
	}
	return nil
}

func installPath(configDir string) string {
	return filepath.Join(configDir, installFileName)
}

// IsInstalled reports whether an installation descriptor exists in configDir.
func IsInstalled(configDir string) bool {
	_, err := os.Stat(installPath(configDir))
	return err == nil
}

// Load reads and validates the installation descriptor from configDir.
func Load(configDir string) (InstallInfo, error) {
	data, err := os.ReadFile(installPath(configDir))
	if err != nil {
		return InstallInfo{}, fmt.Errorf("read install descriptor: %w", err)
	}

	var info InstallInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return InstallInfo{}, fmt.Errorf("parse install descriptor: %w", err)
	}
	if err := info.Validate(); err != nil {
		return InstallInfo{}, err
	}
	return info, nil
}

// Save validates and persists the descriptor to configDir. The write is
// atomic so a crashed setup never leaves a truncated descriptor behind.
func (i InstallInfo) Save(configDir string) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(i, "", "    ")
	if err != nil {
		return fmt.Errorf("encode install descriptor: %w", err)
	}

	tmp := installPath(configDir) + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write install descriptor: %w", err)
	}
	if err := os.Rename(tmp, installPath(configDir)); err != nil {
		removeErr := os.Remove(tmp)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			err = errors.Join(err, removeErr)
		}
		return fmt.Errorf("replace install descriptor: %w", err)
	}
	return nil
}
