package storage

import (
	"fmt"
	"strings"
	"time"
)

// ToolUnavailableError indicates a required storage tool could not be found
// or invoked. Raised at backend construction, never mid-rollback.
type ToolUnavailableError struct {
	Tool string
	Err  error
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("storage tool %q is not available: %v", e.Tool, e.Err)
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// AllocationError indicates the base volume could not be created.
type AllocationError struct {
	Volume string
	Output string
	Err    error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("allocate volume %s: %v", e.Volume, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf(" (output: %s)", out)
	}
	return msg
}

func (e *AllocationError) Unwrap() error { return e.Err }

// DeviceNotReadyError indicates the kernel device node for a cloned volume
// never appeared within the bounded wait.
type DeviceNotReadyError struct {
	VMID     int
	Device   string
	Attempts int
	Interval time.Duration
}

func (e *DeviceNotReadyError) Error() string {
	return fmt.Sprintf("vm-%d: device node %s did not appear after %d attempts at %s intervals",
		e.VMID, e.Device, e.Attempts, e.Interval)
}

// InconsistencyError indicates an expected dataset/snapshot pair is missing.
// This points at corruption outside a single worker and should halt the fleet.
type InconsistencyError struct {
	VMID     int
	Snapshot string
	Output   string
	Err      error
}

func (e *InconsistencyError) Error() string {
	msg := fmt.Sprintf("vm-%d: snapshot %s missing during rollback: %v", e.VMID, e.Snapshot, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf(" (output: %s)", out)
	}
	return msg
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

// ConfigurationError indicates the installation descriptor cannot support the
// requested backend. Raised at selection time, before any orchestration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("storage configuration field %q: %s", e.Field, e.Reason)
}
