package vm

import (
	"fmt"
	"strings"
)

// Stage identifies where in the restore sequence a worker failed.
type Stage string

// Termination of a stale instance has no stage constant: destroy failures
// are tolerated, so that step never produces an error to tag.
const (
	StageCleanup     Stage = "cleanup"
	StageRollback    Stage = "rollback"
	StageRestore     Stage = "restore"
	StageMediaAttach Stage = "media-attach"
)

// RestoreError scopes a failure to a single worker and the stage it failed
// in. Sibling workers are unaffected.
type RestoreError struct {
	VMID  int
	Stage Stage
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("vm-%d: %s failed: %v", e.VMID, e.Stage, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// HypervisorError carries the control-plane tool output and, when readable,
// the per-domain qemu diagnostic log captured after a failed restore. Log
// capture is best-effort and never masks the original failure.
type HypervisorError struct {
	Output string
	Log    string
	Err    error
}

func (e *HypervisorError) Error() string {
	msg := e.Err.Error()
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf(" (output: %s)", out)
	}
	if log := strings.TrimSpace(e.Log); log != "" {
		msg += fmt.Sprintf("\nqemu log:\n%s", log)
	}
	return msg
}

func (e *HypervisorError) Unwrap() error { return e.Err }

// MediaAttachError indicates the sample medium could not be hot-attached. The
// instance may be running, but a worker without its sample medium is not a
// valid run.
type MediaAttachError struct {
	VMID   int
	ISO    string
	Output string
	Err    error
}

func (e *MediaAttachError) Error() string {
	msg := fmt.Sprintf("vm-%d: attach sample medium %s: %v", e.VMID, e.ISO, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf(" (output: %s)", out)
	}
	return msg
}

func (e *MediaAttachError) Unwrap() error { return e.Err }
