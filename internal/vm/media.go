package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// cdromDevice is the emulated IDE CD drive the worker configs expose; the
// monitor "change" command swaps media on it while the guest runs.
const cdromDevice = "ide-5632"

// stageMedia resolves the sample medium for a worker run. A prebuilt ISO is
// used as-is; a sample directory is packed into an ISO under the run
// directory. A run without any medium is invalid.
func (r *Restorer) stageMedia(vmID int, media Media) (string, error) {
	if media.ISOPath != "" {
		if _, err := os.Stat(media.ISOPath); err != nil {
			return "", fmt.Errorf("stat sample iso: %w", err)
		}
		return media.ISOPath, nil
	}
	if media.SampleDir == "" {
		return "", errors.New("no sample medium: provide an iso or a sample directory")
	}

	isoPath := filepath.Join(r.runDir(), fmt.Sprintf("vm-%d", vmID), "sample.iso")
	if err := buildSampleISO(media.SampleDir, isoPath); err != nil {
		return "", err
	}
	return isoPath, nil
}

// buildSampleISO packs the sample directory into an ISO image at isoPath,
// replacing any image left by a previous run.
func buildSampleISO(sampleDir, isoPath string) error {
	info, err := os.Stat(sampleDir)
	if err != nil {
		return fmt.Errorf("stat sample directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sample path %q is not a directory", sampleDir)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sampleDir, "/"); err != nil {
		return fmt.Errorf("stage sample directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(isoPath), 0o755); err != nil {
		return fmt.Errorf("create media directory: %w", err)
	}
	out, err := os.OpenFile(isoPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create iso file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel(sampleDir)); err != nil {
		out.Close()
		_ = os.Remove(isoPath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(isoPath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// volumeLabel derives an ISO 9660 volume label from the sample directory
// name: uppercase alphanumerics, everything else collapsed to underscores.
func volumeLabel(sampleDir string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.ToUpper(filepath.Base(sampleDir)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	if b.Len() == 0 {
		return "SAMPLE"
	}
	return b.String()
}
