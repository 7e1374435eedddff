package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Profile carries the hardware parameters shared by all worker configs. It is
// read from profile.yaml in the config directory; absent file or fields fall
// back to defaults.
type Profile struct {
	MemoryMB     int      `yaml:"memory_mb"`
	VCPUs        int      `yaml:"vcpus"`
	Bridge       string   `yaml:"bridge"`
	VNCPortBase  int      `yaml:"vnc_port_base"`
	ExtraOptions []string `yaml:"extra_options"`
}

// DefaultProfile matches the hardware the base snapshot was taken with.
func DefaultProfile() Profile {
	return Profile{
		MemoryMB:    2048,
		VCPUs:       2,
		Bridge:      "molt0",
		VNCPortBase: 5900,
	}
}

// LoadProfile reads profile.yaml from configDir. A missing file yields the
// default profile; a malformed one is an error.
func LoadProfile(configDir string) (Profile, error) {
	profile := DefaultProfile()

	data, err := os.ReadFile(filepath.Join(configDir, "profile.yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return profile, nil
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}

	if profile.MemoryMB < 1 {
		return Profile{}, fmt.Errorf("profile memory_mb must be positive, got %d", profile.MemoryMB)
	}
	if profile.VCPUs < 1 {
		return Profile{}, fmt.Errorf("profile vcpus must be positive, got %d", profile.VCPUs)
	}
	return profile, nil
}

// workerConfigTemplate is the xl domain configuration for one worker. The
// restored memory snapshot expects this hardware layout, including the IDE
// CD drive that sample media are swapped into.
const workerConfigTemplate = `name = "vm-{{.VMID}}"
type = "hvm"
memory = {{.Profile.MemoryMB}}
maxmem = {{.Profile.MemoryMB}}
vcpus = {{.Profile.VCPUs}}
vif = [ 'type=ioemu,mac={{.MAC}},bridge={{.Profile.Bridge}}' ]
disk = [ '{{.DiskPath}}', '{{.CDPath}},hdc:cdrom,r' ]
vnc = 1
vnclisten = "0.0.0.0"
vncdisplay = {{.VNCDisplay}}
on_poweroff = "destroy"
on_reboot = "destroy"
on_crash = "destroy"
{{- range .Profile.ExtraOptions}}
{{.}}
{{- end}}
`

type workerConfigData struct {
	VMID       int
	MAC        string
	DiskPath   string
	CDPath     string
	VNCDisplay int
	Profile    Profile
}

// RenderWorkerConfig produces the xl configuration for one worker. diskPath
// is the backend disk descriptor; mac comes from the caller's address
// generator. cdPath may be empty: media are hot-attached after restore.
func RenderWorkerConfig(vmID int, diskPath, mac, cdPath string, profile Profile) ([]byte, error) {
	if vmID < 0 {
		return nil, fmt.Errorf("invalid vm id %d", vmID)
	}
	if diskPath == "" {
		return nil, errors.New("disk path is required")
	}
	if mac == "" {
		return nil, errors.New("mac address is required")
	}

	tmpl, err := template.New("worker").Parse(workerConfigTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse worker config template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, workerConfigData{
		VMID:       vmID,
		MAC:        mac,
		DiskPath:   diskPath,
		CDPath:     cdPath,
		VNCDisplay: vmID,
		Profile:    profile,
	})
	if err != nil {
		return nil, fmt.Errorf("render worker config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteWorkerConfig renders and persists configs/vm-[i].cfg under configDir.
func WriteWorkerConfig(configDir string, vmID int, diskPath, mac, cdPath string, profile Profile) (string, error) {
	rendered, err := RenderWorkerConfig(vmID, diskPath, mac, cdPath, profile)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(configDir, "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create configs directory: %w", err)
	}

	cfgPath := filepath.Join(dir, fmt.Sprintf("vm-%d.cfg", vmID))
	if err := os.WriteFile(cfgPath, rendered, 0o644); err != nil {
		return "", fmt.Errorf("write worker config: %w", err)
	}
	return cfgPath, nil
}
