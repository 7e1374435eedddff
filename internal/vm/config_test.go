package vm

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadProfileDefaultsWhenMissing(t *testing.T) {
	profile, err := LoadProfile(t.TempDir())
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if !reflect.DeepEqual(profile, DefaultProfile()) {
		t.Fatalf("expected default profile, got %+v", profile)
	}
}

func TestLoadProfileFromFile(t *testing.T) {
	dir := t.TempDir()
	content := "memory_mb: 4096\nvcpus: 4\nbridge: xenbr0\nextra_options:\n  - \"altp2m = 2\"\n"
	if err := os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	profile, err := LoadProfile(dir)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if profile.MemoryMB != 4096 || profile.VCPUs != 4 || profile.Bridge != "xenbr0" {
		t.Fatalf("profile fields not applied: %+v", profile)
	}
	if len(profile.ExtraOptions) != 1 || profile.ExtraOptions[0] != "altp2m = 2" {
		t.Fatalf("extra options not applied: %v", profile.ExtraOptions)
	}
	// Unset fields keep their defaults.
	if profile.VNCPortBase != DefaultProfile().VNCPortBase {
		t.Fatalf("vnc_port_base default lost: %d", profile.VNCPortBase)
	}
}

func TestLoadProfileRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte("memory_mb: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadProfile(dir); err == nil {
		t.Fatal("expected negative memory to be rejected")
	}
}

func TestRenderWorkerConfig(t *testing.T) {
	rendered, err := RenderWorkerConfig(2,
		"phy:/dev/zvol/tank/vm-2,hda,w", "00:16:3e:aa:bb:02", "", DefaultProfile())
	if err != nil {
		t.Fatalf("render worker config: %v", err)
	}

	cfg := string(rendered)
	for _, want := range []string{
		`name = "vm-2"`,
		"memory = 2048",
		"vcpus = 2",
		"mac=00:16:3e:aa:bb:02",
		"'phy:/dev/zvol/tank/vm-2,hda,w', ',hdc:cdrom,r'",
		"vncdisplay = 2",
	} {
		if !strings.Contains(cfg, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, cfg)
		}
	}
}

func TestRenderWorkerConfigExtraOptions(t *testing.T) {
	profile := DefaultProfile()
	profile.ExtraOptions = []string{"altp2m = 2", "shadow_memory = 32"}

	rendered, err := RenderWorkerConfig(1, "tap:qcow2:/var/lib/molt/volumes/vm-1.img,xvda,w",
		"00:16:3e:aa:bb:01", "", profile)
	if err != nil {
		t.Fatalf("render worker config: %v", err)
	}

	cfg := string(rendered)
	if !strings.Contains(cfg, "altp2m = 2") || !strings.Contains(cfg, "shadow_memory = 32") {
		t.Fatalf("extra options missing:\n%s", cfg)
	}
}

func TestRenderWorkerConfigRequiresDiskAndMAC(t *testing.T) {
	if _, err := RenderWorkerConfig(1, "", "00:16:3e:aa:bb:01", "", DefaultProfile()); err == nil {
		t.Fatal("expected missing disk path to be rejected")
	}
	if _, err := RenderWorkerConfig(1, "phy:/dev/zvol/tank/vm-1,hda,w", "", "", DefaultProfile()); err == nil {
		t.Fatal("expected missing mac to be rejected")
	}
}

func TestWriteWorkerConfig(t *testing.T) {
	dir := t.TempDir()

	cfgPath, err := WriteWorkerConfig(dir, 3, "phy:/dev/zvol/tank/vm-3,hda,w", "00:16:3e:aa:bb:03", "", DefaultProfile())
	if err != nil {
		t.Fatalf("write worker config: %v", err)
	}

	want := filepath.Join(dir, "configs", "vm-3.cfg")
	if cfgPath != want {
		t.Fatalf("expected config at %q, got %q", want, cfgPath)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `name = "vm-3"`) {
		t.Fatalf("unexpected config contents:\n%s", data)
	}
}
