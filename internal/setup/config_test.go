package setup

import (
	"errors"
	"testing"
)

func TestInstallInfoRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if IsInstalled(dir) {
		t.Fatal("empty directory reported as installed")
	}

	info := InstallInfo{
		StorageBackend:   BackendZFS,
		ZFSTankName:      "tank",
		DiskSize:         "50G",
		ISOPath:          "/opt/iso/win10.iso",
		MaxVMs:           4,
		EnableUnattended: true,
		ISOSHA256:        "deadbeef",
	}
	if err := info.Save(dir); err != nil {
		t.Fatalf("save install descriptor: %v", err)
	}

	if !IsInstalled(dir) {
		t.Fatal("directory not reported as installed after save")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load install descriptor: %v", err)
	}
	if loaded != info {
		t.Fatalf("descriptor changed across round trip:\nsaved:  %+v\nloaded: %+v", info, loaded)
	}
}

func TestInstallInfoRoundTripWithoutTank(t *testing.T) {
	dir := t.TempDir()

	info := InstallInfo{
		StorageBackend: BackendQcow2,
		DiskSize:       "100G",
		ISOPath:        "/opt/iso/win10.iso",
		MaxVMs:         1,
		ISOSHA256:      "deadbeef",
	}
	if err := info.Save(dir); err != nil {
		t.Fatalf("save install descriptor: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load install descriptor: %v", err)
	}
	if loaded.ZFSTankName != "" {
		t.Fatalf("tank name appeared from nowhere: %q", loaded.ZFSTankName)
	}
	if loaded != info {
		t.Fatalf("descriptor changed across round trip:\nsaved:  %+v\nloaded: %+v", info, loaded)
	}
}

func TestInstallInfoValidate(t *testing.T) {
	valid := InstallInfo{
		StorageBackend: BackendQcow2,
		DiskSize:       "100G",
		MaxVMs:         1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*InstallInfo)
		field  string
	}{
		{
			name:   "zfs backend without tank",
			mutate: func(i *InstallInfo) { i.StorageBackend = BackendZFS },
			field:  "zfs_tank_name",
		},
		{
			name:   "qcow2 backend with tank",
			mutate: func(i *InstallInfo) { i.ZFSTankName = "tank" },
			field:  "zfs_tank_name",
		},
		{
			name:   "unknown backend",
			mutate: func(i *InstallInfo) { i.StorageBackend = "btrfs" },
			field:  "storage_backend",
		},
		{
			name:   "disk size without suffix",
			mutate: func(i *InstallInfo) { i.DiskSize = "100" },
			field:  "disk_size",
		},
		{
			name:   "disk size with bad suffix",
			mutate: func(i *InstallInfo) { i.DiskSize = "100X" },
			field:  "disk_size",
		},
		{
			name:   "zero workers",
			mutate: func(i *InstallInfo) { i.MaxVMs = 0 },
			field:  "max_vms",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := valid
			tc.mutate(&info)

			err := info.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected error on field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestSaveRejectsInvalidDescriptor(t *testing.T) {
	dir := t.TempDir()

	info := InstallInfo{StorageBackend: "nope", DiskSize: "1G", MaxVMs: 1}
	if err := info.Save(dir); err == nil {
		t.Fatal("expected save of invalid descriptor to fail")
	}
	if IsInstalled(dir) {
		t.Fatal("invalid descriptor was persisted")
	}
}
