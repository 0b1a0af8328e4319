package device

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/internal/sysexec"
)

func sampleDevices() []*Descriptor {
	return []*Descriptor{
		{
			ID: "wwn:0x5000c500a1b2c3d4", Path: "/dev/sda", Name: "sda", Size: 64 << 30,
			WWN: "0x5000c500a1b2c3d4", Serial: "S3Z9NB0K123456", TableID: "1B2C3D4E-0000-4000-8000-000000000001",
			Aliases: []string{"ata-Samsung_SSD_S3Z9NB0K123456", "wwn-0x5000c500a1b2c3d4"},
			Partitions: []Partition{
				{Number: 1, Path: "/dev/sda1", MountPoint: "/boot", Label: "boot", PartUUID: "aaaa-1"},
				{Number: 2, Path: "/dev/sda2", MountPoint: "/", Label: "root", PartUUID: "aaaa-2"},
				{Number: 3, Path: "/dev/sda3", MountPoint: "/mnt/data", Label: "data", PartUUID: "aaaa-3"},
			},
		},
		{
			ID: "serial:USB123", Path: "/dev/sdb", Name: "sdb", Size: 8 << 30,
			Serial: "USB123", Removable: true,
		},
		{
			ID: "path:/dev/sdc", Path: "/dev/sdc", Name: "sdc", Size: 8 << 30,
			Serial: "USB123",
		},
	}
}

func TestResolve(t *testing.T) {
	devices := sampleDevices()

	tests := []struct {
		name       string
		identifier string
		wantPath   string
		wantErr    error
	}{
		{"stable id", "wwn:0x5000c500a1b2c3d4", "/dev/sda", nil},
		{"wwn without prefix", "wwn:5000C500A1B2C3D4", "/dev/sda", nil},
		{"serial", "serial:S3Z9NB0K123456", "/dev/sda", nil},
		{"table id", "ptuuid:1b2c3d4e-0000-4000-8000-000000000001", "/dev/sda", nil},
		{"by-id link", "/dev/disk/by-id/ata-Samsung_SSD_S3Z9NB0K123456", "/dev/sda", nil},
		{"by-id prefix", "by-id:wwn-0x5000c500a1b2c3d4", "/dev/sda", nil},
		{"transient path", "/dev/sdb", "/dev/sdb", nil},
		{"path prefix", "path:/dev/sdc", "/dev/sdc", nil},
		{"shared serial", "serial:USB123", "", ErrAmbiguous},
		{"unknown wwn", "wwn:0xdeadbeef", "", ErrNotFound},
		{"unknown path", "/dev/nvme0n1", "", ErrNotFound},
		{"empty", "", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Resolve(devices, tt.identifier)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, d.Path)
		})
	}
}

func TestStableID(t *testing.T) {
	assert.Equal(t, "wwn:0x5000c500a1b2c3d4", StableID(&Descriptor{WWN: "0x5000C500A1B2C3D4", Serial: "X"}))
	assert.Equal(t, "serial:X", StableID(&Descriptor{Serial: "X", TableID: "abc"}))
	assert.Equal(t, "ptuuid:abc", StableID(&Descriptor{TableID: "ABC"}))
	assert.Equal(t, "path:/dev/vda", StableID(&Descriptor{Path: "/dev/vda"}))
}

func TestPinID(t *testing.T) {
	id, err := PinID(&Descriptor{WWN: "0x5000C500A1B2C3D4", Serial: "X"})
	require.NoError(t, err)
	assert.Equal(t, "wwn:0x5000c500a1b2c3d4", id)

	id, err = PinID(&Descriptor{Serial: "X", TableID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "serial:X", id)

	d := &Descriptor{Path: "/dev/vda", TableID: "abc", Aliases: []string{"virtio-disk0"}}
	id, err = PinID(d)
	require.NoError(t, err)
	assert.Equal(t, "by-id:virtio-disk0", id)
	assert.True(t, Match(d, id))

	for _, d := range []*Descriptor{
		{Path: "/dev/vda", TableID: "11111111-2222-3333-4444-555555555555"},
		{Path: "/dev/vdb"},
	} {
		_, err := PinID(d)
		assert.ErrorIs(t, err, ErrNoStableIdentity, d.Path)
	}
}

func TestFindPartition(t *testing.T) {
	d := sampleDevices()[0]

	for _, id := range []string{"3", "partuuid:AAAA-3", "label:data", "/dev/sda3"} {
		p, ok := d.FindPartition(id)
		require.True(t, ok, id)
		assert.Equal(t, 3, p.Number, id)
	}
	_, ok := d.FindPartition("label:missing")
	assert.False(t, ok)

	p, ok := d.PartitionByLabel("boot")
	require.True(t, ok)
	assert.Equal(t, "/dev/sda1", p.Path)
}

func TestFindByMount(t *testing.T) {
	devices := sampleDevices()

	d, p, ok := FindByMount(devices, "/mnt/data/takeover/state")
	require.True(t, ok)
	assert.Equal(t, "/dev/sda", d.Path)
	assert.Equal(t, 3, p.Number)

	_, p, ok = FindByMount(devices, "/mnt/database")
	require.True(t, ok)
	assert.Equal(t, 2, p.Number, "prefix match must respect path boundaries")

	_, _, ok = FindByMount(devices[1:], "/etc")
	assert.False(t, ok)
}

func TestStatic_ReturnsCopies(t *testing.T) {
	inv := &Static{Devices: sampleDevices()}

	d, err := inv.Resolve(context.Background(), "serial:S3Z9NB0K123456")
	require.NoError(t, err)
	d.Partitions[0].Label = "changed"

	again, err := inv.Resolve(context.Background(), "serial:S3Z9NB0K123456")
	require.NoError(t, err)
	assert.Equal(t, "boot", again.Partitions[0].Label)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const lsblkSample = `{
   "blockdevices": [
      {"name":"sda", "path":"/dev/sda", "size":"8589934592", "type":"disk", "fstype":null, "label":null, "uuid":null, "partuuid":null,
       "ptuuid":"5d4c3b2a-1111-2222-3333-444455556666", "pttype":"gpt", "mountpoint":null, "model":"QEMU HARDDISK   ", "serial":"QM00001", "wwn":null, "rm":false,
       "children": [
          {"name":"sda1", "path":"/dev/sda1", "size":536870912, "type":"part", "fstype":"vfat", "label":"boot", "uuid":"ABCD-1234",
           "partuuid":"0a0a0a0a-01", "ptuuid":"5d4c3b2a-1111-2222-3333-444455556666", "pttype":"gpt", "mountpoint":"/boot", "model":null, "serial":null, "wwn":null, "rm":"0"},
          {"name":"sda2", "path":"/dev/sda2", "size":8051015680, "type":"part", "fstype":"ext4", "label":"root", "uuid":"f00d",
           "partuuid":"0a0a0a0a-02", "ptuuid":"5d4c3b2a-1111-2222-3333-444455556666", "pttype":"gpt", "mountpoint":"/", "model":null, "serial":null, "wwn":null, "rm":"0"}
       ]
      }
   ]
}`

func TestSysfs_ListDevices(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	dev := filepath.Join(root, "dev")

	writeFile(t, filepath.Join(sys, "block", "sda", "size"), "16777216\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "removable"), "0\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "queue", "logical_block_size"), "512\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda1", "partition"), "1\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda1", "start"), "2048\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda1", "size"), "1048576\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda2", "partition"), "2\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda2", "start"), "1050624\n")
	writeFile(t, filepath.Join(sys, "block", "sda", "sda2", "size"), "15724544\n")
	writeFile(t, filepath.Join(sys, "block", "loop0", "size"), "100\n")

	byID := filepath.Join(dev, "disk", "by-id")
	require.NoError(t, os.MkdirAll(byID, 0o755))
	require.NoError(t, os.Symlink("../../sda", filepath.Join(byID, "ata-QEMU_HARDDISK_QM00001")))
	require.NoError(t, os.Symlink("../../sda1", filepath.Join(byID, "ata-QEMU_HARDDISK_QM00001-part1")))

	runner := &sysexec.Pretend{Output: map[string][]byte{
		"lsblk --json --bytes --output " + lsblkColumns: []byte(lsblkSample),
	}}
	inv := &Sysfs{SysRoot: sys, DevRoot: dev, Runner: runner}

	devices, err := inv.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1, "loop devices are skipped")

	d := devices[0]
	assert.Equal(t, "serial:QM00001", d.ID)
	assert.Equal(t, filepath.Join(dev, "sda"), d.Path)
	assert.Equal(t, int64(8<<30), d.Size)
	assert.Equal(t, "QEMU HARDDISK", d.Model)
	assert.Equal(t, "gpt", d.TableType)
	assert.Equal(t, []string{"ata-QEMU_HARDDISK_QM00001"}, d.Aliases)

	require.Len(t, d.Partitions, 2)
	boot := d.Partitions[0]
	assert.Equal(t, 1, boot.Number)
	assert.Equal(t, int64(2048*512), boot.Start)
	assert.Equal(t, int64(512<<20), boot.Size)
	assert.Equal(t, "vfat", boot.FSType)
	assert.Equal(t, "/boot", boot.MountPoint)
	assert.Equal(t, "partuuid:0a0a0a0a-01", boot.ID)

	resolved, err := inv.Resolve(context.Background(), "/dev/disk/by-id/ata-QEMU_HARDDISK_QM00001")
	require.NoError(t, err)
	assert.Equal(t, d.ID, resolved.ID)
}

func TestSysfs_WithoutLsblk(t *testing.T) {
	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	writeFile(t, filepath.Join(sys, "block", "vda", "size"), "4194304\n")
	writeFile(t, filepath.Join(sys, "block", "vda", "device", "serial"), "VIRT-01\n")

	runner := &sysexec.Pretend{Fail: map[string]error{
		"lsblk --json --bytes --output " + lsblkColumns: os.ErrNotExist,
	}}
	inv := &Sysfs{SysRoot: sys, DevRoot: filepath.Join(root, "dev"), Runner: runner}

	devices, err := inv.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "serial:VIRT-01", devices[0].ID)
	assert.Equal(t, int64(2<<30), devices[0].Size)
}

func TestPowerShell_ListDevices(t *testing.T) {
	ps := func(script string) string {
		return sysexec.Call{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-Command", script}}.String()
	}
	runner := &sysexec.Pretend{Output: map[string][]byte{
		ps(psDisks): []byte(`{"Number":0,"FriendlyName":"Samsung SSD 860","SerialNumber":" S3Z9NB0K123456 ","UniqueId":"5002538E40A1B2C3",` +
			`"Size":500107862016,"LogicalSectorSize":512,"PartitionStyle":2,"Guid":"{11112222-3333-4444-5555-666677778888}","BusType":11}`),
		ps(psPartitions): []byte(`[{"DiskNumber":0,"PartitionNumber":1,"Offset":1048576,"Size":104857600,"Guid":"{aaaa}","DriveLetter":null},` +
			`{"DiskNumber":0,"PartitionNumber":2,"Offset":105906176,"Size":400000000000,"Guid":"{bbbb}","DriveLetter":"C"}]`),
		ps(psVolumes): []byte(`{"DriveLetter":"C","FileSystem":"NTFS","FileSystemLabel":"Windows","UniqueId":"x"}`),
	}}

	devices, err := (&PowerShell{Runner: runner}).ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, "serial:S3Z9NB0K123456", d.ID)
	assert.Equal(t, `\\.\PHYSICALDRIVE0`, d.Path)
	assert.Equal(t, "gpt", d.TableType)
	assert.Equal(t, "11112222-3333-4444-5555-666677778888", d.TableID)
	assert.False(t, d.Removable)

	require.Len(t, d.Partitions, 2)
	assert.Empty(t, d.Partitions[0].MountPoint)
	assert.Equal(t, `C:\`, d.Partitions[1].MountPoint)
	assert.Equal(t, "ntfs", d.Partitions[1].FSType)
	assert.Equal(t, "partuuid:bbbb", d.Partitions[1].ID)
}

func TestCommandMounter(t *testing.T) {
	runner := &sysexec.Pretend{}
	m := &CommandMounter{Runner: runner}

	require.NoError(t, m.Mount(context.Background(), "/dev/sda3", "/mnt/restore"))
	require.NoError(t, m.Unmount(context.Background(), "/mnt/restore"))
	assert.Equal(t, []string{"mount /dev/sda3 /mnt/restore", "umount /mnt/restore"}, runner.Commands())
}
