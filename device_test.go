package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mountsSample = `sysfs /sys sysfs rw,nosuid,nodev,noexec 0 0
/dev/sda1 / ext4 rw,relatime 0 0
/dev/sdb1 /media/BOOT vfat rw,nosuid 0 0
/dev/sdb2 /media/rootfs ext4 rw 0 0
tmpfs /run tmpfs rw,nosuid,nodev 0 0
`

func testDeviceManager(t *testing.T, mounts string, run runCmdFunc) *DeviceManager {
	t.Helper()
	mountsFile := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsFile, []byte(mounts), 0644))
	return &DeviceManager{run: run, mountsFile: mountsFile}
}

func TestParseMounts(t *testing.T) {
	entries := parseMounts(mountsSample)

	require.Len(t, entries, 5)
	assert.Equal(t, MountEntry{Device: "/dev/sdb1", Mountpoint: "/media/BOOT"}, entries[2])
}

func TestBaseDisk(t *testing.T) {
	assert.Equal(t, "/dev/sdb", baseDisk("/dev/sdb1"))
	assert.Equal(t, "/dev/sdb", baseDisk("/dev/sdb"))
	assert.Equal(t, "/dev/mmcblk0", baseDisk("/dev/mmcblk0p2"))
	assert.Equal(t, "/dev/nvme0n1", baseDisk("/dev/nvme0n1p1"))
	assert.Equal(t, "tmpfs", baseDisk("tmpfs"), "non-device sources pass through")
}

func TestBootPartition(t *testing.T) {
	assert.Equal(t, "/dev/sdb1", bootPartition("/dev/sdb"))
	assert.Equal(t, "/dev/mmcblk0p1", bootPartition("/dev/mmcblk0"))
	assert.Equal(t, "/dev/nvme0n1p1", bootPartition("/dev/nvme0n1"))
}

func TestMountedPartitions(t *testing.T) {
	dm := testDeviceManager(t, mountsSample, nil)

	parts, err := dm.MountedPartitions("/dev/sdb")
	require.NoError(t, err)

	require.Len(t, parts, 2)
	assert.Equal(t, "/dev/sdb1", parts[0].Device)
	assert.Equal(t, "/dev/sdb2", parts[1].Device)
}

func TestUnmountAllIndependentFailures(t *testing.T) {
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "umount", name)
		if args[0] == "/dev/sdb1" {
			return []byte("target is busy"), fmt.Errorf("exit status 32")
		}
		return nil, nil
	}
	dm := testDeviceManager(t, mountsSample, run)

	failures := dm.UnmountAll(context.Background(), "/dev/sdb")

	require.Len(t, failures, 1, "one failing partition does not stop the others")
	assert.Contains(t, failures[0].Error(), "/dev/sdb1")
	assert.Contains(t, failures[0].Error(), "target is busy")
}

func TestUnmountAllNothingMounted(t *testing.T) {
	dm := testDeviceManager(t, mountsSample, nil)

	failures := dm.UnmountAll(context.Background(), "/dev/sdz")
	assert.Empty(t, failures)
}

func TestMountCreatesMountpoint(t *testing.T) {
	var gotArgs []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return nil, nil
	}
	dm := testDeviceManager(t, mountsSample, run)

	mountpoint := filepath.Join(t.TempDir(), "boot")
	err := dm.Mount(context.Background(), "/dev/sdb1", mountpoint)

	require.NoError(t, err)
	assert.DirExists(t, mountpoint)
	assert.Equal(t, []string{"mount", "/dev/sdb1", mountpoint}, gotArgs)
}

func TestDiskUsage(t *testing.T) {
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "df", name)
		return []byte("Filesystem Size Used Avail\n"), nil
	}
	dm := testDeviceManager(t, mountsSample, run)

	out, err := dm.DiskUsage(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "Filesystem")
}
