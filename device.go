package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MountEntry is one line of the mount table that we care about.
type MountEntry struct {
	Device     string
	Mountpoint string
}

// runCmdFunc runs an external command and returns its combined output.
// Swappable in tests so nothing shells out for real.
type runCmdFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// DeviceManager wraps the mount table and the mount/umount/df primitives.
type DeviceManager struct {
	run        runCmdFunc
	mountsFile string
}

// NewDeviceManager returns a manager backed by the real system.
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{
		run:        runCommand,
		mountsFile: "/proc/self/mounts",
	}
}

// Mounts returns a snapshot of the current mount table.
func (m *DeviceManager) Mounts() ([]MountEntry, error) {
	data, err := os.ReadFile(m.mountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	return parseMounts(string(data)), nil
}

// parseMounts extracts device/mountpoint pairs from /proc/self/mounts
// content. Octal escapes in mountpoints (e.g. \040 for space) are left
// as-is; removable media labels with spaces are rare enough not to matter
// for candidate derivation.
func parseMounts(data string) []MountEntry {
	var entries []MountEntry
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, MountEntry{
			Device:     fields[0],
			Mountpoint: fields[1],
		})
	}
	return entries
}

// baseDisk strips the partition suffix from a device path:
// /dev/sdb1 -> /dev/sdb, /dev/mmcblk0p2 -> /dev/mmcblk0.
func baseDisk(dev string) string {
	if !strings.HasPrefix(dev, "/dev/") {
		return dev
	}

	s := dev
	for len(s) > 0 {
		last := s[len(s)-1]
		if last < '0' || last > '9' {
			break
		}
		s = s[:len(s)-1]
	}

	// mmcblk0p2 / nvme0n1p2 style keeps a trailing partition letter.
	if strings.HasSuffix(s, "p") && (strings.Contains(s, "mmcblk") || strings.Contains(s, "nvme")) {
		s = s[:len(s)-1]
	}

	return s
}

// Multi-queue block devices name partitions with a "p" separator.
var mqDevicePattern = regexp.MustCompile(`(mmcblk|nvme\d+n)\d+$`)

// bootPartition returns the device path of the first partition of dev.
func bootPartition(dev string) string {
	if mqDevicePattern.MatchString(dev) {
		return dev + "p1"
	}
	return dev + "1"
}

// MountedPartitions returns the mount entries whose device belongs to the
// given whole disk.
func (m *DeviceManager) MountedPartitions(device string) ([]MountEntry, error) {
	entries, err := m.Mounts()
	if err != nil {
		return nil, err
	}

	var parts []MountEntry
	for _, e := range entries {
		if baseDisk(e.Device) == device {
			parts = append(parts, e)
		}
	}
	return parts, nil
}

// Mount mounts a device on mountpoint, creating the mountpoint if needed.
func (m *DeviceManager) Mount(ctx context.Context, device, mountpoint string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"device":     device,
		"mountpoint": mountpoint,
	})

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("failed to create mountpoint: %w", err)
	}

	logger.Info("mounting device")
	if out, err := m.run(ctx, "mount", device, mountpoint); err != nil {
		return fmt.Errorf("mount %s on %s failed: %w: %s", device, mountpoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unmount unmounts a single device or mountpoint.
func (m *DeviceManager) Unmount(ctx context.Context, target string) error {
	logger := GetLogger(ctx).WithField("target", target)

	logger.Info("unmounting")
	if out, err := m.run(ctx, "umount", target); err != nil {
		return fmt.Errorf("umount %s failed: %w: %s", target, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// UnmountAll unmounts every mounted partition of the given whole disk.
// Each unmount is attempted independently; the failures are returned so
// the caller decides whether they are fatal.
func (m *DeviceManager) UnmountAll(ctx context.Context, device string) []error {
	logger := GetLogger(ctx).WithField("device", device)

	parts, err := m.MountedPartitions(device)
	if err != nil {
		return []error{err}
	}

	var failures []error
	for _, p := range parts {
		if err := m.Unmount(ctx, p.Device); err != nil {
			logger.WithError(err).WithField("partition", p.Device).Warn("failed to unmount partition")
			failures = append(failures, err)
		}
	}
	return failures
}

// DiskUsage returns the output of df -h for display before confirmation.
func (m *DeviceManager) DiskUsage(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "df", "-h")
	if err != nil {
		return "", fmt.Errorf("df failed: %w", err)
	}
	return string(out), nil
}

// syncDisks flushes filesystem buffers. Three calls, matching the
// belt-and-braces habit the original tooling had around raw device writes.
func syncDisks() {
	unix.Sync()
	unix.Sync()
	unix.Sync()
}

// runCommand executes an external command with a restricted environment
// and returns its combined output.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL=C",
	}
	return cmd.CombinedOutput()
}
