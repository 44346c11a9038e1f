package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Customizer copies configuration overlays onto the freshly written boot
// partition and patches hostname and wifi settings into whatever init
// files end up there.
type Customizer struct {
	dm       *DeviceManager
	mountDir string
}

// NewCustomizer returns a customizer that mounts the boot partition under
// the working directory.
func NewCustomizer(dm *DeviceManager) *Customizer {
	return &Customizer{
		dm:       dm,
		mountDir: BootMnt,
	}
}

// Customize applies opts to the boot partition of device. When no overlay
// file and no field edit was requested the partition is never mounted.
// Customization failures are surfaced to the caller; the image itself is
// already on the device at this point.
func (c *Customizer) Customize(ctx context.Context, device string, opts *Options) error {
	if opts.ConfigFile == "" && opts.BootConf == "" && opts.Edits.Empty() {
		GetLogger(ctx).Debug("no customization requested")
		return nil
	}

	logger := GetLogger(ctx).WithField("device", device)

	part := bootPartition(device)
	if err := c.dm.Mount(ctx, part, c.mountDir); err != nil {
		return fmt.Errorf("failed to mount boot partition: %w", err)
	}
	defer func() {
		if err := c.dm.Unmount(ctx, c.mountDir); err != nil {
			logger.WithError(err).Warn("failed to unmount boot partition")
		}
	}()

	if err := copyOverlays(c.mountDir, opts); err != nil {
		return err
	}

	if err := applyEdits(c.mountDir, opts.Edits); err != nil {
		return err
	}

	logger.Info("boot partition customized")
	return nil
}

// copyOverlays places the operator-supplied config files onto the boot
// partition, overwriting whatever the image shipped. A config file whose
// name marks it as the legacy format lands under the legacy name; anything
// else becomes the device-init file. Supplied sources that do not exist
// are skipped.
func copyOverlays(dir string, opts *Options) error {
	if opts.BootConf != "" {
		if _, err := os.Stat(opts.BootConf); err == nil {
			if err := copyFile(opts.BootConf, filepath.Join(dir, BootConfName)); err != nil {
				return fmt.Errorf("failed to install boot config: %w", err)
			}
		}
	}

	if opts.ConfigFile != "" {
		if _, err := os.Stat(opts.ConfigFile); err == nil {
			dest := DeviceInit
			if strings.Contains(filepath.Base(opts.ConfigFile), legacyMarker) {
				dest = LegacyInit
			}
			if err := copyFile(opts.ConfigFile, filepath.Join(dir, dest)); err != nil {
				return fmt.Errorf("failed to install device config: %w", err)
			}
		}
	}

	return nil
}

// applyEdits patches the requested fields into the init files present in
// dir. Both formats are handled independently; a file that is absent is
// simply skipped.
func applyEdits(dir string, edits FieldEdits) error {
	if edits.Empty() {
		return nil
	}

	modern := filepath.Join(dir, DeviceInit)
	if _, err := os.Stat(modern); err == nil {
		if err := patchFile(modern, func(lines []string) []string {
			if edits.Hostname != "" {
				lines = setYAMLField(lines, hostnameKey, edits.Hostname)
			}
			return lines
		}); err != nil {
			return fmt.Errorf("failed to edit %s: %w", DeviceInit, err)
		}
	}

	legacy := filepath.Join(dir, LegacyInit)
	if _, err := os.Stat(legacy); err == nil {
		if err := patchFile(legacy, func(lines []string) []string {
			if edits.Hostname != "" {
				lines = setKeyValue(lines, hostnameKey, edits.Hostname)
			}
			if edits.SSID != "" {
				lines = setKeyValue(lines, wifiSSIDKey, edits.SSID)
			}
			if edits.Password != "" {
				lines = setKeyValue(lines, wifiPassKey, edits.Password)
			}
			return lines
		}); err != nil {
			return fmt.Errorf("failed to edit %s: %w", LegacyInit, err)
		}
	}

	return nil
}

// patchFile rewrites path through the given line transform, preserving the
// file's existing line structure.
func patchFile(path string, transform func([]string) []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	lines = transform(lines)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode())
}

// setYAMLField replaces the value of the first top-level "key: value" line.
// No line is added when the key is absent; an image that lacks the field
// was not built for this mechanism.
func setYAMLField(lines []string, key, value string) []string {
	prefix := key + ":"
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) && !strings.HasPrefix(line, " ") {
			lines[i] = fmt.Sprintf("%s: %s", key, value)
			return lines
		}
	}
	return lines
}

// setKeyValue replaces the value of the first "key=value" line, shell
// style. Absent keys are left absent, as with setYAMLField.
func setKeyValue(lines []string, key, value string) []string {
	prefix := key + "="
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			lines[i] = fmt.Sprintf("%s=%s", key, value)
			return lines
		}
	}
	return lines
}

// copyFile copies src to dest, truncating any existing file.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
