//go:build linux

package hwid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

func platformSources() []Source {
	return []Source{
		{Name: "machine_id", Reliable: true, Probe: machineID},
		fileSource("product_uuid", "/sys/class/dmi/id/product_uuid"),
		fileSource("board_serial", "/sys/class/dmi/id/board_serial"),
		hashed(Source{Name: "cpu", Reliable: true, Probe: cpuModel}),
		{Name: "disk_serial", Reliable: true, Probe: diskSerial},
	}
}

func machineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(p); err == nil && strings.TrimSpace(string(b)) != "" {
			return string(b), nil
		}
	}
	return "", errors.New("machine-id not found")
}

func cpuModel() (string, error) {
	b, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(k) == "model name" {
			return v, nil
		}
	}
	return "", errors.New("no model name in cpuinfo")
}

// diskSerial returns the serial of the first non-removable block device.
func diskSerial() (string, error) {
	devs, err := filepath.Glob("/sys/block/*")
	if err != nil {
		return "", err
	}
	for _, d := range devs {
		name := filepath.Base(d)
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "zram") {
			continue
		}
		if rm, err := os.ReadFile(filepath.Join(d, "removable")); err == nil && strings.TrimSpace(string(rm)) == "1" {
			continue
		}
		for _, f := range []string{"device/serial", "serial", "device/wwid"} {
			if b, err := os.ReadFile(filepath.Join(d, f)); err == nil && strings.TrimSpace(string(b)) != "" {
				return string(b), nil
			}
		}
	}
	return "", errors.New("no disk serial")
}
