//go:build darwin

package hwid

import (
	"errors"
	"os/exec"
	"regexp"
)

var ioregValue = regexp.MustCompile(`"(IOPlatformUUID|IOPlatformSerialNumber)" = "([^"]+)"`)

func platformSources() []Source {
	return []Source{
		{Name: "platform_uuid", Reliable: true, Probe: ioreg("IOPlatformUUID")},
		{Name: "platform_serial", Reliable: true, Probe: ioreg("IOPlatformSerialNumber")},
		hashed(Source{Name: "cpu", Reliable: true, Probe: func() (string, error) {
			out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
			return string(out), err
		}}),
	}
}

func ioreg(key string) func() (string, error) {
	return func() (string, error) {
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return "", err
		}
		for _, m := range ioregValue.FindAllStringSubmatch(string(out), -1) {
			if m[1] == key {
				return m[2], nil
			}
		}
		return "", errors.New(key + " not found")
	}
}
